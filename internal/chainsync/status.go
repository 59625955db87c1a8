package chainsync

import (
	"fmt"
	"sync"

	"github.com/tendermint/basenode/types"
)

// Status is a snapshot of sync progress as reported to the node's users.
type Status struct {
	// State is the name of the current state.
	State        string
	LocalHeight  uint64
	TargetHeight uint64
	// SyncPeer is the peer being synced from, empty when idle.
	SyncPeer types.NodeID
	// Synced is true once Listening finds no peer ahead of us.
	Synced bool
	// Stuck is true after several waiting rounds without any progress.
	Stuck bool
}

func (s Status) String() string {
	switch {
	case s.Stuck:
		return fmt.Sprintf("%s (stuck at %d)", s.State, s.LocalHeight)
	case s.SyncPeer != "":
		return fmt.Sprintf("%s %d/%d from %s", s.State, s.LocalHeight, s.TargetHeight, s.SyncPeer)
	default:
		return fmt.Sprintf("%s at %d", s.State, s.LocalHeight)
	}
}

// StatusWatch holds the latest Status. Readers either poll Get or wait on
// Changed.
type StatusWatch struct {
	mtx     sync.RWMutex
	status  Status
	changed chan struct{}
}

func NewStatusWatch() *StatusWatch {
	return &StatusWatch{
		status:  Status{State: stateNameStarting},
		changed: make(chan struct{}),
	}
}

// Get returns the current status.
func (w *StatusWatch) Get() Status {
	w.mtx.RLock()
	defer w.mtx.RUnlock()
	return w.status
}

// Changed returns a channel that is closed on the next status change.
func (w *StatusWatch) Changed() <-chan struct{} {
	w.mtx.RLock()
	defer w.mtx.RUnlock()
	return w.changed
}

func (w *StatusWatch) update(fn func(*Status)) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	next := w.status
	fn(&next)
	if next == w.status {
		return
	}
	w.status = next
	close(w.changed)
	w.changed = make(chan struct{})
}
