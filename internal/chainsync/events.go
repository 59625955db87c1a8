package chainsync

import (
	"errors"
	"fmt"

	"github.com/tendermint/basenode/types"
)

// ErrNoSyncPeers is reported when every candidate of a round failed or
// none was left to try.
var ErrNoSyncPeers = errors.New("no sync peer could serve the chain")

// StateEvent is the outcome of running a state. Together with the state
// that produced it, it determines the next state.
type StateEvent interface {
	fmt.Stringer
	isStateEvent()
}

// FallenBehind means at least one peer claims more work than the local
// chain.
type FallenBehind struct {
	Candidates []*SyncPeer
}

// HeadersSynchronized carries the validated headers above the local tip.
// Peers holds the peer that served them followed by the remaining
// candidates.
type HeadersSynchronized struct {
	Peers   []*SyncPeer
	Headers []types.ChainHeader
}

// HorizonStateSynchronized means the pruned snapshot was committed.
// Headers are the staged headers still without bodies.
type HorizonStateSynchronized struct {
	Peers   []*SyncPeer
	Headers []types.ChainHeader
}

// BlocksSynchronized means every staged header now has a committed block.
type BlocksSynchronized struct{}

// SyncFailed ends a round without reaching the target.
type SyncFailed struct {
	Err error
}

// Continue ends a Waiting period.
type Continue struct{}

// UserQuit is returned when the machine's context ends.
type UserQuit struct{}

// FatalError stops the machine. It is reserved for failures that retrying
// against another peer cannot fix, like a broken local store.
type FatalError struct {
	Err error
}

func (FallenBehind) isStateEvent()             {}
func (HeadersSynchronized) isStateEvent()      {}
func (HorizonStateSynchronized) isStateEvent() {}
func (BlocksSynchronized) isStateEvent()       {}
func (SyncFailed) isStateEvent()               {}
func (Continue) isStateEvent()                 {}
func (UserQuit) isStateEvent()                 {}
func (FatalError) isStateEvent()               {}

func (e FallenBehind) String() string {
	return fmt.Sprintf("FallenBehind(%d candidates)", len(e.Candidates))
}

func (e HeadersSynchronized) String() string {
	return fmt.Sprintf("HeadersSynchronized(%d headers)", len(e.Headers))
}

func (e HorizonStateSynchronized) String() string {
	return fmt.Sprintf("HorizonStateSynchronized(%d headers left)", len(e.Headers))
}

func (BlocksSynchronized) String() string { return "BlocksSynchronized" }
func (e SyncFailed) String() string       { return fmt.Sprintf("SyncFailed(%v)", e.Err) }
func (Continue) String() string           { return "Continue" }
func (UserQuit) String() string           { return "UserQuit" }
func (e FatalError) String() string       { return fmt.Sprintf("FatalError(%v)", e.Err) }
