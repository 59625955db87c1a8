package chainsync

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tendermint/basenode/types"
)

type banEntry struct {
	until  time.Time
	reason string
}

// BanList excludes misbehaving peers from selection for a fixed duration.
// It belongs to the state machine goroutine and is not safe for concurrent
// use.
type BanList struct {
	clock    clock.Clock
	duration time.Duration
	bans     map[types.NodeID]banEntry
}

func NewBanList(clk clock.Clock, duration time.Duration) *BanList {
	return &BanList{
		clock:    clk,
		duration: duration,
		bans:     make(map[types.NodeID]banEntry),
	}
}

// Ban excludes id until the ban duration has passed. Banning an already
// banned peer extends the ban.
func (b *BanList) Ban(id types.NodeID, reason string) {
	b.bans[id] = banEntry{until: b.clock.Now().Add(b.duration), reason: reason}
}

// IsBanned reports whether id is banned at now. Expired entries are
// forgotten.
func (b *BanList) IsBanned(id types.NodeID, now time.Time) bool {
	e, ok := b.bans[id]
	if !ok {
		return false
	}
	if !now.Before(e.until) {
		delete(b.bans, id)
		return false
	}
	return true
}

// Reason returns why id was banned, if it is.
func (b *BanList) Reason(id types.NodeID) (string, bool) {
	if !b.IsBanned(id, b.clock.Now()) {
		return "", false
	}
	return b.bans[id].reason, true
}

// Len returns the number of bans that have not yet expired.
func (b *BanList) Len() int {
	now := b.clock.Now()
	for id := range b.bans {
		b.IsBanned(id, now)
	}
	return len(b.bans)
}
