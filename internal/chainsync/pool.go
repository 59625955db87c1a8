package chainsync

import (
	"sort"
	"time"

	"github.com/tendermint/basenode/internal/chainmetadata"
	"github.com/tendermint/basenode/types"
)

// SyncPeerPool ranks peers' claims into sync candidates. Throughput
// histories survive across rounds for as long as a peer keeps a claim.
type SyncPeerPool struct {
	peers         map[types.NodeID]*SyncPeer
	bans          *BanList
	forced        types.NodeIDSet
	deprioritized types.NodeIDSet
}

// NewSyncPeerPool returns a pool. A non-empty forced list restricts
// selection to those peers.
func NewSyncPeerPool(bans *BanList, forced []types.NodeID) *SyncPeerPool {
	p := &SyncPeerPool{
		peers:         make(map[types.NodeID]*SyncPeer),
		bans:          bans,
		deprioritized: types.NewNodeIDSet(),
	}
	if len(forced) > 0 {
		p.forced = types.NewNodeIDSet(forced...)
	}
	return p
}

// Peer returns the tracked peer with the given id.
func (p *SyncPeerPool) Peer(id types.NodeID) (*SyncPeer, bool) {
	sp, ok := p.peers[id]
	return sp, ok
}

// Deprioritize moves a peer to the back of the ranking until ResetRound.
func (p *SyncPeerPool) Deprioritize(id types.NodeID) { p.deprioritized[id] = struct{}{} }

// ResetRound clears deprioritizations at the start of a new sync round.
func (p *SyncPeerPool) ResetRound() { p.deprioritized = types.NewNodeIDSet() }

// SelectCandidates returns the peers worth syncing from, best first.
//
// Peers are dropped when their claimed accumulated difficulty does not
// exceed localTip, when banned, or when not in the forced set. The rest
// are ordered by: not deprioritized first, then accumulated difficulty
// descending, then measured throughput descending, then latency
// ascending, then peers with no history. Equal peers keep claim order,
// which the metadata service provides sorted by NodeID.
func (p *SyncPeerPool) SelectCandidates(
	claims []chainmetadata.PeerClaim,
	localTip types.AccumulatedDifficulty,
	now time.Time,
) []*SyncPeer {
	present := make(map[types.NodeID]struct{}, len(claims))
	candidates := make([]*SyncPeer, 0, len(claims))

	for _, c := range claims {
		present[c.NodeID] = struct{}{}
		sp, ok := p.peers[c.NodeID]
		if ok {
			sp.setClaim(c)
		} else {
			sp = NewSyncPeer(c)
			p.peers[c.NodeID] = sp
		}

		if !c.ChainMetadata.AccumulatedDifficulty.GreaterThan(localTip) {
			continue
		}
		if p.bans.IsBanned(c.NodeID, now) {
			continue
		}
		if p.forced != nil && !p.forced.Has(c.NodeID) {
			continue
		}
		candidates = append(candidates, sp)
	}

	for id := range p.peers {
		if _, ok := present[id]; !ok {
			delete(p.peers, id)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return p.less(candidates[i], candidates[j])
	})
	return candidates
}

// rank tiers within equal difficulty
const (
	tierThroughput = iota
	tierLatency
	tierUnknown
)

func tier(sp *SyncPeer) int {
	if _, ok := sp.ItemsPerSecond(); ok {
		return tierThroughput
	}
	if _, ok := sp.Latency(); ok {
		return tierLatency
	}
	return tierUnknown
}

func (p *SyncPeerPool) less(a, b *SyncPeer) bool {
	da, db := p.deprioritized.Has(a.NodeID()), p.deprioritized.Has(b.NodeID())
	if da != db {
		return !da
	}

	if c := a.ChainMetadata().AccumulatedDifficulty.Cmp(b.ChainMetadata().AccumulatedDifficulty); c != 0 {
		return c > 0
	}

	ta, tb := tier(a), tier(b)
	if ta != tb {
		return ta < tb
	}
	switch ta {
	case tierThroughput:
		ra, _ := a.ItemsPerSecond()
		rb, _ := b.ItemsPerSecond()
		return ra > rb
	case tierLatency:
		la, _ := a.Latency()
		lb, _ := b.Latency()
		return la < lb
	default:
		return false
	}
}
