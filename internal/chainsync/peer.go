package chainsync

import (
	"time"

	"github.com/tendermint/basenode/internal/chainmetadata"
	"github.com/tendermint/basenode/types"
)

// SampleWindowCapacity is the number of latency samples kept per peer.
const SampleWindowCapacity = 20

// SampleWindow is a fixed size FIFO of per-item durations. Once full, each
// new sample evicts the oldest.
type SampleWindow struct {
	samples [SampleWindowCapacity]time.Duration
	head    int // index of the oldest sample
	n       int
}

// Add records a sample. Durations below a nanosecond are stored as one
// nanosecond so rates stay finite.
func (w *SampleWindow) Add(d time.Duration) {
	if d < 1 {
		d = 1
	}
	if w.n < SampleWindowCapacity {
		w.samples[(w.head+w.n)%SampleWindowCapacity] = d
		w.n++
		return
	}
	w.samples[w.head] = d
	w.head = (w.head + 1) % SampleWindowCapacity
}

func (w *SampleWindow) Len() int { return w.n }

// Samples returns the samples oldest first.
func (w *SampleWindow) Samples() []time.Duration {
	out := make([]time.Duration, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.samples[(w.head+i)%SampleWindowCapacity]
	}
	return out
}

func (w *SampleWindow) Sum() time.Duration {
	var sum time.Duration
	for i := 0; i < w.n; i++ {
		sum += w.samples[(w.head+i)%SampleWindowCapacity]
	}
	return sum
}

// SyncPeer is a candidate to sync from: its latest claim plus the history
// of how fast it served us.
type SyncPeer struct {
	claim   chainmetadata.PeerClaim
	samples SampleWindow
}

func NewSyncPeer(claim chainmetadata.PeerClaim) *SyncPeer {
	return &SyncPeer{claim: claim.Copy()}
}

func (p *SyncPeer) NodeID() types.NodeID { return p.claim.NodeID }

func (p *SyncPeer) Claim() chainmetadata.PeerClaim { return p.claim.Copy() }

func (p *SyncPeer) ChainMetadata() types.ChainMetadata { return p.claim.ChainMetadata }

// Latency returns the last measured round trip, if any.
func (p *SyncPeer) Latency() (time.Duration, bool) {
	if p.claim.Latency == nil {
		return 0, false
	}
	return *p.claim.Latency, true
}

// AddSample records how long the peer took to deliver a single item.
func (p *SyncPeer) AddSample(d time.Duration) { p.samples.Add(d) }

// ItemsPerSecond is the peer's observed throughput. It is false until at
// least one sample has been recorded.
func (p *SyncPeer) ItemsPerSecond() (float64, bool) {
	if p.samples.Len() == 0 {
		return 0, false
	}
	return float64(p.samples.Len()) / float64(p.samples.Sum()) * 1e9, true
}

func (p *SyncPeer) setClaim(claim chainmetadata.PeerClaim) { p.claim = claim.Copy() }
