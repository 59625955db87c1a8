package chainmetadata

import (
	"time"

	"github.com/tendermint/basenode/types"
)

// NumRoundsNetworkSilence is the number of consecutive ping rounds that
// reach no peers before the network is considered silent.
const NumRoundsNetworkSilence = 3

// PeerClaim is a peer's advertised chain tip as last received.
type PeerClaim struct {
	NodeID        types.NodeID
	ChainMetadata types.ChainMetadata
	// Latency is the last measured round trip, nil until one is measured.
	Latency    *time.Duration
	ReceivedAt time.Time
}

// Copy returns a claim that shares no memory with c.
func (c PeerClaim) Copy() PeerClaim {
	if c.Latency != nil {
		l := *c.Latency
		c.Latency = &l
	}
	return c
}

// fresherThan reports whether c may replace old: a higher tip, or the same
// height with a timestamp that is not older.
func (c PeerClaim) fresherThan(old PeerClaim) bool {
	if c.ChainMetadata.Height != old.ChainMetadata.Height {
		return c.ChainMetadata.Height > old.ChainMetadata.Height
	}
	return c.ChainMetadata.Timestamp >= old.ChainMetadata.Timestamp
}

// Event is published to every subscription. It is either PeersUpdated or
// NetworkSilence.
type Event interface {
	isEvent()
}

// PeersUpdated carries every live claim, ordered by NodeID.
type PeersUpdated struct {
	Claims []PeerClaim
}

// NetworkSilence means no peer has been heard from for a while.
type NetworkSilence struct{}

func (PeersUpdated) isEvent()   {}
func (NetworkSilence) isEvent() {}
