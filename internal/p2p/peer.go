package p2p

import (
	"errors"
	"time"

	"github.com/tendermint/basenode/types"
)

var (
	// ErrPeerUnreachable means the peer could not be contacted at all.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrPeerTimeout means the peer did not answer in time.
	ErrPeerTimeout = errors.New("peer timed out")
	// ErrMalformedResponse means the peer answered with something it
	// should not have. It is the peer's fault.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrNotHeld means the peer does not have the requested data, for
	// example a block it pruned or one from a chain it never followed.
	ErrNotHeld = errors.New("data not held by peer")
)

// IsTransient reports whether err is a connectivity problem rather than a
// misbehaving peer.
func IsTransient(err error) bool {
	return errors.Is(err, ErrPeerUnreachable) || errors.Is(err, ErrPeerTimeout)
}

// PeerStatus is a peer connection status.
type PeerStatus string

const (
	PeerStatusUp   PeerStatus = "up"   // connected and ready
	PeerStatusDown PeerStatus = "down" // disconnected
)

// PeerUpdate is a peer connectivity event.
type PeerUpdate struct {
	NodeID types.NodeID
	Status PeerStatus
}

// LivenessEvent is emitted by the liveness protocol. It is either a
// PongEvent or a PingRoundEvent.
type LivenessEvent interface {
	isLivenessEvent()
}

// PongEvent is a ping response, carrying the peer's advertised chain
// metadata when it included one.
type PongEvent struct {
	NodeID   types.NodeID
	Metadata *types.ChainMetadata
	// Latency is the measured round trip, nil if it could not be measured.
	Latency *time.Duration
}

// PingRoundEvent is emitted after each ping broadcast with the number of
// peers it reached.
type PingRoundEvent struct {
	NumPeers int
}

func (PongEvent) isLivenessEvent()      {}
func (PingRoundEvent) isLivenessEvent() {}
