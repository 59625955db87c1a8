package chainsync

import (
	"context"
	"time"

	"github.com/tendermint/basenode/internal/chainmetadata"
	"github.com/tendermint/basenode/types"
)

const (
	stateNameStarting         = "Starting"
	stateNameListening        = "Listening"
	stateNameHeaderSync       = "HeaderSync"
	stateNameHorizonStateSync = "HorizonStateSync"
	stateNameBlockSync        = "BlockSync"
	stateNameWaiting          = "Waiting"
	stateNameShutdown         = "Shutdown"
)

// State is one step of the sync state machine. Next runs the state to
// completion and reports how it ended.
type State interface {
	Name() string
	Next(ctx context.Context, m *Machine) StateEvent
}

// Listening waits until some peer claims more work than the local chain.
type Listening struct{}

func (*Listening) Name() string { return stateNameListening }

func (s *Listening) Next(ctx context.Context, m *Machine) StateEvent {
	m.pool.ResetRound()
	if ev := m.evaluateClaims(); ev != nil {
		return ev
	}

	for {
		select {
		case <-ctx.Done():
			return UserQuit{}

		case ev, ok := <-m.sub.Events():
			if !ok {
				return UserQuit{}
			}
			switch ev := ev.(type) {
			case chainmetadata.PeersUpdated:
				m.claims = ev.Claims
				if out := m.evaluateClaims(); out != nil {
					return out
				}
			case chainmetadata.NetworkSilence:
				m.claims = nil
				m.logger.Info("no peers heard from; assuming the local chain is current")
				m.markSynced()
			}
		}
	}
}

// HeaderSync downloads and validates headers from the best candidate,
// falling back to the next one when a peer fails.
type HeaderSync struct {
	candidates []*SyncPeer
}

func (*HeaderSync) Name() string { return stateNameHeaderSync }

func (s *HeaderSync) Next(ctx context.Context, m *Machine) StateEvent {
	for i, peer := range s.candidates {
		if i >= m.cfg.MaxPeerAttempts {
			break
		}

		headers, err := m.syncHeaders(ctx, peer)
		if err == nil {
			return HeadersSynchronized{Peers: s.candidates[i:], Headers: headers}
		}
		if ctx.Err() != nil {
			return UserQuit{}
		}
		if fatal := m.handlePeerFailure(peer, err); fatal {
			return FatalError{Err: err}
		}
	}
	return SyncFailed{Err: ErrNoSyncPeers}
}

// HorizonStateSync fetches the pruned snapshot at the horizon height and
// commits it along with the headers leading up to it.
type HorizonStateSync struct {
	peers   []*SyncPeer
	prover  types.NodeID
	horizon uint64
	headers []types.ChainHeader
}

func (*HorizonStateSync) Name() string { return stateNameHorizonStateSync }

func (s *HorizonStateSync) Next(ctx context.Context, m *Machine) StateEvent {
	split := 0
	for split < len(s.headers) && s.headers[split].Height() <= s.horizon {
		split++
	}
	below, above := s.headers[:split], s.headers[split:]

	for i, peer := range s.peers {
		if i >= m.cfg.MaxPeerAttempts {
			break
		}

		err := m.syncHorizonState(ctx, peer, s.horizon, below)
		if err == nil {
			return HorizonStateSynchronized{Peers: s.peers[i:], Headers: above}
		}
		if ctx.Err() != nil {
			return UserQuit{}
		}
		if fatal := m.handlePeerFailure(peer, err); fatal {
			return FatalError{Err: err}
		}
	}
	return SyncFailed{Err: ErrNoSyncPeers}
}

// BlockSync fetches, validates and commits the body of every staged
// header in order. Local blocks the headers replace are rewound first.
// prover is the peer that served the headers; the others are fallbacks
// and are only asked for heights their claims cover.
type BlockSync struct {
	peers   []*SyncPeer
	prover  types.NodeID
	headers []types.ChainHeader
}

func (*BlockSync) Name() string { return stateNameBlockSync }

func (s *BlockSync) Next(ctx context.Context, m *Machine) StateEvent {
	if err := m.rewindForHeaders(s.headers); err != nil {
		return FatalError{Err: err}
	}

	current := 0
	for i := range s.headers {
		for {
			if current >= len(s.peers) || current >= m.cfg.MaxPeerAttempts {
				return SyncFailed{Err: ErrNoSyncPeers}
			}
			peer := s.peers[current]
			prover := peer.NodeID() == s.prover
			if !prover && (m.IsBanned(peer.NodeID()) || peer.ChainMetadata().Height < s.headers[i].Height()) {
				current++
				continue
			}

			err := m.syncBlock(ctx, peer, &s.headers[i], prover)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return UserQuit{}
			}
			if fatal := m.handlePeerFailure(peer, err); fatal {
				return FatalError{Err: err}
			}
			current++
		}
	}
	return BlocksSynchronized{}
}

// Waiting is a cooldown between sync rounds. The deadline is fixed when
// the state is created.
type Waiting struct {
	deadline time.Time
}

func (*Waiting) Name() string { return stateNameWaiting }

func (s *Waiting) Next(ctx context.Context, m *Machine) StateEvent {
	d := s.deadline.Sub(m.clock.Now())
	if d <= 0 {
		return Continue{}
	}
	timer := m.clock.Timer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return UserQuit{}
		case <-timer.C:
			return Continue{}
		case ev, ok := <-m.sub.Events():
			if !ok {
				return UserQuit{}
			}
			switch ev := ev.(type) {
			case chainmetadata.PeersUpdated:
				m.claims = ev.Claims
			case chainmetadata.NetworkSilence:
				m.claims = nil
			}
		}
	}
}

// Shutdown is terminal.
type Shutdown struct{}

func (*Shutdown) Name() string { return stateNameShutdown }

func (*Shutdown) Next(context.Context, *Machine) StateEvent { return UserQuit{} }
