package p2p

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tendermint/basenode/internal/store"
	"github.com/tendermint/basenode/libs/log"
	"github.com/tendermint/basenode/types"
)

const eventBufferSize = 64

// MemoryPeer is a simulated remote node serving its own block store.
type MemoryPeer struct {
	ID    types.NodeID
	Store *store.BlockStore
	// Latency delays every response and is reported in pongs.
	Latency time.Duration
	// Claim, when set, is advertised instead of the store's metadata.
	Claim *types.ChainMetadata
	// TamperHeader is applied to a copy of every header the peer serves,
	// including headers of served blocks.
	TamperHeader func(*types.BlockHeader)
	// TamperBlock is applied to a copy of every block the peer serves.
	TamperBlock func(*types.Block)
	// TamperHorizonState is applied to every snapshot the peer serves.
	TamperHorizonState func(*types.HorizonState)
}

// MemoryNetwork is an in-process transport connecting the local node to
// simulated peers. It serves sync requests from the peers' stores and
// emits peer and liveness events the way a real transport would.
type MemoryNetwork struct {
	logger log.Logger
	clock  clock.Clock

	mtx       sync.RWMutex
	peers     map[types.NodeID]*MemoryPeer
	offline   map[types.NodeID]bool
	advertise types.ChainMetadata

	peerUpdates chan PeerUpdate
	liveness    chan LivenessEvent
}

func NewMemoryNetwork(logger log.Logger, clk clock.Clock) *MemoryNetwork {
	return &MemoryNetwork{
		logger:      logger,
		clock:       clk,
		peers:       make(map[types.NodeID]*MemoryPeer),
		offline:     make(map[types.NodeID]bool),
		peerUpdates: make(chan PeerUpdate, eventBufferSize),
		liveness:    make(chan LivenessEvent, eventBufferSize),
	}
}

// PeerUpdates returns the stream of connect and disconnect events.
func (n *MemoryNetwork) PeerUpdates() <-chan PeerUpdate { return n.peerUpdates }

// Events returns the liveness event stream.
func (n *MemoryNetwork) Events() <-chan LivenessEvent { return n.liveness }

// SetMetadata sets the chain metadata the local node advertises in pings.
func (n *MemoryNetwork) SetMetadata(m types.ChainMetadata) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.advertise = m
}

// Advertised returns the metadata last passed to SetMetadata.
func (n *MemoryNetwork) Advertised() types.ChainMetadata {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.advertise
}

// Connect adds a peer and announces it.
func (n *MemoryNetwork) Connect(ctx context.Context, p *MemoryPeer) error {
	if err := p.ID.Validate(); err != nil {
		return err
	}
	n.mtx.Lock()
	n.peers[p.ID] = p
	delete(n.offline, p.ID)
	n.mtx.Unlock()

	n.logger.Debug("peer connected", "peer", p.ID)
	return n.sendUpdate(ctx, PeerUpdate{NodeID: p.ID, Status: PeerStatusUp})
}

// Disconnect removes a peer and announces it.
func (n *MemoryNetwork) Disconnect(ctx context.Context, id types.NodeID) error {
	n.mtx.Lock()
	_, ok := n.peers[id]
	delete(n.peers, id)
	n.mtx.Unlock()

	if !ok {
		return nil
	}
	n.logger.Debug("peer disconnected", "peer", id)
	return n.sendUpdate(ctx, PeerUpdate{NodeID: id, Status: PeerStatusDown})
}

// SetOffline makes requests to a connected peer fail as unreachable
// without disconnecting it.
func (n *MemoryNetwork) SetOffline(id types.NodeID, offline bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.offline[id] = offline
}

func (n *MemoryNetwork) sendUpdate(ctx context.Context, u PeerUpdate) error {
	select {
	case n.peerUpdates <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *MemoryNetwork) sendEvent(ctx context.Context, e LivenessEvent) error {
	select {
	case n.liveness <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PingRound pings every connected peer once, emitting a pong per
// reachable peer followed by the round summary. Pongs are emitted in
// NodeID order.
func (n *MemoryNetwork) PingRound(ctx context.Context) error {
	n.mtx.RLock()
	peers := make([]*MemoryPeer, 0, len(n.peers))
	for id, p := range n.peers {
		if !n.offline[id] {
			peers = append(peers, p)
		}
	}
	n.mtx.RUnlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })

	for _, p := range peers {
		pong := PongEvent{NodeID: p.ID}
		if p.Claim != nil {
			m := *p.Claim
			pong.Metadata = &m
		} else if p.Store != nil {
			m, err := p.Store.FetchChainMetadata()
			if err != nil {
				n.logger.Error("peer has no chain metadata", "peer", p.ID, "err", err)
			} else {
				pong.Metadata = &m
			}
		}
		if p.Latency > 0 {
			latency := p.Latency
			pong.Latency = &latency
		}
		if err := n.sendEvent(ctx, pong); err != nil {
			return err
		}
	}
	return n.sendEvent(ctx, PingRoundEvent{NumPeers: len(peers)})
}

// Run broadcasts a ping round every interval until ctx is done.
func (n *MemoryNetwork) Run(ctx context.Context, interval time.Duration) {
	ticker := n.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.PingRound(ctx); err != nil {
				return
			}
		}
	}
}

// peer resolves a request target and waits out its latency.
func (n *MemoryNetwork) peer(ctx context.Context, id types.NodeID) (*MemoryPeer, error) {
	n.mtx.RLock()
	p, ok := n.peers[id]
	offline := n.offline[id]
	n.mtx.RUnlock()

	if !ok || offline {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, id)
	}
	if p.Store == nil {
		return nil, fmt.Errorf("%w: %s serves no chain", ErrMalformedResponse, id)
	}
	if p.Latency > 0 {
		timer := n.clock.Timer(p.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrPeerTimeout, id, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPeerTimeout, id, err)
	}
	return p, nil
}

// RequestHeaders returns the peer's headers in [start, end], ascending.
// A peer may return fewer headers than asked for when its chain is shorter.
func (n *MemoryNetwork) RequestHeaders(ctx context.Context, id types.NodeID, start, end uint64) ([]types.BlockHeader, error) {
	p, err := n.peer(ctx, id)
	if err != nil {
		return nil, err
	}
	if start > end {
		return nil, fmt.Errorf("%w: invalid range [%d, %d]", ErrMalformedResponse, start, end)
	}
	chs, err := p.Store.FetchHeaders(start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	out := make([]types.BlockHeader, len(chs))
	for i := range chs {
		out[i] = chs[i].Header
		if p.TamperHeader != nil {
			p.TamperHeader(&out[i])
		}
	}
	return out, nil
}

// RequestBlock returns the peer's full block at height.
func (n *MemoryNetwork) RequestBlock(ctx context.Context, id types.NodeID, height uint64) (*types.Block, error) {
	p, err := n.peer(ctx, id)
	if err != nil {
		return nil, err
	}
	block, err := p.Store.FetchBlock(height)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: block %d", ErrNotHeld, height)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", ErrMalformedResponse, height, err)
	}
	if p.TamperHeader != nil {
		p.TamperHeader(&block.Header)
	}
	if p.TamperBlock != nil {
		p.TamperBlock(block)
	}
	return block, nil
}

// RequestHorizonState returns the peer's pruned snapshot at height.
func (n *MemoryNetwork) RequestHorizonState(ctx context.Context, id types.NodeID, height uint64) (types.HorizonState, error) {
	p, err := n.peer(ctx, id)
	if err != nil {
		return types.HorizonState{}, err
	}
	state, err := p.Store.FetchHorizonState(height)
	if errors.Is(err, store.ErrNotFound) {
		return types.HorizonState{}, fmt.Errorf("%w: horizon %d", ErrNotHeld, height)
	}
	if err != nil {
		return types.HorizonState{}, fmt.Errorf("%w: horizon %d: %v", ErrMalformedResponse, height, err)
	}
	if p.TamperHorizonState != nil {
		p.TamperHorizonState(&state)
	}
	return state, nil
}
