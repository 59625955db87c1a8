package chainsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/basenode/config"
	"github.com/tendermint/basenode/internal/chainmetadata"
	"github.com/tendermint/basenode/internal/chainsync/mocks"
	"github.com/tendermint/basenode/internal/consensus"
	"github.com/tendermint/basenode/internal/p2p"
	"github.com/tendermint/basenode/internal/store"
	"github.com/tendermint/basenode/internal/test/factory"
	"github.com/tendermint/basenode/internal/validation"
	"github.com/tendermint/basenode/libs/log"
	"github.com/tendermint/basenode/types"
)

// chainStore returns a store holding chain up to and including height.
func chainStore(t *testing.T, chain *factory.ChainBuilder, height uint64) *store.BlockStore {
	t.Helper()
	bs := store.NewMemStore()
	require.NoError(t, store.InitGenesis(bs, chain.Genesis()))
	for h := uint64(1); h <= height; h++ {
		require.NoError(t, bs.CommitValidatedBlock(chain.Block(h)))
	}
	return bs
}

func headersOf(chain *factory.ChainBuilder, start, end uint64) []types.BlockHeader {
	out := make([]types.BlockHeader, 0, end-start+1)
	for h := start; h <= end; h++ {
		out = append(out, chain.Block(h).Block.Header)
	}
	return out
}

func tipClaim(id string, chain *factory.ChainBuilder, latency time.Duration) chainmetadata.PeerClaim {
	ch := chain.Tip().ChainHeader()
	c := chainmetadata.PeerClaim{NodeID: types.NodeID(id), ChainMetadata: ch.Metadata(0)}
	if latency > 0 {
		c.Latency = &latency
	}
	return c
}

func heightClaim(id string, chain *factory.ChainBuilder, height uint64) chainmetadata.PeerClaim {
	ch := chain.Block(height).ChainHeader()
	return chainmetadata.PeerClaim{NodeID: types.NodeID(id), ChainMetadata: ch.Metadata(0)}
}

// newTestMachine builds a machine with a live subscription so its states
// can be run one at a time.
func newTestMachine(
	ctx context.Context,
	t *testing.T,
	cfg *config.SyncConfig,
	local store.Backend,
	client SyncClient,
	opts ...MachineOption,
) *Machine {
	t.Helper()
	network := p2p.NewMemoryNetwork(log.NewNopLogger(), clock.New())
	svc := chainmetadata.NewService(log.NewNopLogger(), config.TestMetadataConfig(), network, network.PeerUpdates(), local)

	m, err := NewMachine(log.NewNopLogger(), cfg, factory.TestManager(), local, client, svc, opts...)
	require.NoError(t, err)
	m.sub = svc.Subscribe(ctx)
	return m
}

func TestTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(10)
	local := chainStore(t, chain, 0)

	archival := newTestMachine(ctx, t, config.TestSyncConfig(), local, mocks.NewSyncClient(t))
	prunedCfg := config.TestSyncConfig()
	prunedCfg.Mode = config.SyncModePruned
	pruned := newTestMachine(ctx, t, prunedCfg, local, mocks.NewSyncClient(t))

	staged := chain.Headers()[1:]

	testCases := []struct {
		name    string
		machine *Machine
		state   State
		event   StateEvent
		want    State
	}{
		{"listening falls behind", archival, &Listening{}, FallenBehind{}, &HeaderSync{}},
		{"archival headers done", archival, &HeaderSync{}, HeadersSynchronized{Headers: staged}, &BlockSync{}},
		{"pruned headers done", pruned, &HeaderSync{}, HeadersSynchronized{Headers: staged}, &HorizonStateSync{}},
		{"pruned headers within horizon", pruned, &HeaderSync{}, HeadersSynchronized{Headers: staged[7:]}, &BlockSync{}},
		{"header sync failed", archival, &HeaderSync{}, SyncFailed{Err: ErrNoSyncPeers}, &Waiting{}},
		{"horizon done", pruned, &HorizonStateSync{}, HorizonStateSynchronized{Headers: staged[5:]}, &BlockSync{}},
		{"horizon at tip", pruned, &HorizonStateSync{}, HorizonStateSynchronized{}, &Waiting{}},
		{"horizon failed", pruned, &HorizonStateSync{}, SyncFailed{}, &Waiting{}},
		{"blocks done", archival, &BlockSync{}, BlocksSynchronized{}, &Waiting{}},
		{"block sync failed", archival, &BlockSync{}, SyncFailed{}, &Waiting{}},
		{"waiting over", archival, &Waiting{}, Continue{}, &Listening{}},
		{"fatal", archival, &BlockSync{}, FatalError{Err: errors.New("disk gone")}, &Shutdown{}},
		{"quit", archival, &Listening{}, UserQuit{}, &Shutdown{}},
		{"unexpected event", archival, &Listening{}, Continue{}, &Waiting{}},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := tc.machine.transition(tc.state, tc.event)
			assert.IsType(t, tc.want, got)
		})
	}

	t.Run("horizon height", func(t *testing.T) {
		next := pruned.transition(&HeaderSync{}, HeadersSynchronized{Headers: staged})
		hs, ok := next.(*HorizonStateSync)
		require.True(t, ok)
		assert.EqualValues(t, 10-prunedCfg.PruningHorizon, hs.horizon)
	})
}

func TestWaitingTimesOut(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	clk := clock.NewMock()
	cfg := config.TestSyncConfig()
	cfg.WaitingTimeout = time.Minute
	m := newTestMachine(ctx, t, cfg, chainStore(t, chain, 0), mocks.NewSyncClient(t), WithClock(clk))

	w := m.newWaiting()
	done := make(chan StateEvent, 1)
	go func() { done <- w.Next(ctx, m) }()

	clk.Add(59 * time.Second)
	select {
	case ev := <-done:
		t.Fatalf("waiting ended early with %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	clk.Add(time.Second)
	select {
	case ev := <-done:
		assert.Equal(t, Continue{}, ev)
	case <-time.After(time.Second):
		t.Fatal("waiting did not end at its deadline")
	}
}

func TestWaitingStopsOnCancel(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	m := newTestMachine(ctx, t, config.TestSyncConfig(), chainStore(t, chain, 0), mocks.NewSyncClient(t),
		WithClock(clock.NewMock()))

	w := m.newWaiting()
	done := make(chan StateEvent, 1)
	go func() { done <- w.Next(ctx, m) }()
	cancel()

	select {
	case ev := <-done:
		assert.Equal(t, UserQuit{}, ev)
	case <-time.After(time.Second):
		t.Fatal("waiting ignored cancellation")
	}
}

func TestStuckAfterRoundsWithoutProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(1)
	local := chainStore(t, chain, 0)
	cfg := config.TestSyncConfig()
	m := newTestMachine(ctx, t, cfg, local, mocks.NewSyncClient(t))

	for i := 0; i < cfg.StuckRounds; i++ {
		assert.False(t, m.Status().Get().Stuck, "round %d", i)
		m.newWaiting()
	}
	assert.True(t, m.Status().Get().Stuck)

	require.NoError(t, local.CommitValidatedBlock(chain.Block(1)))
	m.newWaiting()
	assert.False(t, m.Status().Get().Stuck)
}

func TestHandlePeerFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(1)
	bad, err := validation.NewBadBlockSet(16)
	require.NoError(t, err)
	m := newTestMachine(ctx, t, config.TestSyncConfig(), chainStore(t, chain, 0), mocks.NewSyncClient(t),
		WithBadBlocks(bad))

	badHash := types.Sha3([]byte("bad"))
	bodyHash := types.Sha3([]byte("body"))
	testCases := []struct {
		name          string
		err           error
		fatal         bool
		banned        bool
		badBlock      *types.Hash
		deprioritized bool
	}{
		{"invalid header", &validation.ValidationError{Hash: badHash, Err: validation.ErrProofOfWorkTooLow}, false, true, &badHash, false},
		{"mismatched body", &validation.ValidationError{Hash: bodyHash, Err: validation.ErrMismatchedBody}, false, true, nil, false},
		{"malformed", fmt.Errorf("%w: nonsense", p2p.ErrMalformedResponse), false, true, nil, false},
		{"timeout", fmt.Errorf("%w: slow", p2p.ErrPeerTimeout), false, false, nil, true},
		{"unreachable", p2p.ErrPeerUnreachable, false, false, nil, true},
		{"no extension", errNoExtension, false, false, nil, true},
		{"not held", fmt.Errorf("%w: block 7", p2p.ErrNotHeld), false, false, nil, true},
		{"foreign block", fmt.Errorf("%w: block 7", errForeignBlock), false, false, nil, true},
		{"forged roots", &validation.ValidationError{Hash: bodyHash, Err: validation.ErrMismatchedRoots}, false, true, nil, false},
		{"consensus", &consensus.ConsensusError{Height: 1, Reason: "no constants"}, true, false, nil, false},
		{"storage", fmt.Errorf("commit: %w", store.ErrNonSequential), true, false, nil, false},
	}
	for i, tc := range testCases {
		tc := tc
		id := types.NodeID(fmt.Sprintf("peer%d", i))
		t.Run(tc.name, func(t *testing.T) {
			peer := NewSyncPeer(chainmetadata.PeerClaim{NodeID: id})
			assert.Equal(t, tc.fatal, m.handlePeerFailure(peer, tc.err))
			assert.Equal(t, tc.banned, m.IsBanned(id))
			assert.Equal(t, tc.deprioritized, m.pool.deprioritized.Has(id))
			if tc.badBlock != nil {
				assert.True(t, bad.Contains(*tc.badBlock))
			}
		})
	}
	assert.False(t, bad.Contains(bodyHash))
}

func TestHeaderSyncFallsBackOnTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(10)
	client := mocks.NewSyncClient(t)
	m := newTestMachine(ctx, t, config.TestSyncConfig(), chainStore(t, chain, 5), client)

	client.On("RequestHeaders", mock.Anything, types.NodeID("a"), uint64(5), uint64(5)).
		Return(nil, fmt.Errorf("%w: a", p2p.ErrPeerTimeout))
	client.On("RequestHeaders", mock.Anything, types.NodeID("b"), uint64(5), uint64(5)).
		Return(headersOf(chain, 5, 5), nil)
	client.On("RequestHeaders", mock.Anything, types.NodeID("b"), uint64(6), uint64(9)).
		Return(headersOf(chain, 6, 9), nil)
	client.On("RequestHeaders", mock.Anything, types.NodeID("b"), uint64(10), uint64(10)).
		Return(headersOf(chain, 10, 10), nil)

	claims := []chainmetadata.PeerClaim{
		tipClaim("a", chain, 10*time.Millisecond),
		tipClaim("b", chain, 20*time.Millisecond),
	}
	meta, err := m.store.FetchChainMetadata()
	require.NoError(t, err)
	candidates := m.pool.SelectCandidates(claims, meta.AccumulatedDifficulty, time.Now())
	require.Equal(t, []types.NodeID{"a", "b"}, ids(candidates))

	ev := (&HeaderSync{candidates: candidates}).Next(ctx, m)
	synced, ok := ev.(HeadersSynchronized)
	require.True(t, ok, "got %v", ev)
	require.Len(t, synced.Headers, 5)
	assert.Equal(t, types.NodeID("b"), synced.Peers[0].NodeID())
	assert.Equal(t, chain.Block(10).Accumulated, synced.Headers[4].Accumulated)

	assert.False(t, m.IsBanned("a"))
	assert.True(t, m.pool.deprioritized.Has("a"))
	_, measured := synced.Peers[0].ItemsPerSecond()
	assert.True(t, measured)
}

func TestHeaderSyncBansUnlinkedHeaders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(10)
	client := mocks.NewSyncClient(t)
	m := newTestMachine(ctx, t, config.TestSyncConfig(), chainStore(t, chain, 5), client)

	client.On("RequestHeaders", mock.Anything, types.NodeID("a"), uint64(5), uint64(5)).
		Return(headersOf(chain, 5, 5), nil)
	client.On("RequestHeaders", mock.Anything, types.NodeID("a"), uint64(6), uint64(9)).
		Return(headersOf(chain, 7, 10), nil)

	ev := (&HeaderSync{candidates: []*SyncPeer{NewSyncPeer(tipClaim("a", chain, 0))}}).Next(ctx, m)
	assert.Equal(t, SyncFailed{Err: ErrNoSyncPeers}, ev)
	assert.True(t, m.IsBanned("a"))
	assert.Zero(t, m.badBlocks.Len())
}

func TestHeaderSyncBansPeerOverstatingWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(10)
	client := mocks.NewSyncClient(t)
	m := newTestMachine(ctx, t, config.TestSyncConfig(), chainStore(t, chain, 5), client)

	// the peer claims height 10 but its chain ends at 7
	client.On("RequestHeaders", mock.Anything, types.NodeID("a"), uint64(5), uint64(5)).
		Return(headersOf(chain, 5, 5), nil)
	client.On("RequestHeaders", mock.Anything, types.NodeID("a"), uint64(6), uint64(9)).
		Return(headersOf(chain, 6, 7), nil)

	ev := (&HeaderSync{candidates: []*SyncPeer{NewSyncPeer(tipClaim("a", chain, 0))}}).Next(ctx, m)
	assert.Equal(t, SyncFailed{Err: ErrNoSyncPeers}, ev)
	assert.True(t, m.IsBanned("a"))
}

func TestHeaderSyncSkipsPeerOnUnrelatedChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(5)
	other := factory.NewChainBuilderAt(factory.TestManager(), 0, factory.DefaultStartTime+1)
	other.Extend(10)
	client := mocks.NewSyncClient(t)
	m := newTestMachine(ctx, t, config.TestSyncConfig(), chainStore(t, chain, 5), client)

	client.On("RequestHeaders", mock.Anything, types.NodeID("a"), uint64(5), uint64(5)).
		Return(headersOf(other, 5, 5), nil)
	client.On("RequestHeaders", mock.Anything, types.NodeID("a"), uint64(1), uint64(4)).
		Return(headersOf(other, 1, 4), nil)
	client.On("RequestHeaders", mock.Anything, types.NodeID("a"), uint64(0), uint64(0)).
		Return(headersOf(other, 0, 0), nil)

	ev := (&HeaderSync{candidates: []*SyncPeer{NewSyncPeer(tipClaim("a", other, 0))}}).Next(ctx, m)
	assert.Equal(t, SyncFailed{Err: ErrNoSyncPeers}, ev)
	assert.False(t, m.IsBanned("a"), "a peer on another chain is not misbehaving")
	assert.True(t, m.pool.deprioritized.Has("a"))
}

func TestHeaderSyncFindsForkBelowTip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(6)
	fork := chain.Fork("fork")
	chain.Extend(2)
	fork.Extend(6)
	client := mocks.NewSyncClient(t)
	m := newTestMachine(ctx, t, config.TestSyncConfig(), chainStore(t, chain, 8), client)

	// tip first, then batches downwards until the fork at 6
	client.On("RequestHeaders", mock.Anything, types.NodeID("a"), uint64(8), uint64(8)).
		Return(headersOf(fork, 8, 8), nil)
	client.On("RequestHeaders", mock.Anything, types.NodeID("a"), uint64(4), uint64(7)).
		Return(headersOf(fork, 4, 7), nil)
	client.On("RequestHeaders", mock.Anything, types.NodeID("a"), uint64(7), uint64(10)).
		Return(headersOf(fork, 7, 10), nil)
	client.On("RequestHeaders", mock.Anything, types.NodeID("a"), uint64(11), uint64(12)).
		Return(headersOf(fork, 11, 12), nil)

	ev := (&HeaderSync{candidates: []*SyncPeer{NewSyncPeer(tipClaim("a", fork, 0))}}).Next(ctx, m)
	synced, ok := ev.(HeadersSynchronized)
	require.True(t, ok, "got %v", ev)
	require.Len(t, synced.Headers, 6)
	assert.EqualValues(t, 7, synced.Headers[0].Height())
	assert.Equal(t, fork.Tip().Accumulated, synced.Headers[5].Accumulated)
	assert.False(t, m.IsBanned("a"))
}

func TestBlockSyncFallbackRespectsClaims(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(8)
	other := chain.Fork("other")
	chain.Extend(2)
	other.Extend(1)
	client := mocks.NewSyncClient(t)
	local := chainStore(t, chain, 5)
	m := newTestMachine(ctx, t, config.TestSyncConfig(), local, client)

	client.On("RequestBlock", mock.Anything, types.NodeID("a"), uint64(6)).Return(nil, p2p.ErrPeerUnreachable)
	for h := uint64(6); h <= 8; h++ {
		client.On("RequestBlock", mock.Anything, types.NodeID("b"), h).Return(chain.Block(h).Block, nil)
	}
	client.On("RequestBlock", mock.Anything, types.NodeID("c"), uint64(9)).
		Return(nil, fmt.Errorf("%w: block 9", p2p.ErrNotHeld))
	client.On("RequestBlock", mock.Anything, types.NodeID("d"), uint64(9)).Return(other.Block(9).Block, nil)

	// b only claims up to 8 and must not be asked for 9
	peers := []*SyncPeer{
		NewSyncPeer(tipClaim("a", chain, 0)),
		NewSyncPeer(heightClaim("b", chain, 8)),
		NewSyncPeer(tipClaim("c", chain, 0)),
		NewSyncPeer(tipClaim("d", chain, 0)),
	}
	staged := chain.Headers()[6:]

	ev := (&BlockSync{peers: peers, prover: "a", headers: staged}).Next(ctx, m)
	assert.Equal(t, SyncFailed{Err: ErrNoSyncPeers}, ev)
	for _, id := range []types.NodeID{"a", "b", "c", "d"} {
		assert.False(t, m.IsBanned(id), "peer %s", id)
	}
	assert.True(t, m.pool.deprioritized.Has("c"))
	assert.True(t, m.pool.deprioritized.Has("d"))

	meta, err := local.FetchChainMetadata()
	require.NoError(t, err)
	assert.EqualValues(t, 8, meta.Height)
}

func TestBlockSyncBansProverServingOtherBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(5)
	other := chain.Fork("other")
	chain.Extend(1)
	other.Extend(1)
	client := mocks.NewSyncClient(t)
	m := newTestMachine(ctx, t, config.TestSyncConfig(), chainStore(t, chain, 5), client)

	client.On("RequestBlock", mock.Anything, types.NodeID("a"), uint64(6)).Return(other.Block(6).Block, nil)

	peers := []*SyncPeer{NewSyncPeer(tipClaim("a", chain, 0))}
	ev := (&BlockSync{peers: peers, prover: "a", headers: chain.Headers()[6:]}).Next(ctx, m)
	assert.Equal(t, SyncFailed{Err: ErrNoSyncPeers}, ev)
	assert.True(t, m.IsBanned("a"))
}

func TestBlockSyncBansPeerServingWrongBody(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(7)
	client := mocks.NewSyncClient(t)
	local := chainStore(t, chain, 5)
	var committed int
	m := newTestMachine(ctx, t, config.TestSyncConfig(), local, client,
		WithBlockCommitted(func() { committed++ }))

	wrong := *chain.Block(6).Block
	wrong.Body.Outputs = nil
	client.On("RequestBlock", mock.Anything, types.NodeID("a"), uint64(6)).Return(&wrong, nil)
	client.On("RequestBlock", mock.Anything, types.NodeID("b"), uint64(6)).Return(chain.Block(6).Block, nil)
	client.On("RequestBlock", mock.Anything, types.NodeID("b"), uint64(7)).Return(chain.Block(7).Block, nil)

	peers := []*SyncPeer{NewSyncPeer(tipClaim("a", chain, 0)), NewSyncPeer(tipClaim("b", chain, 0))}
	staged := []types.ChainHeader{chain.Block(6).ChainHeader(), chain.Block(7).ChainHeader()}

	ev := (&BlockSync{peers: peers, prover: "a", headers: staged}).Next(ctx, m)
	assert.Equal(t, BlocksSynchronized{}, ev)
	assert.True(t, m.IsBanned("a"))
	assert.False(t, m.IsBanned("b"))
	assert.Zero(t, m.badBlocks.Len())
	assert.Equal(t, 2, committed)

	meta, err := local.FetchChainMetadata()
	require.NoError(t, err)
	assert.EqualValues(t, 7, meta.Height)
	assert.Equal(t, chain.Block(7).Accumulated.Hash, meta.BestBlock)
}

// subscribeNotifier reports when the machine has subscribed, so the test
// can start pinging without racing the subscription.
type subscribeNotifier struct {
	*chainmetadata.Service
	subscribed chan struct{}
}

func (s *subscribeNotifier) Subscribe(ctx context.Context) *chainmetadata.Subscription {
	sub := s.Service.Subscribe(ctx)
	close(s.subscribed)
	return sub
}

type syncHarness struct {
	network *p2p.MemoryNetwork
	local   *store.BlockStore
	machine *Machine
	bad     *validation.BadBlockSet
	cancel  context.CancelFunc
	done    chan error
}

func startSync(t *testing.T, cfg *config.SyncConfig, local *store.BlockStore, peers ...*p2p.MemoryPeer) *syncHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.NewNopLogger()

	h := &syncHarness{
		network: p2p.NewMemoryNetwork(logger, clock.New()),
		local:   local,
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	var err error
	h.bad, err = validation.NewBadBlockSet(64)
	require.NoError(t, err)

	svc := chainmetadata.NewService(logger, config.TestMetadataConfig(), h.network, h.network.PeerUpdates(), local)
	require.NoError(t, svc.Start(ctx))
	notifier := &subscribeNotifier{Service: svc, subscribed: make(chan struct{})}

	h.machine, err = NewMachine(logger, cfg, factory.TestManager(), local, h.network, notifier,
		WithBadBlocks(h.bad),
		WithBlockCommitted(svc.NotifyBlockCommitted))
	require.NoError(t, err)

	for _, p := range peers {
		require.NoError(t, h.network.Connect(ctx, p))
	}
	go func() { h.done <- h.machine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-h.done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("machine did not stop")
		}
	})

	<-notifier.subscribed
	require.NoError(t, h.network.PingRound(ctx))
	return h
}

func waitForStatus(t *testing.T, w *StatusWatch, pred func(Status) bool) Status {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		changed := w.Changed()
		if s := w.Get(); pred(s) {
			return s
		}
		select {
		case <-changed:
		case <-timeout:
			t.Fatalf("status never matched, last: %v", w.Get())
		}
	}
}

func isWaiting(s Status) bool { return s.State == stateNameWaiting }

func TestSyncBansPeerWithInvalidHeader(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	chain := factory.NewChainBuilder(factory.TestManager(), 3100)
	chain.Extend(100)

	tampered := chain.Block(91).Block.Header
	factory.MineBelow(&tampered, factory.TestDifficulty)

	weak := types.ChainMetadata{
		Height:                95,
		AccumulatedDifficulty: types.NewAccumulatedDifficulty(3000),
		BestBlock:             types.Sha3([]byte("weak")),
		Timestamp:             factory.DefaultStartTime,
	}
	// a claims more work than its chain carries; the bad header at 91 is
	// found before that matters
	strong := types.ChainMetadata{
		Height:                100,
		AccumulatedDifficulty: types.NewAccumulatedDifficulty(5000),
		BestBlock:             chain.Tip().Accumulated.Hash,
		Timestamp:             chain.Tip().Block.Header.Timestamp,
	}
	h := startSync(t, config.TestSyncConfig(), chainStore(t, chain, 90),
		&p2p.MemoryPeer{
			ID:      "a",
			Store:   chainStore(t, chain, 100),
			Claim:   &strong,
			Latency: 50 * time.Millisecond,
			TamperHeader: func(hdr *types.BlockHeader) {
				if hdr.Height == 91 {
					*hdr = tampered
				}
			},
		},
		&p2p.MemoryPeer{ID: "b", Claim: &weak},
	)

	status := waitForStatus(t, h.machine.Status(), isWaiting)
	assert.False(t, status.Stuck)
	assert.True(t, h.machine.IsBanned("a"))
	assert.False(t, h.machine.IsBanned("b"))
	assert.True(t, h.bad.Contains(tampered.Hash()))

	meta, err := h.local.FetchChainMetadata()
	require.NoError(t, err)
	assert.EqualValues(t, 90, meta.Height)
	assert.Equal(t, "4000", meta.AccumulatedDifficulty.String())
}

func TestSyncCatchesUpWithBestPeer(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	chain := factory.NewChainBuilder(factory.TestManager(), 3100)
	chain.Extend(100)

	h := startSync(t, config.TestSyncConfig(), chainStore(t, chain, 90),
		&p2p.MemoryPeer{ID: "a", Store: chainStore(t, chain, 100), Latency: 5 * time.Millisecond},
	)

	status := waitForStatus(t, h.machine.Status(), isWaiting)
	assert.EqualValues(t, 100, status.LocalHeight)
	assert.False(t, h.machine.IsBanned("a"))

	meta, err := h.local.FetchChainMetadata()
	require.NoError(t, err)
	assert.EqualValues(t, 100, meta.Height)
	assert.Equal(t, "4100", meta.AccumulatedDifficulty.String())
	assert.Equal(t, chain.Tip().Accumulated.Hash, meta.BestBlock)

	synced, err := h.local.FetchHeaders(1, 100)
	require.NoError(t, err)
	accumEqual := cmp.Comparer(func(a, b types.AccumulatedDifficulty) bool { return a.Cmp(b) == 0 })
	if diff := cmp.Diff(chain.Headers()[1:], synced, accumEqual); diff != "" {
		t.Errorf("synced headers differ (-want +got):\n%s", diff)
	}

	require.Eventually(t, func() bool {
		return h.network.Advertised().Height == 100
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPrunedSyncCommitsHorizonState(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(30)

	cfg := config.TestSyncConfig()
	cfg.Mode = config.SyncModePruned
	h := startSync(t, cfg, chainStore(t, chain, 0),
		&p2p.MemoryPeer{ID: "a", Store: chainStore(t, chain, 30)},
	)

	status := waitForStatus(t, h.machine.Status(), isWaiting)
	assert.EqualValues(t, 30, status.LocalHeight)

	meta, err := h.local.FetchChainMetadata()
	require.NoError(t, err)
	assert.EqualValues(t, 30, meta.Height)
	assert.EqualValues(t, 30-cfg.PruningHorizon, meta.PrunedHeight)
	assert.Equal(t, chain.Tip().Accumulated.Hash, meta.BestBlock)

	_, err = h.local.FetchBlock(10)
	assert.Error(t, err)
	block, err := h.local.FetchBlock(30)
	require.NoError(t, err)
	assert.Equal(t, chain.Tip().Block.Hash(), block.Hash())
}

func TestPrunedSyncBansPeerServingForgedHorizonState(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(30)

	cfg := config.TestSyncConfig()
	cfg.Mode = config.SyncModePruned
	// a may be the only candidate of the first round
	cfg.WaitingTimeout = 100 * time.Millisecond
	h := startSync(t, cfg, chainStore(t, chain, 0),
		&p2p.MemoryPeer{
			ID:      "a",
			Store:   chainStore(t, chain, 30),
			Latency: time.Millisecond,
			TamperHorizonState: func(s *types.HorizonState) {
				// claim an output that was spent long ago is still unspent
				s.Outputs = append(s.Outputs, chain.Block(1).Block.Body.Outputs[0])
			},
		},
		&p2p.MemoryPeer{ID: "b", Store: chainStore(t, chain, 30), Latency: 50 * time.Millisecond},
	)

	status := waitForStatus(t, h.machine.Status(), func(s Status) bool {
		return isWaiting(s) && s.LocalHeight == 30
	})
	assert.False(t, status.Stuck)
	assert.True(t, h.machine.IsBanned("a"))
	assert.False(t, h.machine.IsBanned("b"))

	forged := chain.Block(1).Block.Body.Outputs[0].Hash()
	rec, err := h.local.FetchUTXO(forged)
	require.NoError(t, err)
	if rec != nil {
		assert.True(t, rec.Spent, "forged output must not be committed as unspent")
	}
	meta, err := h.local.FetchChainMetadata()
	require.NoError(t, err)
	assert.Equal(t, chain.Tip().Accumulated.Hash, meta.BestBlock)
}

func TestSyncSwitchesToHeavierFork(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(20)
	fork := chain.Fork("fork")
	chain.Extend(10)
	fork.Extend(15)

	h := startSync(t, config.TestSyncConfig(), chainStore(t, chain, 30),
		&p2p.MemoryPeer{ID: "a", Store: chainStore(t, fork, 35), Latency: time.Millisecond},
	)

	status := waitForStatus(t, h.machine.Status(), func(s Status) bool {
		return isWaiting(s) && s.LocalHeight == 35
	})
	assert.False(t, status.Stuck)
	assert.False(t, h.machine.IsBanned("a"))

	meta, err := h.local.FetchChainMetadata()
	require.NoError(t, err)
	assert.EqualValues(t, 35, meta.Height)
	assert.Equal(t, fork.Tip().Accumulated.Hash, meta.BestBlock)

	for _, height := range []uint64{20, 21, 30} {
		block, err := h.local.FetchBlock(height)
		require.NoError(t, err)
		assert.Equal(t, fork.Block(height).Block.Hash(), block.Hash(), "height %d", height)
	}
	_, err = h.local.FetchHeaderByHash(chain.Tip().Accumulated.Hash)
	assert.True(t, errors.Is(err, store.ErrNotFound), "old tip must be gone from the hash index")

	rec, err := h.local.FetchUTXO(chain.Block(25).Block.Body.Outputs[0].Hash())
	require.NoError(t, err)
	assert.Nil(t, rec, "outputs of the abandoned fork are removed")
}

func TestSyncIgnoresForkBeyondReorgDepth(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(20)
	fork := chain.Fork("fork")
	chain.Extend(10)
	fork.Extend(15)

	cfg := config.TestSyncConfig()
	cfg.MaxReorgDepth = 5
	h := startSync(t, cfg, chainStore(t, chain, 30),
		&p2p.MemoryPeer{ID: "a", Store: chainStore(t, fork, 35), Latency: time.Millisecond},
	)

	waitForStatus(t, h.machine.Status(), isWaiting)
	assert.False(t, h.machine.IsBanned("a"))

	meta, err := h.local.FetchChainMetadata()
	require.NoError(t, err)
	assert.EqualValues(t, 30, meta.Height)
	assert.Equal(t, chain.Tip().Accumulated.Hash, meta.BestBlock)
}
