package p2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/basenode/internal/store"
	"github.com/tendermint/basenode/internal/test/factory"
	"github.com/tendermint/basenode/libs/log"
	"github.com/tendermint/basenode/types"
)

func peerStore(t *testing.T, chain *factory.ChainBuilder) *store.BlockStore {
	t.Helper()
	bs := store.NewMemStore()
	require.NoError(t, store.InitGenesis(bs, chain.Genesis()))
	for _, cb := range chain.Blocks()[1:] {
		require.NoError(t, bs.CommitValidatedBlock(cb))
	}
	return bs
}

func TestMemoryNetworkServesRequests(t *testing.T) {
	ctx := context.Background()
	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(8)

	n := NewMemoryNetwork(log.NewNopLogger(), clock.New())
	require.NoError(t, n.Connect(ctx, &MemoryPeer{ID: "a", Store: peerStore(t, chain)}))
	assert.Equal(t, PeerUpdate{NodeID: "a", Status: PeerStatusUp}, <-n.PeerUpdates())

	headers, err := n.RequestHeaders(ctx, "a", 3, 20)
	require.NoError(t, err)
	require.Len(t, headers, 6)
	assert.EqualValues(t, 3, headers[0].Height)
	assert.Equal(t, chain.Block(8).Accumulated.Hash, headers[5].Hash())

	block, err := n.RequestBlock(ctx, "a", 4)
	require.NoError(t, err)
	assert.Equal(t, chain.Block(4).Block.Hash(), block.Hash())

	_, err = n.RequestBlock(ctx, "a", 9)
	assert.True(t, errors.Is(err, ErrNotHeld), "a block above the tip is not the peer's fault")
	assert.False(t, errors.Is(err, ErrMalformedResponse))

	state, err := n.RequestHorizonState(ctx, "a", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, state.Height)
	assert.NotEmpty(t, state.Outputs)

	_, err = n.RequestHorizonState(ctx, "a", 20)
	assert.True(t, errors.Is(err, ErrNotHeld))

	_, err = n.RequestHeaders(ctx, "b", 0, 1)
	assert.True(t, errors.Is(err, ErrPeerUnreachable))
	assert.True(t, IsTransient(err))

	n.SetOffline("a", true)
	_, err = n.RequestBlock(ctx, "a", 1)
	assert.True(t, errors.Is(err, ErrPeerUnreachable))

	require.NoError(t, n.Disconnect(ctx, "a"))
	assert.Equal(t, PeerUpdate{NodeID: "a", Status: PeerStatusDown}, <-n.PeerUpdates())
}

func TestMemoryNetworkTamper(t *testing.T) {
	ctx := context.Background()
	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(3)

	n := NewMemoryNetwork(log.NewNopLogger(), clock.New())
	require.NoError(t, n.Connect(ctx, &MemoryPeer{
		ID:    "a",
		Store: peerStore(t, chain),
		TamperHeader: func(h *types.BlockHeader) {
			if h.Height == 2 {
				h.Nonce++
			}
		},
	}))

	headers, err := n.RequestHeaders(ctx, "a", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, chain.Block(1).Accumulated.Hash, headers[0].Hash())
	assert.NotEqual(t, chain.Block(2).Accumulated.Hash, headers[1].Hash())

	block, err := n.RequestBlock(ctx, "a", 2)
	require.NoError(t, err)
	assert.Equal(t, headers[1].Hash(), block.Hash())
}

func TestMemoryNetworkLatencyTimeout(t *testing.T) {
	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	n := NewMemoryNetwork(log.NewNopLogger(), clock.New())
	require.NoError(t, n.Connect(context.Background(), &MemoryPeer{
		ID:      "slow",
		Store:   peerStore(t, chain),
		Latency: time.Minute,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := n.RequestHeaders(ctx, "slow", 0, 0)
	assert.True(t, errors.Is(err, ErrPeerTimeout))
}

func TestMemoryNetworkPingRound(t *testing.T) {
	ctx := context.Background()
	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(2)

	claim := types.ChainMetadata{Height: 95, AccumulatedDifficulty: types.NewAccumulatedDifficulty(3000), BestBlock: types.Sha3([]byte("b"))}
	n := NewMemoryNetwork(log.NewNopLogger(), clock.New())
	require.NoError(t, n.Connect(ctx, &MemoryPeer{ID: "b", Claim: &claim}))
	require.NoError(t, n.Connect(ctx, &MemoryPeer{ID: "a", Store: peerStore(t, chain), Latency: 50 * time.Millisecond}))
	require.NoError(t, n.Connect(ctx, &MemoryPeer{ID: "c", Store: peerStore(t, chain)}))
	n.SetOffline("c", true)

	require.NoError(t, n.PingRound(ctx))

	first := (<-n.Events()).(PongEvent)
	assert.Equal(t, types.NodeID("a"), first.NodeID)
	require.NotNil(t, first.Metadata)
	assert.EqualValues(t, 2, first.Metadata.Height)
	require.NotNil(t, first.Latency)
	assert.Equal(t, 50*time.Millisecond, *first.Latency)

	second := (<-n.Events()).(PongEvent)
	assert.Equal(t, types.NodeID("b"), second.NodeID)
	assert.Equal(t, claim, *second.Metadata)
	assert.Nil(t, second.Latency)

	assert.Equal(t, PingRoundEvent{NumPeers: 2}, <-n.Events())

	n.SetMetadata(claim)
	assert.Equal(t, claim, n.Advertised())
}
