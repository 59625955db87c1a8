package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/basenode/internal/test/factory"
)

func TestOverlayAtHidesBaseAboveRoot(t *testing.T) {
	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(6)
	fork := chain.Fork("fork")
	chain.Extend(2)
	forked := fork.Extend(3)

	bs := storeAt(t, chain, 8)
	o := NewOverlayAt(bs, 6)

	_, err := o.FetchHeader(7)
	assert.Error(t, err, "stored header above the root must be hidden")
	headers, err := o.FetchHeaders(4, 8)
	require.NoError(t, err)
	require.Len(t, headers, 3)
	assert.EqualValues(t, 6, headers[2].Height())

	require.Error(t, o.Push(forked[1].ChainHeader()), "first pending header must follow the root")
	for _, cb := range forked {
		require.NoError(t, o.Push(cb.ChainHeader()))
	}

	h, err := o.FetchHeader(7)
	require.NoError(t, err)
	assert.Equal(t, forked[0].Accumulated.Hash, h.Hash())

	headers, err = o.FetchHeaders(5, 9)
	require.NoError(t, err)
	require.Len(t, headers, 5)
	assert.Equal(t, chain.Block(5).Accumulated.Hash, headers[0].Hash())
	assert.Equal(t, forked[2].Accumulated.Hash, headers[4].Hash())
}

func TestOverlayFollowsBaseTip(t *testing.T) {
	chain := factory.NewChainBuilder(factory.TestManager(), 0)
	chain.Extend(4)

	bs := storeAt(t, chain, 2)
	o := NewOverlay(bs)
	_, ok := o.Tip()
	assert.False(t, ok)

	require.NoError(t, o.Push(chain.Block(3).ChainHeader()))
	require.NoError(t, o.Push(chain.Block(4).ChainHeader()))
	tip, ok := o.Tip()
	require.True(t, ok)
	assert.EqualValues(t, 4, tip.Height())

	headers, err := o.FetchHeaders(1, 10)
	require.NoError(t, err)
	require.Len(t, headers, 4)
	assert.Len(t, o.Pending(), 2)
}
