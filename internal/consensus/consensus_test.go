package consensus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/basenode/types"
)

func localnet(t *testing.T) Constants {
	t.Helper()
	cs, err := NetworkConstants("localnet")
	require.NoError(t, err)
	return cs[0]
}

func TestManagerConstantsAt(t *testing.T) {
	a := localnet(t)
	a.EffectiveFromHeight = 10
	b := localnet(t)
	b.EffectiveFromHeight = 100
	b.MaxBlockchainVersion = 2

	m, err := NewManager(b, a)
	require.NoError(t, err)

	_, err = m.ConstantsAt(9)
	var cerr *ConsensusError
	require.True(t, errors.As(err, &cerr))
	assert.EqualValues(t, 9, cerr.Height)

	c, err := m.ConstantsAt(10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.MaxBlockchainVersion)

	c, err = m.ConstantsAt(99)
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.MaxBlockchainVersion)

	c, err = m.ConstantsAt(5000)
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.MaxBlockchainVersion)
}

func TestNewManagerRejectsInvalid(t *testing.T) {
	_, err := NewManager()
	assert.Error(t, err)

	c := localnet(t)
	c.MedianTimestampCount = 0
	_, err = NewManager(c)
	assert.Error(t, err)

	_, err = NewManager(localnet(t), localnet(t))
	assert.Error(t, err)

	_, err = NetworkConstants("nowhere")
	assert.Error(t, err)
}

func TestDifficultyFromHash(t *testing.T) {
	var h types.Hash
	assert.EqualValues(t, ^uint64(0), DifficultyFromHash(h))

	for i := range h {
		h[i] = 0xff
	}
	assert.EqualValues(t, 1, DifficultyFromHash(h))

	// 2^248 gives (2^256-1)/2^248 = 255
	h = types.Hash{}
	h[0] = 0x01
	assert.EqualValues(t, 255, DifficultyFromHash(h))
}

func TestAchievedTargetDifficulty(t *testing.T) {
	_, ok := NewAchievedTargetDifficulty(9, 10)
	assert.False(t, ok)

	atd, ok := NewAchievedTargetDifficulty(10, 10)
	require.True(t, ok)
	assert.EqualValues(t, 10, atd.Achieved())
	assert.EqualValues(t, 10, atd.Target())
}

func TestAchievedDifficultyRejectsUnknownAlgo(t *testing.T) {
	h := types.BlockHeader{Pow: types.ProofOfWork{Algo: types.PowAlgoRandomX}}
	_, err := AchievedDifficulty(&h)
	assert.Error(t, err)
}

func chainWithSolveTime(n int, solve uint64, diff types.Difficulty) []types.ChainHeader {
	out := make([]types.ChainHeader, n)
	for i := range out {
		out[i].Header.Height = uint64(i)
		out[i].Header.Timestamp = 1_000 + uint64(i)*solve
		out[i].Accumulated.TargetDifficulty = diff
	}
	return out
}

func TestTargetDifficulty(t *testing.T) {
	c := localnet(t)
	c.TargetBlockInterval = 10 * time.Second
	c.MinDifficulty = 1
	c.MaxDifficulty = 1_000_000
	m, err := NewManager(c)
	require.NoError(t, err)

	d, err := m.TargetDifficulty(1, chainWithSolveTime(1, 10, 500))
	require.NoError(t, err)
	assert.EqualValues(t, 1, d, "too little history falls back to the minimum")

	d, err = m.TargetDifficulty(20, chainWithSolveTime(20, 10, 500))
	require.NoError(t, err)
	assert.EqualValues(t, 500, d, "on-target blocks keep the difficulty")

	fast, err := m.TargetDifficulty(20, chainWithSolveTime(20, 5, 500))
	require.NoError(t, err)
	assert.EqualValues(t, 1000, fast)

	slow, err := m.TargetDifficulty(20, chainWithSolveTime(20, 20, 500))
	require.NoError(t, err)
	assert.EqualValues(t, 250, slow)

	c.MinDifficulty = 700
	c.MaxDifficulty = 700
	fixed, err := NewManager(c)
	require.NoError(t, err)
	d, err = fixed.TargetDifficulty(20, chainWithSolveTime(20, 5, 500))
	require.NoError(t, err)
	assert.EqualValues(t, 700, d)
}

func TestGenesisBlock(t *testing.T) {
	a, err := GenesisBlock("testnet")
	require.NoError(t, err)
	b, err := GenesisBlock("testnet")
	require.NoError(t, err)
	assert.Equal(t, a.Accumulated.Hash, b.Accumulated.Hash)
	assert.Equal(t, a.Block.Hash(), a.Accumulated.Hash)
	assert.EqualValues(t, 0, a.Height())

	mainnet, err := GenesisBlock("mainnet")
	require.NoError(t, err)
	assert.NotEqual(t, a.Accumulated.Hash, mainnet.Accumulated.Hash)

	_, err = GenesisBlock("devnet")
	assert.Error(t, err)
}
