package factory

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/tendermint/basenode/internal/consensus"
	"github.com/tendermint/basenode/types"
)

const (
	// DefaultStartTime is the genesis timestamp of built chains.
	DefaultStartTime uint64 = 1_600_000_000
	// DefaultBlockInterval is the spacing between built block timestamps.
	DefaultBlockInterval uint64 = 60
	// TestDifficulty is the fixed target difficulty of TestConstants.
	TestDifficulty types.Difficulty = 10
)

// TestConstants pins the target difficulty so that block weights are
// predictable and mining is cheap.
func TestConstants() consensus.Constants {
	return consensus.Constants{
		FutureTimeLimit:      540 * time.Second,
		MedianTimestampCount: 11,
		MinBlockchainVersion: 0,
		MaxBlockchainVersion: 1,
		MaxBlockWeight:       10_000,
		TransactionWeight:    types.DefaultTransactionWeight(),
		TargetBlockInterval:  time.Duration(DefaultBlockInterval) * time.Second,
		DifficultyWindow:     30,
		MinDifficulty:        TestDifficulty,
		MaxDifficulty:        TestDifficulty,
		CoinbaseLockHeight:   2,
	}
}

// TestManager returns a consensus manager over TestConstants.
func TestManager() *consensus.Manager {
	m, err := consensus.NewManager(TestConstants())
	if err != nil {
		panic(err)
	}
	return m
}

// Mine searches nonces until the header meets target.
func Mine(h *types.BlockHeader, target types.Difficulty) types.Difficulty {
	for {
		achieved := consensus.DifficultyFromHash(consensus.Sha3xHash(h))
		if achieved >= target {
			return achieved
		}
		h.Nonce++
	}
}

// MineBelow searches for a nonce whose seal misses target.
func MineBelow(h *types.BlockHeader, target types.Difficulty) {
	for consensus.DifficultyFromHash(consensus.Sha3xHash(h)) >= target {
		h.Nonce++
	}
}

// ChainBuilder mines a linear Sha3x chain. Every block carries a coinbase,
// and once coinbases mature each block also spends the oldest spendable
// output.
type ChainBuilder struct {
	manager  *consensus.Manager
	seed     string
	blocks   []*types.ChainBlock
	unspent  []types.TransactionOutput
	kernels  []types.Hash
	interval uint64
}

// NewChainBuilder starts a chain whose genesis carries genesisAccum
// accumulated difficulty.
func NewChainBuilder(m *consensus.Manager, genesisAccum uint64) *ChainBuilder {
	return NewChainBuilderAt(m, genesisAccum, DefaultStartTime)
}

// NewChainBuilderAt is NewChainBuilder with a custom genesis timestamp.
// Builders started at different times share no blocks.
func NewChainBuilderAt(m *consensus.Manager, genesisAccum, genesisTime uint64) *ChainBuilder {
	b := &ChainBuilder{manager: m, seed: "chain", interval: DefaultBlockInterval}

	header := types.BlockHeader{
		Version:    0,
		Height:     0,
		Timestamp:  genesisTime,
		OutputRoot: types.SetRoot(nil),
		KernelRoot: types.SetRoot(nil),
		Pow:        types.ProofOfWork{Algo: types.PowAlgoSha3x},
	}
	body := types.AggregateBody{}
	header.BodyRoot = body.Root()
	hash := header.Hash()
	b.blocks = append(b.blocks, &types.ChainBlock{
		Block: &types.Block{Header: header, Body: body},
		Accumulated: types.BlockHeaderAccumulatedData{
			Hash:                       hash,
			AchievedDifficulty:         types.MinDifficulty,
			TargetDifficulty:           types.MinDifficulty,
			TotalAccumulatedDifficulty: types.NewAccumulatedDifficulty(genesisAccum),
		},
	})
	return b
}

// Fork returns a builder sharing this chain's blocks whose future blocks
// differ from the ones this builder would produce.
func (b *ChainBuilder) Fork(seed string) *ChainBuilder {
	return &ChainBuilder{
		manager:  b.manager,
		seed:     seed,
		blocks:   append([]*types.ChainBlock(nil), b.blocks...),
		unspent:  append([]types.TransactionOutput(nil), b.unspent...),
		kernels:  append([]types.Hash(nil), b.kernels...),
		interval: b.interval,
	}
}

func (b *ChainBuilder) Genesis() *types.ChainBlock { return b.blocks[0] }

func (b *ChainBuilder) Tip() *types.ChainBlock { return b.blocks[len(b.blocks)-1] }

// Blocks returns every block including genesis, indexed by height.
func (b *ChainBuilder) Blocks() []*types.ChainBlock { return b.blocks }

func (b *ChainBuilder) Headers() []types.ChainHeader {
	out := make([]types.ChainHeader, len(b.blocks))
	for i, cb := range b.blocks {
		out[i] = cb.ChainHeader()
	}
	return out
}

func (b *ChainBuilder) commitment(height uint64, idx int) types.Hash {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], height)
	binary.BigEndian.PutUint64(buf[8:], uint64(idx))
	return types.Sha3([]byte(b.seed), buf[:])
}

// NextBody builds the body the next block would carry.
func (b *ChainBuilder) NextBody() types.AggregateBody {
	height := b.Tip().Height() + 1
	c, err := b.manager.ConstantsAt(height)
	if err != nil {
		panic(err)
	}

	body := types.AggregateBody{
		Outputs: []types.TransactionOutput{{
			Commitment: b.commitment(height, 0),
			Features:   types.OutputFeatures{Flags: types.OutputFlagCoinbase, Maturity: height + c.CoinbaseLockHeight},
		}},
		Kernels: []types.TransactionKernel{{
			Features: types.KernelFeatureCoinbase,
			Excess:   b.commitment(height, 1),
		}},
	}
	if len(b.unspent) > 0 && b.unspent[0].Features.Maturity <= height {
		spend := b.unspent[0]
		body.Inputs = append(body.Inputs, types.TransactionInput{OutputHash: spend.Hash()})
		body.Outputs = append(body.Outputs, types.TransactionOutput{
			Commitment: b.commitment(height, 2),
			Script:     []byte{0x73},
		})
		body.Kernels = append(body.Kernels, types.TransactionKernel{
			Fee:        1,
			LockHeight: height,
			Excess:     b.commitment(height, 3),
		})
	}
	body.Sort()
	return body
}

// NextHeader builds and mines the header for body on top of the tip.
func (b *ChainBuilder) NextHeader(body *types.AggregateBody) (types.BlockHeader, types.BlockHeaderAccumulatedData) {
	tip := b.Tip()
	height := tip.Height() + 1
	outputRoot, kernelRoot := b.rootsAfter(body)
	header := types.BlockHeader{
		Version:    1,
		Height:     height,
		PrevHash:   tip.Accumulated.Hash,
		Timestamp:  tip.Block.Header.Timestamp + b.interval,
		BodyRoot:   body.Root(),
		OutputRoot: outputRoot,
		KernelRoot: kernelRoot,
		Pow:        types.ProofOfWork{Algo: types.PowAlgoSha3x},
	}
	target, err := b.manager.TargetDifficulty(height, b.Headers())
	if err != nil {
		panic(err)
	}
	achieved := Mine(&header, target)
	return header, types.BlockHeaderAccumulatedData{
		Hash:                       header.Hash(),
		AchievedDifficulty:         achieved,
		TargetDifficulty:           target,
		TotalAccumulatedDifficulty: tip.Accumulated.TotalAccumulatedDifficulty.Add(target),
	}
}

// rootsAfter returns the state roots of the chain once body is applied.
func (b *ChainBuilder) rootsAfter(body *types.AggregateBody) (output, kernel types.Hash) {
	spent := make(map[types.Hash]bool, len(body.Inputs))
	for _, in := range body.Inputs {
		spent[in.OutputHash] = true
	}
	outputs := make([]types.Hash, 0, len(b.unspent)+len(body.Outputs))
	for i := range b.unspent {
		if h := b.unspent[i].Hash(); !spent[h] {
			outputs = append(outputs, h)
		}
	}
	for i := range body.Outputs {
		outputs = append(outputs, body.Outputs[i].Hash())
	}
	kernels := append([]types.Hash(nil), b.kernels...)
	for i := range body.Kernels {
		kernels = append(kernels, body.Kernels[i].Hash())
	}
	return types.SetRoot(outputs), types.SetRoot(kernels)
}

// Extend mines n more blocks and returns them.
func (b *ChainBuilder) Extend(n int) []*types.ChainBlock {
	out := make([]*types.ChainBlock, 0, n)
	for i := 0; i < n; i++ {
		body := b.NextBody()
		header, acc := b.NextHeader(&body)
		cb := &types.ChainBlock{Block: &types.Block{Header: header, Body: body}, Accumulated: acc}
		b.push(cb)
		out = append(out, cb)
	}
	return out
}

func (b *ChainBuilder) push(cb *types.ChainBlock) {
	spent := make(map[types.Hash]bool, len(cb.Block.Body.Inputs))
	for _, in := range cb.Block.Body.Inputs {
		spent[in.OutputHash] = true
	}
	kept := b.unspent[:0]
	for _, o := range b.unspent {
		if !spent[o.Hash()] {
			kept = append(kept, o)
		}
	}
	b.unspent = append(kept, cb.Block.Body.Outputs...)
	for i := range cb.Block.Body.Kernels {
		b.kernels = append(b.kernels, cb.Block.Body.Kernels[i].Hash())
	}
	b.blocks = append(b.blocks, cb)
}

// Block returns the block at height or panics.
func (b *ChainBuilder) Block(height uint64) *types.ChainBlock {
	if height >= uint64(len(b.blocks)) {
		panic(fmt.Sprintf("height %d beyond built chain of %d blocks", height, len(b.blocks)))
	}
	return b.blocks[height]
}
