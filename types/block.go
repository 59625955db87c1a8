package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"
)

// PowAlgorithm identifies the mining algorithm a header was sealed with.
type PowAlgorithm uint8

const (
	PowAlgoRandomX PowAlgorithm = 0
	PowAlgoSha3x   PowAlgorithm = 1
)

func (a PowAlgorithm) String() string {
	switch a {
	case PowAlgoRandomX:
		return "RandomX"
	case PowAlgoSha3x:
		return "Sha3x"
	default:
		return fmt.Sprintf("PowAlgorithm(%d)", uint8(a))
	}
}

// ProofOfWork is the algorithm tag plus algorithm-specific data. Sha3x
// carries no extra data.
type ProofOfWork struct {
	Algo PowAlgorithm `json:"algo"`
	Data []byte       `json:"data,omitempty"`
}

// BlockHeader is the proof-of-work sealed part of a block.
type BlockHeader struct {
	Version    uint16      `json:"version"`
	Height     uint64      `json:"height"`
	PrevHash   Hash        `json:"prev_hash"`
	Timestamp  uint64      `json:"timestamp"`
	BodyRoot   Hash        `json:"body_root"`
	// OutputRoot commits to the unspent output set after this block and
	// KernelRoot to every kernel up to and including it.
	OutputRoot Hash        `json:"output_root"`
	KernelRoot Hash        `json:"kernel_root"`
	Nonce      uint64      `json:"nonce"`
	Pow        ProofOfWork `json:"pow"`
}

// MiningHash commits to everything except the nonce and pow data.
func (h *BlockHeader) MiningHash() Hash {
	buf := make([]byte, 0, 2+8+HashSize+8+3*HashSize)
	buf = binary.BigEndian.AppendUint16(buf, h.Version)
	buf = binary.BigEndian.AppendUint64(buf, h.Height)
	buf = append(buf, h.PrevHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.Timestamp)
	buf = append(buf, h.BodyRoot[:]...)
	buf = append(buf, h.OutputRoot[:]...)
	buf = append(buf, h.KernelRoot[:]...)
	return Sha3(buf)
}

// Hash is the block hash: the mining hash sealed with nonce and pow.
func (h *BlockHeader) Hash() Hash {
	mining := h.MiningHash()
	buf := make([]byte, 0, 8+1+8+len(h.Pow.Data))
	buf = binary.BigEndian.AppendUint64(buf, h.Nonce)
	buf = append(buf, byte(h.Pow.Algo))
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(h.Pow.Data)))
	buf = append(buf, h.Pow.Data...)
	return Sha3(mining[:], buf)
}

// Time returns the header timestamp as a time.Time.
func (h *BlockHeader) Time() time.Time {
	return time.Unix(int64(h.Timestamp), 0).UTC()
}

// ValidateBasic checks the header in isolation.
func (h *BlockHeader) ValidateBasic() error {
	if h.Height == 0 && !h.PrevHash.IsZero() {
		return errors.New("genesis header must not have a previous hash")
	}
	if h.Height > 0 && h.PrevHash.IsZero() {
		return fmt.Errorf("header %d has zero previous hash", h.Height)
	}
	return nil
}

// BlockHeaderAccumulatedData is derived when a header is validated against
// the chain it extends.
type BlockHeaderAccumulatedData struct {
	Hash                       Hash                  `json:"hash"`
	AchievedDifficulty         Difficulty            `json:"achieved_difficulty"`
	TargetDifficulty           Difficulty            `json:"target_difficulty"`
	TotalAccumulatedDifficulty AccumulatedDifficulty `json:"total_accumulated_difficulty"`
}

// ChainHeader is a validated header with its accumulated data.
type ChainHeader struct {
	Header      BlockHeader                `json:"header"`
	Accumulated BlockHeaderAccumulatedData `json:"accumulated"`
}

func (c *ChainHeader) Height() uint64 { return c.Header.Height }
func (c *ChainHeader) Hash() Hash     { return c.Accumulated.Hash }

// Metadata describes the chain ending at this header.
func (c *ChainHeader) Metadata(prunedHeight uint64) ChainMetadata {
	return ChainMetadata{
		Height:                c.Header.Height,
		AccumulatedDifficulty: c.Accumulated.TotalAccumulatedDifficulty,
		BestBlock:             c.Accumulated.Hash,
		Timestamp:             c.Header.Timestamp,
		PrunedHeight:          prunedHeight,
	}
}

// Block is a header plus the aggregate body it commits to.
type Block struct {
	Header BlockHeader   `json:"header"`
	Body   AggregateBody `json:"body"`
}

func (b *Block) Hash() Hash { return b.Header.Hash() }

// ChainBlock is a fully validated block ready to be committed.
type ChainBlock struct {
	Block       *Block                     `json:"block"`
	Accumulated BlockHeaderAccumulatedData `json:"accumulated"`
}

func (c *ChainBlock) Height() uint64 { return c.Block.Header.Height }

func (c *ChainBlock) ChainHeader() ChainHeader {
	return ChainHeader{Header: c.Block.Header, Accumulated: c.Accumulated}
}

// HorizonState is the pruned snapshot at a height: the unspent outputs and
// every kernel up to and including it.
type HorizonState struct {
	Height  uint64              `json:"height"`
	Outputs []TransactionOutput `json:"outputs"`
	Kernels []TransactionKernel `json:"kernels"`
}

// Roots recomputes the output and kernel roots the snapshot commits to.
func (s *HorizonState) Roots() (output, kernel Hash) {
	outputs := make([]Hash, len(s.Outputs))
	for i := range s.Outputs {
		outputs[i] = s.Outputs[i].Hash()
	}
	kernels := make([]Hash, len(s.Kernels))
	for i := range s.Kernels {
		kernels[i] = s.Kernels[i].Hash()
	}
	return SetRoot(outputs), SetRoot(kernels)
}

// SetRoot commits to a set of hashes regardless of their order. The input
// slice is not modified.
func SetRoot(hashes []Hash) Hash {
	sorted := make([]Hash, len(hashes))
	copy(sorted, hashes)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	buf := make([]byte, 0, 8+len(sorted)*HashSize)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(sorted)))
	for _, h := range sorted {
		buf = append(buf, h[:]...)
	}
	return Sha3(buf)
}
