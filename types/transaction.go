package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// OutputFlags marks special outputs.
type OutputFlags uint8

const OutputFlagCoinbase OutputFlags = 1

// OutputFeatures are the consensus relevant attributes of an output.
type OutputFeatures struct {
	Flags OutputFlags `json:"flags"`
	// Maturity is the first height at which the output may be spent.
	Maturity uint64 `json:"maturity"`
}

// TransactionInput spends a previously created output.
type TransactionInput struct {
	OutputHash Hash `json:"output_hash"`
}

// TransactionOutput creates a new spendable output. The commitment is
// opaque here; range proofs and signatures are checked elsewhere.
type TransactionOutput struct {
	Commitment Hash           `json:"commitment"`
	Features   OutputFeatures `json:"features"`
	Script     []byte         `json:"script,omitempty"`
}

func (o *TransactionOutput) Hash() Hash {
	var buf [9]byte
	buf[0] = byte(o.Features.Flags)
	binary.BigEndian.PutUint64(buf[1:], o.Features.Maturity)
	return Sha3(o.Commitment[:], buf[:], o.Script)
}

// featuresAndScriptSize is the serialized size used by the weight rules.
func (o *TransactionOutput) featuresAndScriptSize() uint64 {
	return 9 + uint64(len(o.Script))
}

// KernelFeatures is a bit set describing a kernel.
type KernelFeatures uint8

const (
	KernelFeatureCoinbase KernelFeatures = 1 << 0
	KernelFeatureBurn     KernelFeatures = 1 << 1

	knownKernelFeatures = KernelFeatureCoinbase | KernelFeatureBurn
)

func (f KernelFeatures) IsCoinbase() bool { return f&KernelFeatureCoinbase != 0 }
func (f KernelFeatures) IsBurn() bool     { return f&KernelFeatureBurn != 0 }

// Validate rejects unknown bits and combinations that cannot coexist.
func (f KernelFeatures) Validate() error {
	if f&^knownKernelFeatures != 0 {
		return fmt.Errorf("unknown kernel feature bits %#02x", uint8(f&^knownKernelFeatures))
	}
	if f.IsCoinbase() && f.IsBurn() {
		return fmt.Errorf("kernel cannot be both coinbase and burn")
	}
	return nil
}

// TransactionKernel proves a transaction balances. The excess signature is
// carried but verified outside of this module.
type TransactionKernel struct {
	Features   KernelFeatures `json:"features"`
	Fee        uint64         `json:"fee"`
	LockHeight uint64         `json:"lock_height"`
	Excess     Hash           `json:"excess"`
	ExcessSig  []byte         `json:"excess_sig,omitempty"`
}

func (k *TransactionKernel) Hash() Hash {
	var buf [17]byte
	buf[0] = byte(k.Features)
	binary.BigEndian.PutUint64(buf[1:9], k.Fee)
	binary.BigEndian.PutUint64(buf[9:], k.LockHeight)
	return Sha3(buf[:], k.Excess[:], k.ExcessSig)
}

// TransactionWeight holds the per-item weights in grams.
type TransactionWeight struct {
	KernelWeight                   uint64
	InputWeight                    uint64
	OutputWeight                   uint64
	FeaturesAndScriptsBytesPerGram uint64
}

// DefaultTransactionWeight returns the current weighting parameters.
func DefaultTransactionWeight() TransactionWeight {
	return TransactionWeight{
		KernelWeight:                   10,
		InputWeight:                    8,
		OutputWeight:                   53,
		FeaturesAndScriptsBytesPerGram: 16,
	}
}

// AggregateBody is the cut-through set of inputs, outputs and kernels of a
// block.
type AggregateBody struct {
	Inputs  []TransactionInput  `json:"inputs"`
	Outputs []TransactionOutput `json:"outputs"`
	Kernels []TransactionKernel `json:"kernels"`
}

// Root commits to every input, output and kernel in order.
func (b *AggregateBody) Root() Hash {
	chunks := make([][]byte, 0, len(b.Inputs)+len(b.Outputs)+len(b.Kernels)+1)
	var counts [24]byte
	binary.BigEndian.PutUint64(counts[0:8], uint64(len(b.Inputs)))
	binary.BigEndian.PutUint64(counts[8:16], uint64(len(b.Outputs)))
	binary.BigEndian.PutUint64(counts[16:], uint64(len(b.Kernels)))
	chunks = append(chunks, counts[:])
	for i := range b.Inputs {
		chunks = append(chunks, b.Inputs[i].OutputHash[:])
	}
	for i := range b.Outputs {
		h := b.Outputs[i].Hash()
		chunks = append(chunks, h[:])
	}
	for i := range b.Kernels {
		h := b.Kernels[i].Hash()
		chunks = append(chunks, h[:])
	}
	return Sha3(chunks...)
}

// Weight computes the block weight in grams.
func (b *AggregateBody) Weight(w TransactionWeight) uint64 {
	weight := uint64(len(b.Kernels))*w.KernelWeight +
		uint64(len(b.Inputs))*w.InputWeight +
		uint64(len(b.Outputs))*w.OutputWeight
	if w.FeaturesAndScriptsBytesPerGram == 0 {
		return weight
	}
	for i := range b.Outputs {
		size := b.Outputs[i].featuresAndScriptSize()
		weight += (size + w.FeaturesAndScriptsBytesPerGram - 1) / w.FeaturesAndScriptsBytesPerGram
	}
	return weight
}

// Sort orders every list by hash, the canonical order inside a block.
func (b *AggregateBody) Sort() {
	sort.SliceStable(b.Inputs, func(i, j int) bool {
		return bytes.Compare(b.Inputs[i].OutputHash[:], b.Inputs[j].OutputHash[:]) < 0
	})
	sort.SliceStable(b.Outputs, func(i, j int) bool {
		hi, hj := b.Outputs[i].Hash(), b.Outputs[j].Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})
	sort.SliceStable(b.Kernels, func(i, j int) bool {
		hi, hj := b.Kernels[i].Hash(), b.Kernels[j].Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})
}

// IsSortedAndUnique reports whether every list is strictly ascending by hash.
func (b *AggregateBody) IsSortedAndUnique() bool {
	for i := 1; i < len(b.Inputs); i++ {
		if bytes.Compare(b.Inputs[i-1].OutputHash[:], b.Inputs[i].OutputHash[:]) >= 0 {
			return false
		}
	}
	for i := 1; i < len(b.Outputs); i++ {
		prev, cur := b.Outputs[i-1].Hash(), b.Outputs[i].Hash()
		if bytes.Compare(prev[:], cur[:]) >= 0 {
			return false
		}
	}
	for i := 1; i < len(b.Kernels); i++ {
		prev, cur := b.Kernels[i-1].Hash(), b.Kernels[i].Hash()
		if bytes.Compare(prev[:], cur[:]) >= 0 {
			return false
		}
	}
	return true
}

// OutputRecord is an output as stored in the UTXO set.
type OutputRecord struct {
	Output      TransactionOutput `json:"output"`
	MinedHeight uint64            `json:"mined_height"`
	Spent       bool              `json:"spent"`
	SpentHeight uint64            `json:"spent_height,omitempty"`
}
