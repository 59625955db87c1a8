package validation

import (
	"fmt"

	"github.com/tendermint/basenode/internal/consensus"
	"github.com/tendermint/basenode/types"
)

// BodyValidator checks a block body against its header and the UTXO set
// it would be applied to.
type BodyValidator struct {
	consensus *consensus.Manager
}

func NewBodyValidator(m *consensus.Manager) *BodyValidator {
	return &BodyValidator{consensus: m}
}

// Validate returns a *ValidationError for any rule violation, or the
// underlying error if the UTXO view or consensus constants fail.
func (v *BodyValidator) Validate(utxos UTXOView, block *types.Block) error {
	header := &block.Header
	body := &block.Body

	c, err := v.consensus.ConstantsAt(header.Height)
	if err != nil {
		return err
	}

	if header.Height > 0 {
		if w := body.Weight(c.TransactionWeight); w > c.MaxBlockWeight {
			return newError(header, ErrMaxTransactionWeightExceeded, "weight %d, max %d", w, c.MaxBlockWeight)
		}
	}

	for i := range body.Kernels {
		if err := body.Kernels[i].Features.Validate(); err != nil {
			return newError(header, ErrInvalidKernelFeatures, "kernel %d: %v", i, err)
		}
	}

	if !body.IsSortedAndUnique() {
		return newError(header, ErrUnsortedOrDuplicate, "")
	}

	if root := body.Root(); root != header.BodyRoot {
		return newError(header, ErrMismatchedBody, "body root %s, header commits to %s",
			root.ShortString(), header.BodyRoot.ShortString())
	}

	for i := range body.Kernels {
		if lh := body.Kernels[i].LockHeight; lh > header.Height {
			return newError(header, ErrKernelLockHeight, "kernel %d locked until %d", i, lh)
		}
	}

	for _, in := range body.Inputs {
		rec, err := utxos.FetchUTXO(in.OutputHash)
		if err != nil {
			return fmt.Errorf("fetching output %s: %w", in.OutputHash.ShortString(), err)
		}
		if rec == nil {
			return newError(header, ErrUnknownInput, "output %s", in.OutputHash.ShortString())
		}
		if rec.Spent {
			return newError(header, ErrSpentInput, "output %s spent at %d", in.OutputHash.ShortString(), rec.SpentHeight)
		}
		if m := rec.Output.Features.Maturity; m > header.Height {
			return newError(header, ErrInputMaturity, "output %s matures at %d", in.OutputHash.ShortString(), m)
		}
	}

	for i := range body.Outputs {
		hash := body.Outputs[i].Hash()
		rec, err := utxos.FetchUTXO(hash)
		if err != nil {
			return fmt.Errorf("fetching output %s: %w", hash.ShortString(), err)
		}
		if rec != nil {
			return newError(header, ErrDuplicateOutput, "output %s mined at %d", hash.ShortString(), rec.MinedHeight)
		}
	}

	outputRoot, kernelRoot, err := utxos.CalculateRoots(body)
	if err != nil {
		return fmt.Errorf("calculating state roots: %w", err)
	}
	if outputRoot != header.OutputRoot {
		return newError(header, ErrMismatchedRoots, "output root %s, header commits to %s",
			outputRoot.ShortString(), header.OutputRoot.ShortString())
	}
	if kernelRoot != header.KernelRoot {
		return newError(header, ErrMismatchedRoots, "kernel root %s, header commits to %s",
			kernelRoot.ShortString(), header.KernelRoot.ShortString())
	}

	return nil
}
