package validation

import (
	"errors"
	"fmt"

	"github.com/tendermint/basenode/types"
)

// Header rule violations.
var (
	ErrInvalidBlockchainVersion        = errors.New("invalid blockchain version")
	ErrInvalidTimestampFutureTimeLimit = errors.New("timestamp beyond future time limit")
	ErrInvalidMedianTimestamp          = errors.New("timestamp not after median of previous timestamps")
	ErrInvalidPowData                  = errors.New("invalid proof-of-work data")
	ErrProofOfWorkTooLow               = errors.New("proof of work below target difficulty")
	ErrBadBlock                        = errors.New("block is known to be bad")
	ErrWeakerAccumulatedDifficulty     = errors.New("accumulated difficulty not above local tip")
)

// Body rule violations.
var (
	ErrMaxTransactionWeightExceeded = errors.New("block weight exceeds maximum")
	ErrInvalidKernelFeatures        = errors.New("invalid kernel features")
	ErrUnknownInput                 = errors.New("input spends unknown output")
	ErrSpentInput                   = errors.New("input spends already spent output")
	ErrUnsortedOrDuplicate          = errors.New("body is not sorted or contains duplicates")
	ErrDuplicateOutput              = errors.New("output already exists in the UTXO set")
	ErrKernelLockHeight             = errors.New("kernel lock height above block height")
	ErrInputMaturity                = errors.New("input spent before maturity")
	ErrMismatchedBody               = errors.New("body does not match header body root")
	ErrMismatchedRoots              = errors.New("state roots do not match header")
)

// ValidationError ties a rule violation to the block that broke it. It
// is always the fault of whoever supplied the block.
type ValidationError struct {
	Height uint64
	Hash   types.Hash
	Err    error
	Detail string
}

func newError(header *types.BlockHeader, err error, format string, args ...interface{}) *ValidationError {
	return &ValidationError{
		Height: header.Height,
		Hash:   header.Hash(),
		Err:    err,
		Detail: fmt.Sprintf(format, args...),
	}
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("block %d (%s): %v", e.Height, e.Hash.ShortString(), e.Err)
	}
	return fmt.Sprintf("block %d (%s): %v: %s", e.Height, e.Hash.ShortString(), e.Err, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
