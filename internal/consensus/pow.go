package consensus

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/tendermint/basenode/types"
)

// Sha3xHash is the proof-of-work hash of a Sha3x sealed header.
func Sha3xHash(h *types.BlockHeader) types.Hash {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], h.Nonce)
	mining := h.MiningHash()
	first := types.Sha3(nonce[:], mining[:], h.Pow.Data)
	return types.Sha3(first[:])
}

// DifficultyFromHash converts a pow hash into the difficulty it achieves,
// (2^256 - 1) / hash, capped at the largest Difficulty.
func DifficultyFromHash(hash types.Hash) types.Difficulty {
	var h uint256.Int
	h.SetBytes32(hash[:])
	if h.IsZero() {
		return types.Difficulty(^uint64(0))
	}
	var max uint256.Int
	max.SetAllOne()
	var d uint256.Int
	d.Div(&max, &h)
	if !d.IsUint64() {
		return types.Difficulty(^uint64(0))
	}
	return types.Difficulty(d.Uint64())
}

// AchievedDifficulty computes the difficulty a header's seal achieves.
func AchievedDifficulty(h *types.BlockHeader) (types.Difficulty, error) {
	switch h.Pow.Algo {
	case types.PowAlgoSha3x:
		return DifficultyFromHash(Sha3xHash(h)), nil
	default:
		return 0, fmt.Errorf("unsupported pow algorithm %s", h.Pow.Algo)
	}
}

// AchievedTargetDifficulty pairs the achieved difficulty of a header with
// the target it had to meet. Only NewAchievedTargetDifficulty builds one,
// so achieved is never below target.
type AchievedTargetDifficulty struct {
	achieved types.Difficulty
	target   types.Difficulty
}

// NewAchievedTargetDifficulty returns false if achieved is below target.
func NewAchievedTargetDifficulty(achieved, target types.Difficulty) (AchievedTargetDifficulty, bool) {
	if achieved < target {
		return AchievedTargetDifficulty{}, false
	}
	return AchievedTargetDifficulty{achieved: achieved, target: target}, true
}

func (a AchievedTargetDifficulty) Achieved() types.Difficulty { return a.achieved }
func (a AchievedTargetDifficulty) Target() types.Difficulty   { return a.target }
