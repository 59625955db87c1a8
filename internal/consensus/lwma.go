package consensus

import (
	"time"

	"github.com/holiman/uint256"

	"github.com/tendermint/basenode/types"
)

// TargetDifficulty computes the difficulty the block at height must meet
// given the chain headers immediately preceding it, oldest first. Only the
// last DifficultyWindow+1 headers are used.
func (m *Manager) TargetDifficulty(height uint64, prev []types.ChainHeader) (types.Difficulty, error) {
	c, err := m.ConstantsAt(height)
	if err != nil {
		return 0, err
	}
	if len(prev) > c.DifficultyWindow+1 {
		prev = prev[len(prev)-c.DifficultyWindow-1:]
	}
	return clamp(lwma(prev, c.TargetBlockInterval), c.MinDifficulty, c.MaxDifficulty), nil
}

// lwma is a linearly weighted moving average of recent difficulties scaled
// by how fast the recent blocks were found. Later solve times weigh more.
func lwma(headers []types.ChainHeader, interval time.Duration) types.Difficulty {
	if len(headers) < 2 {
		return 0
	}
	target := uint64(interval / time.Second)
	if target == 0 {
		target = 1
	}
	n := uint64(len(headers) - 1)

	var weighted, sumDiff uint256.Int
	for i := uint64(1); i <= n; i++ {
		prevTs := headers[i-1].Header.Timestamp
		ts := headers[i].Header.Timestamp
		solve := uint64(1)
		if ts > prevTs {
			solve = ts - prevTs
		}
		if solve > 6*target {
			solve = 6 * target
		}
		var term uint256.Int
		term.Mul(uint256.NewInt(i), uint256.NewInt(solve))
		weighted.Add(&weighted, &term)
		sumDiff.Add(&sumDiff, uint256.NewInt(uint64(headers[i].Accumulated.TargetDifficulty)))
	}

	// target = avg(difficulty) * k / weighted, k = n(n+1)/2 * T
	var k, num, out uint256.Int
	k.Mul(uint256.NewInt(n*(n+1)/2), uint256.NewInt(target))
	num.Mul(&sumDiff, &k)
	var denom uint256.Int
	denom.Mul(&weighted, uint256.NewInt(n))
	out.Div(&num, &denom)
	if !out.IsUint64() {
		return types.Difficulty(^uint64(0))
	}
	return types.Difficulty(out.Uint64())
}

func clamp(d, min, max types.Difficulty) types.Difficulty {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
