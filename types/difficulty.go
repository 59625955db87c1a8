package types

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/holiman/uint256"
)

// Difficulty is the per-block proof-of-work difficulty.
type Difficulty uint64

// MinDifficulty is the lowest difficulty any block can have.
const MinDifficulty Difficulty = 1

func (d Difficulty) String() string { return strconv.FormatUint(uint64(d), 10) }

// AccumulatedDifficulty is the sum of target difficulties of a chain from
// genesis. It is compared as an unsigned 256-bit integer.
type AccumulatedDifficulty struct {
	v uint256.Int
}

func NewAccumulatedDifficulty(d uint64) AccumulatedDifficulty {
	var a AccumulatedDifficulty
	a.v.SetUint64(d)
	return a
}

// AccumulatedDifficultyFromString parses a base 10 value.
func AccumulatedDifficultyFromString(s string) (AccumulatedDifficulty, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return AccumulatedDifficulty{}, fmt.Errorf("invalid accumulated difficulty %q: %w", s, err)
	}
	return AccumulatedDifficulty{v: *v}, nil
}

// Add returns a + d. The sum saturates at the maximum 256-bit value.
func (a AccumulatedDifficulty) Add(d Difficulty) AccumulatedDifficulty {
	var out AccumulatedDifficulty
	if _, overflow := out.v.AddOverflow(&a.v, uint256.NewInt(uint64(d))); overflow {
		out.v.SetAllOne()
	}
	return out
}

// Cmp returns -1, 0 or +1 when a is lower, equal or higher than b.
func (a AccumulatedDifficulty) Cmp(b AccumulatedDifficulty) int {
	return a.v.Cmp(&b.v)
}

func (a AccumulatedDifficulty) GreaterThan(b AccumulatedDifficulty) bool { return a.Cmp(b) > 0 }

func (a AccumulatedDifficulty) IsZero() bool { return a.v.IsZero() }

func (a AccumulatedDifficulty) String() string { return a.v.Dec() }

func (a AccumulatedDifficulty) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.v.Dec())
}

func (a *AccumulatedDifficulty) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := AccumulatedDifficultyFromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
