package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAccumulatedDifficultyJSON(t *testing.T) {
	big, err := AccumulatedDifficultyFromString("340282366920938463463374607431768211457")
	require.NoError(t, err)

	bz, err := json.Marshal(big)
	require.NoError(t, err)
	assert.Equal(t, `"340282366920938463463374607431768211457"`, string(bz))

	var back AccumulatedDifficulty
	require.NoError(t, json.Unmarshal(bz, &back))
	assert.Equal(t, 0, big.Cmp(back))

	_, err = AccumulatedDifficultyFromString("-1")
	assert.Error(t, err)
}

func TestAccumulatedDifficultySaturates(t *testing.T) {
	max, err := AccumulatedDifficultyFromString(
		"115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	assert.Equal(t, 0, max.Add(5).Cmp(max))
}

// Adding a positive difficulty always yields a strictly heavier chain.
func TestAccumulatedDifficultyMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		start := rapid.Uint64().Draw(t, "start").(uint64)
		steps := rapid.SliceOfN(rapid.Uint64Range(1, 1<<40), 1, 50).Draw(t, "steps").([]uint64)

		acc := NewAccumulatedDifficulty(start)
		for _, s := range steps {
			next := acc.Add(Difficulty(s))
			if !next.GreaterThan(acc) {
				t.Fatalf("%s + %d is not greater than %s", acc, s, acc)
			}
			acc = next
		}
	})
}
