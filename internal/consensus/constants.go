package consensus

import (
	"fmt"
	"sort"
	"time"

	"github.com/tendermint/basenode/types"
)

// Constants are the consensus rules in force from EffectiveFromHeight until
// the next set takes over.
type Constants struct {
	EffectiveFromHeight uint64

	// FutureTimeLimit bounds how far ahead of local time a header may be.
	FutureTimeLimit time.Duration
	// MedianTimestampCount is the number of previous timestamps the median
	// rule looks at.
	MedianTimestampCount int

	MinBlockchainVersion uint16
	MaxBlockchainVersion uint16

	MaxBlockWeight    uint64
	TransactionWeight types.TransactionWeight

	TargetBlockInterval time.Duration
	DifficultyWindow    int
	MinDifficulty       types.Difficulty
	MaxDifficulty       types.Difficulty

	// CoinbaseLockHeight is the maturity enforced on coinbase outputs.
	CoinbaseLockHeight uint64
}

// ValidateBasic checks the constants are internally consistent.
func (c Constants) ValidateBasic() error {
	switch {
	case c.MedianTimestampCount <= 0:
		return fmt.Errorf("median timestamp count must be positive, got %d", c.MedianTimestampCount)
	case c.MinBlockchainVersion > c.MaxBlockchainVersion:
		return fmt.Errorf("blockchain version range [%d, %d] is empty", c.MinBlockchainVersion, c.MaxBlockchainVersion)
	case c.MinDifficulty == 0 || c.MinDifficulty > c.MaxDifficulty:
		return fmt.Errorf("difficulty range [%d, %d] is invalid", c.MinDifficulty, c.MaxDifficulty)
	case c.TargetBlockInterval <= 0:
		return fmt.Errorf("target block interval must be positive, got %v", c.TargetBlockInterval)
	case c.DifficultyWindow < 1:
		return fmt.Errorf("difficulty window must be at least 1, got %d", c.DifficultyWindow)
	}
	return nil
}

func baseConstants() Constants {
	return Constants{
		FutureTimeLimit:      540 * time.Second,
		MedianTimestampCount: 11,
		MinBlockchainVersion: 0,
		MaxBlockchainVersion: 1,
		MaxBlockWeight:       127_795,
		TransactionWeight:    types.DefaultTransactionWeight(),
		TargetBlockInterval:  120 * time.Second,
		DifficultyWindow:     90,
		MinDifficulty:        60_000,
		MaxDifficulty:        1 << 62,
		CoinbaseLockHeight:   720,
	}
}

// NetworkConstants returns the rule set of a named network.
func NetworkConstants(network string) ([]Constants, error) {
	switch network {
	case "mainnet":
		return []Constants{baseConstants()}, nil
	case "testnet":
		c := baseConstants()
		c.MinDifficulty = 1_000
		c.CoinbaseLockHeight = 6
		return []Constants{c}, nil
	case "localnet":
		c := baseConstants()
		c.TargetBlockInterval = 10 * time.Second
		c.MinDifficulty = 1
		c.CoinbaseLockHeight = 1
		return []Constants{c}, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// Manager answers consensus questions for a given height.
type Manager struct {
	constants []Constants
}

// NewManager validates the rule sets and orders them by effective height.
func NewManager(constants ...Constants) (*Manager, error) {
	if len(constants) == 0 {
		return nil, fmt.Errorf("at least one set of consensus constants is required")
	}
	cs := make([]Constants, len(constants))
	copy(cs, constants)
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].EffectiveFromHeight < cs[j].EffectiveFromHeight })
	for i, c := range cs {
		if err := c.ValidateBasic(); err != nil {
			return nil, fmt.Errorf("constants effective from %d: %w", c.EffectiveFromHeight, err)
		}
		if i > 0 && cs[i-1].EffectiveFromHeight == c.EffectiveFromHeight {
			return nil, fmt.Errorf("duplicate constants effective from %d", c.EffectiveFromHeight)
		}
	}
	return &Manager{constants: cs}, nil
}

// ConstantsAt returns the rules in force at height. A height below every
// range is a ConsensusError.
func (m *Manager) ConstantsAt(height uint64) (Constants, error) {
	idx := sort.Search(len(m.constants), func(i int) bool {
		return m.constants[i].EffectiveFromHeight > height
	})
	if idx == 0 {
		return Constants{}, &ConsensusError{Height: height, Reason: "no consensus constants for height"}
	}
	return m.constants[idx-1], nil
}
