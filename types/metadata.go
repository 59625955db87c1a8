package types

import (
	"errors"
	"fmt"
)

// ChainMetadata is a summary of a chain tip, either our own or one claimed
// by a peer.
type ChainMetadata struct {
	Height                uint64                `json:"height"`
	AccumulatedDifficulty AccumulatedDifficulty `json:"accumulated_difficulty"`
	BestBlock             Hash                  `json:"best_block"`
	// Timestamp of the best block in unix seconds.
	Timestamp uint64 `json:"timestamp"`
	// PrunedHeight is the lowest height for which full blocks are held.
	// Zero for archival nodes.
	PrunedHeight uint64 `json:"pruned_height"`
}

// ValidateBasic performs stateless checks on claimed metadata.
func (m ChainMetadata) ValidateBasic() error {
	if m.BestBlock.IsZero() {
		return errors.New("best block hash is zero")
	}
	if m.PrunedHeight > m.Height {
		return fmt.Errorf("pruned height %d above tip height %d", m.PrunedHeight, m.Height)
	}
	return nil
}

func (m ChainMetadata) IsArchival() bool { return m.PrunedHeight == 0 }

func (m ChainMetadata) String() string {
	return fmt.Sprintf("height=%d acc_diff=%s best=%s pruned=%d",
		m.Height, m.AccumulatedDifficulty, m.BestBlock.ShortString(), m.PrunedHeight)
}
