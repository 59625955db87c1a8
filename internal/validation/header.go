package validation

import (
	"fmt"
	"sort"

	"github.com/benbjohnson/clock"

	"github.com/tendermint/basenode/internal/consensus"
	"github.com/tendermint/basenode/types"
)

// HeaderValidator checks a header against the chain it claims to extend.
type HeaderValidator struct {
	consensus *consensus.Manager
	clock     clock.Clock
	badBlocks *BadBlockSet
}

func NewHeaderValidator(m *consensus.Manager, clk clock.Clock, badBlocks *BadBlockSet) *HeaderValidator {
	return &HeaderValidator{consensus: m, clock: clk, badBlocks: badBlocks}
}

// Validate runs the header rules in order: version, future time limit,
// median timestamp, proof of work and finally the bad block set. The chain
// view must end at header.Height-1.
//
// Rule violations are returned as *ValidationError. A *consensus.ConsensusError
// or a chain view error means the check could not be performed.
func (v *HeaderValidator) Validate(chain ChainView, header *types.BlockHeader) (consensus.AchievedTargetDifficulty, error) {
	var none consensus.AchievedTargetDifficulty

	c, err := v.consensus.ConstantsAt(header.Height)
	if err != nil {
		return none, err
	}

	if header.Version < c.MinBlockchainVersion || header.Version > c.MaxBlockchainVersion {
		return none, newError(header, ErrInvalidBlockchainVersion, "version %d outside [%d, %d]",
			header.Version, c.MinBlockchainVersion, c.MaxBlockchainVersion)
	}

	limit := v.clock.Now().Add(c.FutureTimeLimit)
	if header.Time().After(limit) {
		return none, newError(header, ErrInvalidTimestampFutureTimeLimit, "timestamp %d after %d",
			header.Timestamp, limit.Unix())
	}

	prev, err := v.previousHeaders(chain, header.Height, c)
	if err != nil {
		return none, err
	}

	if header.Height > 0 {
		window := prev
		if len(window) > c.MedianTimestampCount {
			window = window[len(window)-c.MedianTimestampCount:]
		}
		median := MedianTimestamp(window)
		if header.Timestamp <= median {
			return none, newError(header, ErrInvalidMedianTimestamp, "timestamp %d, median %d", header.Timestamp, median)
		}
	}

	if header.Pow.Algo != types.PowAlgoSha3x || len(header.Pow.Data) != 0 {
		return none, newError(header, ErrInvalidPowData, "algo %s with %d bytes of pow data",
			header.Pow.Algo, len(header.Pow.Data))
	}
	target, err := v.consensus.TargetDifficulty(header.Height, prev)
	if err != nil {
		return none, err
	}
	achieved, err := consensus.AchievedDifficulty(header)
	if err != nil {
		return none, newError(header, ErrInvalidPowData, "%v", err)
	}
	atd, ok := consensus.NewAchievedTargetDifficulty(achieved, target)
	if !ok {
		return none, newError(header, ErrProofOfWorkTooLow, "achieved %d, target %d", achieved, target)
	}

	if v.badBlocks != nil && v.badBlocks.Contains(header.Hash()) {
		return none, newError(header, ErrBadBlock, "")
	}

	return atd, nil
}

// previousHeaders fetches the headers the timestamp and difficulty rules
// look back at, oldest first.
func (v *HeaderValidator) previousHeaders(chain ChainView, height uint64, c consensus.Constants) ([]types.ChainHeader, error) {
	if height == 0 {
		return nil, nil
	}
	n := uint64(c.MedianTimestampCount)
	if w := uint64(c.DifficultyWindow + 1); w > n {
		n = w
	}
	if n > height {
		n = height
	}
	headers, err := chain.FetchHeaders(height-n, height-1)
	if err != nil {
		return nil, fmt.Errorf("fetching headers before %d: %w", height, err)
	}
	if uint64(len(headers)) != n {
		return nil, fmt.Errorf("expected %d headers before %d, got %d", n, height, len(headers))
	}
	return headers, nil
}

// MedianTimestamp returns the median of the header timestamps. For an even
// count the two middle values are averaged.
func MedianTimestamp(headers []types.ChainHeader) uint64 {
	if len(headers) == 0 {
		return 0
	}
	ts := make([]uint64, len(headers))
	for i := range headers {
		ts[i] = headers[i].Header.Timestamp
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	mid := len(ts) / 2
	if len(ts)%2 == 1 {
		return ts[mid]
	}
	return ts[mid-1] + (ts[mid]-ts[mid-1])/2
}

// AccumDifficultyMode selects how strictly a candidate chain must beat the
// local tip.
type AccumDifficultyMode int

const (
	// Strict requires strictly more work than the tip.
	Strict AccumDifficultyMode = iota
	// Permissive also accepts equal work. Used when bootstrapping and in
	// tests.
	Permissive
)

// AccumDifficultyValidator compares a candidate chain's accumulated
// difficulty against the local tip.
type AccumDifficultyValidator struct {
	mode AccumDifficultyMode
}

func NewAccumDifficultyValidator(mode AccumDifficultyMode) *AccumDifficultyValidator {
	return &AccumDifficultyValidator{mode: mode}
}

// Validate returns ErrWeakerAccumulatedDifficulty, wrapped in a
// ValidationError for the candidate tip, when the candidate does not win.
func (v *AccumDifficultyValidator) Validate(candidate *types.ChainHeader, tip types.AccumulatedDifficulty) error {
	cmp := candidate.Accumulated.TotalAccumulatedDifficulty.Cmp(tip)
	if cmp > 0 || (cmp == 0 && v.mode == Permissive) {
		return nil
	}
	return newError(&candidate.Header, ErrWeakerAccumulatedDifficulty, "candidate %s, local %s",
		candidate.Accumulated.TotalAccumulatedDifficulty, tip)
}
