package consensus

import (
	"fmt"

	"github.com/tendermint/basenode/types"
)

var genesisTimestamps = map[string]uint64{
	"mainnet":  1_700_000_000,
	"testnet":  1_690_000_000,
	"localnet": 1_650_000_000,
}

// GenesisBlock returns the hard-coded genesis block of a named network.
// Genesis is never mined: its seal is not checked and it is credited with
// the minimum difficulty.
func GenesisBlock(network string) (*types.ChainBlock, error) {
	ts, ok := genesisTimestamps[network]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", network)
	}

	body := types.AggregateBody{}
	header := types.BlockHeader{
		Version:    0,
		Height:     0,
		Timestamp:  ts,
		BodyRoot:   body.Root(),
		OutputRoot: types.SetRoot(nil),
		KernelRoot: types.SetRoot(nil),
		Pow:        types.ProofOfWork{Algo: types.PowAlgoSha3x},
	}
	return &types.ChainBlock{
		Block: &types.Block{Header: header, Body: body},
		Accumulated: types.BlockHeaderAccumulatedData{
			Hash:                       header.Hash(),
			AchievedDifficulty:         types.MinDifficulty,
			TargetDifficulty:           types.MinDifficulty,
			TotalAccumulatedDifficulty: types.NewAccumulatedDifficulty(uint64(types.MinDifficulty)),
		},
	}, nil
}
