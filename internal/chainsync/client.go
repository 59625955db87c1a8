package chainsync

import (
	"context"

	"github.com/tendermint/basenode/types"
)

//go:generate mockery -case underscore -name SyncClient

// SyncClient fetches chain data from a single remote peer. Implementations
// report connectivity problems with p2p.ErrPeerUnreachable or
// p2p.ErrPeerTimeout and bad answers with p2p.ErrMalformedResponse.
type SyncClient interface {
	// RequestHeaders returns headers in [start, end], ascending. Fewer
	// headers than asked for means the peer's chain ends earlier.
	RequestHeaders(ctx context.Context, peer types.NodeID, start, end uint64) ([]types.BlockHeader, error)
	RequestBlock(ctx context.Context, peer types.NodeID, height uint64) (*types.Block, error)
	RequestHorizonState(ctx context.Context, peer types.NodeID, height uint64) (types.HorizonState, error)
}
