package node

import (
	"fmt"

	"github.com/tendermint/basenode/config"
	"github.com/tendermint/basenode/internal/chainmetadata"
	"github.com/tendermint/basenode/internal/chainsync"
	"github.com/tendermint/basenode/internal/consensus"
	"github.com/tendermint/basenode/internal/store"
	"github.com/tendermint/basenode/libs/log"
)

const blockStoreName = "blockstore"

// OpenBlockStore opens the node's block store as configured.
func OpenBlockStore(conf *config.Config, logger log.Logger) (*store.BlockStore, error) {
	return store.Open(conf.DBBackend, blockStoreName, conf.DBDir(), logger)
}

// InitChain writes the network's genesis block to an empty store. It is a
// no-op for a store that already holds the same genesis.
func InitChain(bs *store.BlockStore, network string) error {
	genesis, err := consensus.GenesisBlock(network)
	if err != nil {
		return err
	}
	return store.InitGenesis(bs, genesis)
}

func createConsensusManager(network string) (*consensus.Manager, error) {
	constants, err := consensus.NetworkConstants(network)
	if err != nil {
		return nil, err
	}
	m, err := consensus.NewManager(constants...)
	if err != nil {
		return nil, fmt.Errorf("consensus rules for %s: %w", network, err)
	}
	return m, nil
}

type metricsProvider func() (*chainmetadata.Metrics, *chainsync.Metrics)

// defaultMetricsProvider returns Prometheus metrics when they are enabled
// and no-op metrics otherwise.
func defaultMetricsProvider(conf *config.Config) metricsProvider {
	return func() (*chainmetadata.Metrics, *chainsync.Metrics) {
		if conf.Instrumentation.Prometheus {
			ns := conf.Instrumentation.Namespace
			return chainmetadata.PrometheusMetrics(ns, "network", conf.Network),
				chainsync.PrometheusMetrics(ns, "network", conf.Network)
		}
		return chainmetadata.NopMetrics(), chainsync.NopMetrics()
	}
}

func logNodeStartupInfo(logger log.Logger, conf *config.Config, bs *store.BlockStore) {
	meta, err := bs.FetchChainMetadata()
	if err != nil {
		logger.Error("failed to read chain metadata", "err", err)
		return
	}
	logger.Info("base node starting",
		"moniker", conf.Moniker,
		"network", conf.Network,
		"mode", conf.Sync.Mode,
		"height", meta.Height,
		"best_block", meta.BestBlock,
		"pruned_height", meta.PrunedHeight)
}
