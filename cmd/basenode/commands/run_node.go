package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/basenode/config"
	"github.com/tendermint/basenode/libs/log"
	"github.com/tendermint/basenode/node"
)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a base node
func AddNodeFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String("moniker", conf.Moniker, "node name")

	// sync flags
	cmd.Flags().String("sync.mode", conf.Sync.Mode, "sync mode (archival | pruned)")
	cmd.Flags().Uint64("sync.pruning_horizon", conf.Sync.PruningHorizon,
		"blocks kept in full behind the tip in pruned mode")
	cmd.Flags().StringSlice("sync.forced_sync_peers", conf.Sync.ForcedSyncPeers,
		"only sync from these node IDs")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus,
		"serve Prometheus metrics")
	cmd.Flags().String("instrumentation.prometheus_listen_addr",
		conf.Instrumentation.PrometheusListenAddr, "Prometheus listen address")

	addDBFlags(cmd, conf)
}

// NewRunNodeCmd returns the command that allows the CLI to start a node.
func NewRunNodeCmd(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the base node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			n, err := node.New(conf, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}
			logger.Info("started node", "moniker", conf.Moniker, "network", conf.Network)

			go logSyncStatus(ctx, n, logger)

			// Stop upon receiving SIGTERM or CTRL-C.
			n.Wait()
			return n.Err()
		},
	}

	AddNodeFlags(cmd, conf)
	return cmd
}

func logSyncStatus(ctx context.Context, n *node.Node, logger log.Logger) {
	watch := n.SyncStatusWatch()
	for {
		changed := watch.Changed()
		select {
		case <-ctx.Done():
			return
		case <-changed:
			logger.Info("sync status", "status", watch.Get().String())
		}
	}
}
