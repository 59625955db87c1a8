package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tendermint/basenode/config"
	"github.com/tendermint/basenode/libs/log"
)

// MakeResetCommand constructs a command that removes the block store of
// the node.
func MakeResetCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Removes all blocks and horizon state stored by the node",
		Long: `Removes all blocks and horizon state stored by the node. The next start
resyncs from genesis.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ResetState(conf.DBDir(), logger)
		},
	}
	addDBFlags(cmd, conf)
	return cmd
}

// ResetState removes the data directory and recreates it empty.
func ResetState(dbDir string, logger log.Logger) error {
	if err := os.RemoveAll(dbDir); err == nil {
		logger.Info("Removed all blockchain history", "dir", dbDir)
	} else {
		logger.Error("error removing all blockchain history", "dir", dbDir, "err", err)
		return err
	}
	return os.MkdirAll(dbDir, 0700)
}
