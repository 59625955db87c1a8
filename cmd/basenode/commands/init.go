package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tendermint/basenode/config"
	"github.com/tendermint/basenode/libs/log"
	"github.com/tendermint/basenode/node"
)

// MakeInitCommand returns the command that writes the config file and
// seeds the block store with the network's genesis block.
func MakeInitCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initializes a base node home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initFilesWithConfig(conf, logger)
		},
	}
	cmd.Flags().String("moniker", conf.Moniker, "node name")
	addDBFlags(cmd, conf)
	return cmd
}

func initFilesWithConfig(conf *config.Config, logger log.Logger) error {
	if err := config.EnsureRoot(conf.RootDir); err != nil {
		return err
	}

	cfgFile := conf.ConfigFile()
	if _, err := os.Stat(cfgFile); err == nil {
		logger.Info("Found config file", "path", cfgFile)
	} else {
		if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
			return err
		}
		logger.Info("Generated config file", "path", cfgFile)
	}

	bs, err := node.OpenBlockStore(conf, logger)
	if err != nil {
		return err
	}
	defer bs.Close()

	if err := node.InitChain(bs, conf.Network); err != nil {
		return err
	}
	logger.Info("Initialized block store", "network", conf.Network, "dir", conf.DBDir())
	return nil
}
