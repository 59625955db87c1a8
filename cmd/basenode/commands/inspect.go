package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/basenode/config"
	"github.com/tendermint/basenode/libs/log"
	"github.com/tendermint/basenode/node"
)

// MakeInspectCommand constructs a command that prints the local chain tip,
// or the header at --height, from a stopped node's block store.
func MakeInspectCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	var height int64

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the local chain metadata as JSON",
		Long: `
Reads the block store of a node that is not running and prints its chain
metadata. With --height the stored header at that height is printed instead.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			bs, err := node.OpenBlockStore(conf, logger)
			if err != nil {
				return err
			}
			defer bs.Close()

			var v interface{}
			if height >= 0 {
				h, err := bs.FetchHeader(uint64(height))
				if err != nil {
					return fmt.Errorf("header at height %d: %w", height, err)
				}
				v = h
			} else {
				meta, err := bs.FetchChainMetadata()
				if err != nil {
					return err
				}
				v = meta
			}

			out, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().Int64Var(&height, "height", -1, "print the header at this height")
	addDBFlags(cmd, conf)
	return cmd
}
