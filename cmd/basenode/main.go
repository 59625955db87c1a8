package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tendermint/basenode/cmd/basenode/commands"
	"github.com/tendermint/basenode/config"
	"github.com/tendermint/basenode/libs/cli"
	"github.com/tendermint/basenode/libs/log"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conf := config.DefaultConfig()

	logger, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitCommand(conf, logger),
		commands.MakeInspectCommand(conf, logger),
		commands.MakeResetCommand(conf, logger),
		commands.NewRunNodeCmd(conf, logger),
		commands.VersionCmd,
	)

	cmd := cli.PrepareBaseCmd(rcmd, "BN", os.ExpandEnv(filepath.Join("$HOME", config.DefaultBaseNodeDir)))
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
