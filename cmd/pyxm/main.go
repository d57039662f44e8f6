package main

import (
	"context"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
)

func main() {
	if err := run(); err != nil {
		println(err.Error())
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return errors.Errorf("failed to execute command: %w", err)
	}
	return nil
}

// NewRootCommand assembles the pyxm command tree.
func NewRootCommand() *cobra.Command {
	me := newApp()

	rootCmd := &cobra.Command{
		Use:           "pyxm",
		Short:         "Render and check pyxm templates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		rootCmd.Version = "unknown"
	} else {
		rootCmd.Version = info.Main.Version
	}

	me.bindFlags(rootCmd)
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return me.setup(cmd)
	}

	rootCmd.AddCommand(NewRenderCommand(me))
	rootCmd.AddCommand(NewCheckCommand(me))
	rootCmd.AddCommand(NewServeCommand(me))
	return rootCmd
}
