// Command testenv manages the container fixtures used by the integration
// tests: it sweeps leftover test containers, prints build context digests and
// builds images when their content changed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/midoriiro/pipewire-client/testenv/internal/config"
	"github.com/midoriiro/pipewire-client/testenv/internal/logging"
)

// app carries state shared by the subcommands once the root command has
// loaded the configuration
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "testenv",
		Short:         "Manage ephemeral containers for integration tests",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (YAML or TOML)")

	root.AddCommand(newSweepCmd(a))
	root.AddCommand(newDigestCmd(a))
	root.AddCommand(newBuildCmd(a))
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
