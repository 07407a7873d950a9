package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/midoriiro/pipewire-client/testenv/internal/container"
	"github.com/midoriiro/pipewire-client/testenv/internal/engine"
)

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Stop and remove every container labelled " + engine.TestLabel,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cli, err := engine.NewClient(ctx, a.cfg.Docker, a.logger)
			if err != nil {
				return err
			}
			defer cli.Close()

			m := container.NewManager(cli, container.WithLogger(a.logger))
			registry, err := container.NewRegistry(ctx, m)
			if err != nil {
				return err
			}

			res := registry.StartupSweep()
			fmt.Fprintf(cmd.OutOrStdout(), "found %d, removed %d, vanished %d, failed %d\n",
				res.Found, res.Removed, res.Vanished, res.Failed)
			if res.Failed > 0 {
				return fmt.Errorf("%d test containers could not be removed", res.Failed)
			}
			return nil
		},
	}
}
