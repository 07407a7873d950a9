package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/midoriiro/pipewire-client/testenv/internal/buildctx"
	"github.com/midoriiro/pipewire-client/testenv/internal/digest"
	"github.com/midoriiro/pipewire-client/testenv/internal/fixture"
)

func newDigestCmd(a *app) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "digest DIR",
		Short: "Print the content digest of a build directory",
		Long: `Print the content digest of a build directory.

With --name, also report whether the recorded digest for that image differs,
i.e. whether the next build would run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := buildctx.Digest(args[0], buildctx.WithExclude(fixture.DigestExcludes(a.cfg)...))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if name == "" {
				fmt.Fprintln(out, sum)
				return nil
			}

			store, closer, err := fixture.NewStore(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}

			registry := digest.Load(cmd.Context(), store, a.logger)
			status := "up to date"
			if registry.IsBuildNeeded(name, sum) {
				status = "build needed"
			}
			fmt.Fprintf(out, "%s %s (%s)\n", sum, name, status)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "image name to compare against the digest registry")
	return cmd
}
