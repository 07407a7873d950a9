package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/midoriiro/pipewire-client/testenv/internal/digest"
	"github.com/midoriiro/pipewire-client/testenv/internal/engine"
	"github.com/midoriiro/pipewire-client/testenv/internal/fixture"
	"github.com/midoriiro/pipewire-client/testenv/internal/image"
	"github.com/midoriiro/pipewire-client/testenv/pkg/types"
)

func newBuildCmd(a *app) *cobra.Command {
	var (
		ref        types.ImageRef
		force      bool
		dockerfile string
	)

	cmd := &cobra.Command{
		Use:   "build DIR",
		Short: "Build an image from DIR unless its content digest is unchanged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cli, err := engine.NewClient(ctx, a.cfg.Docker, a.logger)
			if err != nil {
				return err
			}
			defer cli.Close()

			store, closer, err := fixture.NewStore(ctx, a.cfg)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}

			registry := digest.Load(ctx, store, a.logger)
			images := image.NewManager(cli,
				image.WithLogger(a.logger),
				image.WithDockerfile(dockerfile),
				image.WithExclude(fixture.DigestExcludes(a.cfg)...))
			builder := fixture.NewBuilder(images, registry, a.logger, nil)

			built, err := builder.EnsureImage(ctx, args[0], ref, force)
			if err != nil {
				return err
			}
			if !built {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is up to date\n", ref)
				return nil
			}
			if err := registry.Persist(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "built %s\n", ref)
			return nil
		},
	}
	cmd.Flags().StringVar(&ref.Name, "name", "", "image name (required)")
	cmd.Flags().StringVar(&ref.Tag, "tag", types.DefaultTag, "image tag")
	cmd.Flags().BoolVar(&force, "force", false, "build even if the digest is unchanged")
	cmd.Flags().StringVar(&dockerfile, "dockerfile", image.DefaultDockerfile, "Dockerfile path inside DIR")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
