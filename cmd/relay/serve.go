package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"prjsdr.xyz/relay/internal/app"
	"prjsdr.xyz/relay/internal/config"
	"prjsdr.xyz/relay/internal/obs"
)

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, websocket and gRPC health servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			obs.Init()
			obs.InitBuildInfo(version, commit)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var opts []app.Option
			if autoMigrate {
				opts = append(opts, app.WithAutoMigrate())
			}
			a, err := app.New(ctx, cfg, version, opts...)
			if err != nil {
				return err
			}
			obs.Info("relay starting", map[string]any{"version": version, "commit": commit, "env": cfg.Env})
			return a.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}
