package main

import (
	"github.com/spf13/cobra"

	"prjsdr.xyz/relay/internal/config"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func newRootCmd() *cobra.Command {
	var envFiles []string
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Real-time chat, call signaling and ticket notifications for support tickets",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files loaded before the environment is parsed")

	load := func() (config.Config, error) {
		return config.Load(envFiles...)
	}
	root.AddCommand(newServeCmd(load), newMigrateCmd(load), newTokenCmd(load))
	return root
}
