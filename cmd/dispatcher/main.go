package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configDir string
	envFile   string
}

func main() {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "dispatcher",
		Short:         "Chat completion dispatcher with provider fallback, caching and rate limiting",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config", "configs", "path to configuration directory")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the configuration (empty to skip)")

	root.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newMigrateCmd(opts),
		newKeygenCmd(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
