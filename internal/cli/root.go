// Package cli holds the retryqd command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/felipemaragno/retryq/internal/config"
)

var (
	configFile string
	settings   = config.NewViper()
)

var rootCommand = &cobra.Command{
	Use:   "retryqd",
	Short: "retryqd: KV operation retry scheduler",
	Long: `retryqd runs a KV client session whose failed operations are parked in a
retry queue and redispatched on backoff or on topology change. The simulate
command drives it against an in-memory cluster with fault injection and
exposes metrics and queue diagnostics over HTTP.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCommand.Execute()
}

func init() {
	rootCommand.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML config file")
	rootCommand.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error)")
	rootCommand.PersistentFlags().String("log-format", "json", "Log format (json, text)")

	_ = settings.BindPFlag("log.level", rootCommand.PersistentFlags().Lookup("log-level"))
	_ = settings.BindPFlag("log.format", rootCommand.PersistentFlags().Lookup("log-format"))
}
