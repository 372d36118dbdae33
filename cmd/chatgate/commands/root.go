// Package commands implements the chatgate CLI using cobra.
package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jholhewres/chatgate/pkg/chatgate/config"
	"github.com/jholhewres/chatgate/pkg/chatgate/logging"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chatgate",
		Short: "chatgate - messaging channel sessions and ingestion",
		Long: `chatgate keeps long-lived sessions to WhatsApp, Instagram and Discord
accounts, ingests their inbound messages into conversations and sends
outbound messages with provider fallback.

Examples:
  chatgate setup
  chatgate creds set cloudapi 5511999990000
  chatgate serve --config ./chatgate.yaml
  chatgate sessions start whatsmeow 5511999990000`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSessionsCmd(),
		newDeadLetterCmd(),
		newCredsCmd(),
		newSetupCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

// resolveConfig loads the configuration named by --config, or the first
// standard location.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return config.Load(path)
}

// newLogger builds the process logger; --verbose forces debug level.
func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, error) {
	lc := cfg.Logging
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		lc.Level = "debug"
	}
	logger, err := logging.New(lc)
	if err != nil {
		return nil, err
	}
	return logger.With("instance", cfg.Name), nil
}
