// Package commands implements the zapfunnel CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "zapfunnel",
		Short: "ZapFunnel - AI sales assistants over WhatsApp and Instagram",
		Long: `ZapFunnel hosts AI sales assistants on messaging channels.
It manages channel sessions (WhatsApp QR pairing, Instagram login),
relays customer messages through an LLM, and tracks each contact's
progress through the configured sales funnel.

Examples:
  zapfunnel serve
  zapfunnel serve --config ./zapfunnel.yaml
  zapfunnel version`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newVersionCmd(version),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
