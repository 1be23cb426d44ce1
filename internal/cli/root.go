// Package cli is forge-server's debug/operator client: thin cobra
// subcommands that drive a running forge-server's REST and IDE Multiplexer
// surfaces, wired into cmd/forge-cli.
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	verbose bool
	jsonLog bool
	apiKey  string
	baseURL string
)

// RootCmd is the base command when forge-cli is called without a subcommand.
var RootCmd = &cobra.Command{
	Use:   "forge-cli",
	Short: "Operator client for the forge-server runtime core",
	Long: `forge-cli drives a running forge-server over its REST control
surface and IDE Multiplexer protocol: create and inspect sessions, and
open an interactive terminal against a sandbox.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		if !jsonLog {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		}
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Output logs in JSON format")
	RootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("FORGE_API_KEY"), "API key for authenticating against forge-server")
	RootCmd.PersistentFlags().StringVar(&baseURL, "server", envOr("FORGE_SERVER_URL", "http://localhost:8080"), "forge-server base URL")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
