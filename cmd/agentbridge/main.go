// Package main is the entry point for the bridge daemon. The root command
// serves; `init` scaffolds configuration and `test` checks tracker
// connectivity.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentbridge/agentbridge/internal/common/config"
)

// Exit codes. Scripts key off these, keep them stable.
const (
	exitOK           = 0
	exitError        = 1
	exitConfig       = 2
	exitConnectivity = 3
)

// errConnectivity marks failures reaching the tracker API.
var errConnectivity = errors.New("tracker connectivity check failed")

var configPath string

var rootCmd = &cobra.Command{
	Use:           "agentbridge",
	Short:         "Issue-driven agent session bridge",
	Long:          "agentbridge receives tracker webhooks, classifies trigger events, and runs agent sessions against the configured repository.",
	RunE:          runStart,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bridge (default command)",
	RunE:  runStart,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "directory containing config.yaml")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(testCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)

		var cfgErr *config.ConfigError
		switch {
		case errors.As(err, &cfgErr):
			os.Exit(exitConfig)
		case errors.Is(err, errConnectivity):
			os.Exit(exitConnectivity)
		default:
			os.Exit(exitError)
		}
	}
	os.Exit(exitOK)
}
