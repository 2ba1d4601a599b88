package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/constants"
	"github.com/agentbridge/agentbridge/internal/linear"
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Validate configuration and check tracker connectivity",
	RunE:  runTest,
}

func runTest(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Configuration: OK")
	fmt.Fprintf(out, "  server:        %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "  store backend: %s\n", cfg.Sessions.StoreBackend)
	fmt.Fprintf(out, "  project root:  %s\n", cfg.Git.ProjectRootDir)

	ctx, cancel := context.WithTimeout(cmd.Context(), constants.TrackerRequestTimeout)
	defer cancel()

	client := linear.NewClient(cfg.Linear.APIToken, cfg.Linear.APIURL)
	viewer, err := client.Viewer(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", errConnectivity, err)
	}

	fmt.Fprintln(out, "Tracker API: OK")
	fmt.Fprintf(out, "  authenticated as %s (%s)\n", viewer.Name, viewer.ID)
	if cfg.Linear.AgentUserID != "" && cfg.Linear.AgentUserID != viewer.ID {
		fmt.Fprintf(out, "  warning: configured agentUserId %q differs from the token's user\n", cfg.Linear.AgentUserID)
	}
	return nil
}
