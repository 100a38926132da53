package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/model"
)

// newRestartCommand builds "sandboxd restart": POSTs /api/restart, which
// stops every MCP and the runtime and brings them back up against the same
// persisted configuration (spec.md §4.7, sandbox.Manager.Restart).
func newRestartCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the container runtime and every registered MCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(*configPath)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", gray("restarting..."))
			var summary model.StatusSummary
			if err := client.postJSON(cmd.Context(), "/api/restart", &summary); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", green("restarted"))
			printStatusSummary(cmd, summary)
			return nil
		},
	}
}
