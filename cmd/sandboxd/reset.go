package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/model"
)

// newResetCommand builds "sandboxd reset": POSTs /api/reset, which returns
// the runtime state to not_installed (rather than stopped) before
// bringing it back up (spec.md §4.7 "reset", sandbox.Manager.Reset).
func newResetCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Tear down and rebuild the container runtime from scratch",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(*configPath)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", gray("resetting..."))
			var summary model.StatusSummary
			if err := client.postJSON(cmd.Context(), "/api/reset", &summary); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", green("reset complete"))
			printStatusSummary(cmd, summary)
			return nil
		},
	}
}
