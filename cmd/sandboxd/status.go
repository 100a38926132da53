package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/model"
)

// newStatusCommand builds "sandboxd status": a thin GET /api/status client
// printing the runtime's and every registered MCP's current state,
// exposing C7's status_summary() over the wire (SPEC_FULL.md §9/§11).
func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the runtime and every registered MCP's current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(*configPath)
			if err != nil {
				return err
			}

			var summary model.StatusSummary
			if err := client.getJSON(cmd.Context(), "/api/status", &summary); err != nil {
				return err
			}

			printStatusSummary(cmd, summary)
			return nil
		},
	}
}

func printStatusSummary(cmd *cobra.Command, summary model.StatusSummary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", bold("runtime:"), colorForRuntimeStatus(summary.Runtime.Status))
	if summary.Runtime.MachineError != "" {
		fmt.Fprintf(out, "  %s %s\n", gray("machine error:"), red(summary.Runtime.MachineError))
	}
	if summary.Runtime.ImageError != "" {
		fmt.Fprintf(out, "  %s %s\n", gray("image error:"), red(summary.Runtime.ImageError))
	}

	if len(summary.Servers) == 0 {
		fmt.Fprintf(out, "%s\n", gray("no MCPs registered"))
		return
	}

	fmt.Fprintf(out, "%s\n", bold("servers:"))
	for _, s := range summary.Servers {
		fmt.Fprintf(out, "  %-24s %-14s tools=%d\n", s.MCPID, colorForContainerStatus(s.Container.State), len(s.Tools))
		if s.Container.Error != "" {
			fmt.Fprintf(out, "      %s %s\n", gray("error:"), red(s.Container.Error))
		}
	}
}

func colorForRuntimeStatus(s model.RuntimeStatus) string {
	switch s {
	case model.RuntimeRunning:
		return green(string(s))
	case model.RuntimeError, model.RuntimeNotInstalled:
		return red(string(s))
	default:
		return yellow(string(s))
	}
}

func colorForContainerStatus(s model.ContainerStatus) string {
	switch s {
	case model.ContainerRunning:
		return green(string(s))
	case model.ContainerError:
		return red(string(s))
	default:
		return yellow(string(s))
	}
}
