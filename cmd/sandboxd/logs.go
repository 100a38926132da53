package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newLogsCommand builds "sandboxd logs <id>": a thin GET
// /mcp_proxy/{id}/logs?lines=N client, printing the tail of one MCP's
// container log (C4's rotating log files, spec.md §4.4) for operators
// debugging a misbehaving tool server without reaching for `docker logs`
// directly.
func newLogsCommand(configPath *string) *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print the recent log tail for one registered MCP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(*configPath)
			if err != nil {
				return err
			}

			var body struct {
				Logs string `json:"logs"`
			}
			path := fmt.Sprintf("/mcp_proxy/%s/logs?lines=%d", args[0], lines)
			if err := client.getJSON(cmd.Context(), path, &body); err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), body.Logs)
			return nil
		},
	}

	cmd.Flags().IntVar(&lines, "lines", 200, "Number of trailing log lines to print")
	return cmd
}
