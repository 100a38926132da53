// Command sandboxd is the MCP Sandbox Supervisor's process entrypoint: a
// cobra CLI wiring the runtime/container/stream/logs/remote/wrapper/sandbox/
// httpapi/events/store/telemetry packages into `serve`, plus `status`,
// `restart`, `reset`, and `logs <id>` operator subcommands that talk to a
// running `serve` instance over its own HTTP surface. Grounded on
// `cmd/cobra_cli.go`'s root-command shape (cobra + viper config path +
// fatih/color terminal output) adapted from an interactive chat CLI to a
// supervisor daemon's small, scriptable command set.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorPrefix(), err)
		os.Exit(1)
	}
}

// newRootCommand builds the "sandboxd" command tree.
func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "sandboxd",
		Short: "MCP Sandbox Supervisor",
		Long: fmt.Sprintf(`%s

sandboxd runs third-party MCP tool servers as local Docker containers or
remote HTTPS endpoints, proxies JSON-RPC traffic to them, and tracks their
lifecycle, tool catalog, and logs for a desktop shell.`,
			bold("MCP Sandbox Supervisor")),
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to sandboxd config file (YAML)")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newStatusCommand(&configPath))
	root.AddCommand(newRestartCommand(&configPath))
	root.AddCommand(newResetCommand(&configPath))
	root.AddCommand(newLogsCommand(&configPath))
	root.AddCommand(newVersionCommand())

	return root
}

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print sandboxd's version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
