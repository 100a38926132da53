package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersAllSubcommands(t *testing.T) {
	root := newRootCommand()

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}

	for _, want := range []string{"serve", "status", "restart", "reset", "logs", "version"} {
		require.True(t, names[want], "expected %q subcommand to be registered", want)
	}
}

func TestVersionCommandPrintsVersion(t *testing.T) {
	cmd := newVersionCommand()
	require.Equal(t, "version", cmd.Use)
	require.NotPanics(t, func() { cmd.Run(cmd, nil) })
}
