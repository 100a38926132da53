package main

import (
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Color helpers, matching cobra_cli.go's package-level SprintFunc block
// almost verbatim — the same palette, renamed to what sandboxd actually
// prints (status lines and errors, not chat transcripts).
var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func init() {
	// Same check the teacher's TUI entrypoints use before deciding to
	// render anything fancy (tui.go, cli_approver.go): a pipe or redirect
	// isn't a terminal, so status/restart/reset output should stay plain
	// text rather than carry ANSI escapes into a log file or script.
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
}

func errorPrefix() string { return red("Error:") }
