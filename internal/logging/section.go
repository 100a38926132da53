package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// SectionWriter provides structured terminal output with color-coded
// sections, used by cmd/sandboxd for human-facing progress reporting.
// Structured, machine-parseable logging goes through ComponentLogger
// instead; this is purely a CLI affordance.
type SectionWriter struct {
	w      io.Writer
	colors bool

	cyan   func(a ...any) string
	blue   func(a ...any) string
	green  func(a ...any) string
	yellow func(a ...any) string
	red    func(a ...any) string
}

// NewSectionWriter creates a new SectionWriter.
func NewSectionWriter(w io.Writer, colors bool) *SectionWriter {
	if w == nil {
		w = os.Stdout
	}
	return &SectionWriter{
		w:      w,
		colors: colors,
		cyan:   color.New(color.FgCyan).SprintFunc(),
		blue:   color.New(color.FgBlue).SprintFunc(),
		green:  color.New(color.FgGreen).SprintFunc(),
		yellow: color.New(color.FgYellow).SprintFunc(),
		red:    color.New(color.FgRed).SprintFunc(),
	}
}

// Section prints a section header.
func (s *SectionWriter) Section(name string) {
	if s.colors {
		fmt.Fprintf(s.w, "\n%s\n", s.cyan("── "+name+" ──"))
	} else {
		fmt.Fprintf(s.w, "\n── %s ──\n", name)
	}
}

// Info prints an info message.
func (s *SectionWriter) Info(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if s.colors {
		fmt.Fprintf(s.w, "%s %s\n", s.blue("▸"), msg)
	} else {
		fmt.Fprintf(s.w, "▸ %s\n", msg)
	}
}

// Success prints a success message.
func (s *SectionWriter) Success(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if s.colors {
		fmt.Fprintf(s.w, "%s %s\n", s.green("✓"), msg)
	} else {
		fmt.Fprintf(s.w, "✓ %s\n", msg)
	}
}

// Warn prints a warning message.
func (s *SectionWriter) Warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if s.colors {
		fmt.Fprintf(s.w, "%s %s\n", s.yellow("⚠"), msg)
	} else {
		fmt.Fprintf(s.w, "⚠ %s\n", msg)
	}
}

// Error prints an error message to stderr.
func (s *SectionWriter) Error(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if s.colors {
		fmt.Fprintf(os.Stderr, "%s %s\n", s.red("✗"), msg)
	} else {
		fmt.Fprintf(os.Stderr, "✗ %s\n", msg)
	}
}
