// Package printer formats user-facing CLI output for the chatrelay commands.
package printer

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// Success prints a success message in green with a checkmark prefix
func Success(format string, a ...any) {
	green.Printf("✓ %s\n", fmt.Sprintf(format, a...))
}

// Warning prints a warning message in yellow
func Warning(format string, a ...any) {
	yellow.Printf("⚠ %s\n", fmt.Sprintf(format, a...))
}

// Step prints a step message with emphasis (used in multi-step operations)
func Step(format string, a ...any) {
	cyan.Printf("→ %s\n", fmt.Sprintf(format, a...))
}

// Info prints a plain informational message
func Info(format string, a ...any) {
	fmt.Printf(format+"\n", a...)
}

// Error prints a formatted error with optional suggestions to stderr and
// returns a simple error for Cobra (which won't re-print it due to
// SilenceErrors).
func Error(title string, suggestions ...string) error {
	red.Fprintf(os.Stderr, "%s\n", title)
	for _, suggestion := range suggestions {
		fmt.Fprintf(os.Stderr, "  %s\n", suggestion)
	}
	return fmt.Errorf("%s", title)
}
