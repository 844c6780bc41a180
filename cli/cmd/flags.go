// Package cmd provides CLI commands for the statebus binary.
package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/lanternwidget/statebus/server"
)

// Exit codes.
const (
	exitRuntimeError = 1
	exitConfigError  = 2
)

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables the Bubble Tea dashboard.
	// Only valid for stats.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Open the live dashboard (stats only)",
	}
)

// AddrFlag is the daemon address popup commands connect to.
func AddrFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "addr",
		Aliases: []string{"a"},
		Usage:   "Daemon HTTP address (host:port)",
		Value:   server.DefaultListen,
		EnvVars: []string{"STATEBUS_ADDR"},
	}
}

// TimeoutFlag bounds how long popup commands wait for the daemon.
func TimeoutFlag() *cli.DurationFlag {
	return &cli.DurationFlag{
		Name:  "timeout",
		Usage: "How long to wait for the daemon",
		Value: defaultPopupTimeout,
	}
}

// ReadOnlyFlags returns the shared flags for all read-only commands.
// Includes --tui so that unsupported commands can provide explicit error messages
// instead of generic "flag not defined" errors.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}
