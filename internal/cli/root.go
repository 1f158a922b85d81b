// Package cli implements the wallsim command line interface.
package cli

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/me/wallgrid/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
)

// defaultLogFormat picks text for interactive terminals and json when
// stderr is piped or redirected.
func defaultLogFormat() string {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return "text"
	}
	return "json"
}

// NewRootCmd creates the root cobra command for the wallsim CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wallsim",
		Short: "wallsim — scenario simulator for the wall scheduling controller",
		Long: `wallsim replays scripted viewport scenarios against the wall
scheduling controller on a virtual clock and reports what the
scheduler did: materialization, loads, evictions, playback churn.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", defaultLogFormat(), "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newRunsCmd(),
	)

	return root
}
