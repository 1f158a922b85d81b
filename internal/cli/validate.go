package cli

import (
	"fmt"

	"github.com/me/wallgrid/internal/config"
	"github.com/me/wallgrid/internal/sim"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var profilePath string

	cmd := &cobra.Command{
		Use:   "validate <scenario.yaml>",
		Short: "Check a scenario file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scenario, err := sim.Load(args[0])
			if err != nil {
				return err
			}
			if profilePath != "" {
				if _, err := config.Load(profilePath); err != nil {
					return err
				}
			}

			items := scenario.Items.Count
			if len(scenario.Items.List) > 0 {
				items = len(scenario.Items.List)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scenario %q ok: %d items, %d ticks, %d trace events\n",
				scenario.Name, items, scenario.DurationTicks, len(scenario.Trace))
			return nil
		},
	}

	cmd.Flags().StringVar(&profilePath, "profile", "", "Also check this tuning profile")

	return cmd
}
