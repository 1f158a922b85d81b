package cli

import (
	"fmt"
	"time"

	"github.com/me/wallgrid/internal/simstore"
	"github.com/me/wallgrid/pkg/model"
	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := simstore.Open(dbPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(cmd.Context())
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}

			fmt.Fprintf(out, "%-40s  %-20s  %-6s  %-20s  %-8s  %s\n", "ID", "SCENARIO", "SEED", "STARTED", "TICKS", "EVICTIONS")
			fmt.Fprintf(out, "%-40s  %-20s  %-6s  %-20s  %-8s  %s\n", "----", "--------", "----", "-------", "-----", "---------")
			for _, run := range runs {
				ticks, evictions := "-", "-"
				if run.Summary != nil {
					ticks = fmt.Sprintf("%d", run.Summary.Ticks)
					evictions = fmt.Sprintf("%d", run.Summary.Events[model.EventTileEvicted])
				}
				fmt.Fprintf(out, "%-40s  %-20s  %-6d  %-20s  %-8s  %s\n",
					run.ID, run.Scenario, run.Seed,
					run.StartedAt.Format(time.RFC3339), ticks, evictions)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database to read")
	cmd.MarkFlagRequired("db")

	return cmd
}
