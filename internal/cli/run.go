package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/wallgrid/internal/config"
	"github.com/me/wallgrid/internal/diag"
	"github.com/me/wallgrid/internal/sim"
	"github.com/me/wallgrid/internal/simstore"
	"github.com/me/wallgrid/pkg/wall"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		profilePath string
		dbPath      string
		httpAddr    string
		ticks       int
		seed        int64
		quiet       bool
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Replay a scenario and report the outcome",
		Long: `Replays the scenario tick by tick on a manual clock: the trace drives
scroll, zoom, hover and failure events while a fake host loads whatever
the controller admits. The run is deterministic for a given scenario,
profile and seed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scenario, err := sim.Load(args[0])
			if err != nil {
				return err
			}

			var profile config.Profile
			if profilePath != "" {
				profile, err = config.Load(profilePath)
				if err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("ticks") {
				scenario.DurationTicks = ticks
			}
			if cmd.Flags().Changed("seed") {
				scenario.Seed = seed
			}

			runner, err := sim.NewRunner(scenario, profile.Apply(wall.DefaultOptions()), logger)
			if err != nil {
				return err
			}
			defer runner.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var st *simstore.Store
			var row *simstore.Run
			if dbPath != "" {
				st, err = simstore.Open(dbPath, logger)
				if err != nil {
					return err
				}
				defer st.Close()

				optionsJSON, err := json.Marshal(profile)
				if err != nil {
					return fmt.Errorf("marshal profile: %w", err)
				}
				row = &simstore.Run{Scenario: scenario.Name, Seed: scenario.Seed, Options: optionsJSON}
				if err := st.CreateRun(ctx, row); err != nil {
					return fmt.Errorf("create run: %w", err)
				}
			}

			if !quiet {
				fmt.Fprintf(os.Stderr, "Running %s: %d ticks of %dms...\n",
					scenario.Name, scenario.DurationTicks, scenario.TickMS)
			}

			result, err := runner.Run(ctx)
			if err != nil {
				return fmt.Errorf("run scenario: %w", err)
			}

			if st != nil {
				if err := st.AppendSamples(ctx, row.ID, runner.Samples()); err != nil {
					return fmt.Errorf("record samples: %w", err)
				}
				if err := st.FinishRun(ctx, row.ID, result); err != nil {
					return fmt.Errorf("finish run: %w", err)
				}
				if !quiet {
					fmt.Fprintf(os.Stderr, "Recorded run %s\n", row.ID)
				}
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return fmt.Errorf("encode result: %w", err)
				}
			} else {
				result.Summarize(cmd.OutOrStdout())
			}

			if httpAddr != "" {
				return serveDiag(ctx, httpAddr, runner.Controller(), st)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&profilePath, "profile", "", "YAML tuning profile overlaying the controller defaults")
	cmd.Flags().IntVar(&ticks, "ticks", 0, "Override the scenario duration in ticks")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Override the scenario seed")
	cmd.Flags().StringVar(&dbPath, "db", "", "Record the run into this SQLite database")
	cmd.Flags().StringVar(&httpAddr, "http", "", "After the run, serve diagnostics at this address until interrupted")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress messages")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON instead of a summary")

	return cmd
}

// serveDiag blocks serving the finished run's controller state until the
// context is cancelled by an interrupt.
func serveDiag(ctx context.Context, addr string, src diag.StatusSource, st *simstore.Store) error {
	var opts []diag.Option
	if st != nil {
		opts = append(opts, diag.WithStore(st))
	}
	srv := &http.Server{Addr: addr, Handler: diag.New(src, logger, opts...)}

	errc := make(chan error, 1)
	go func() {
		logger.Info("diagnostics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve diagnostics: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
