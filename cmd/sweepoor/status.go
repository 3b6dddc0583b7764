package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethpandaops/sweepoor/pkg/ledger"
	"github.com/spf13/cobra"
)

var statusSweepID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recorded sweeps and their runs",
	Long: `Show the sweeps recorded in the ledger database. Without --sweep all
sweeps are listed; with --sweep the runs of that sweep are shown.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusSweepID, "sweep", "", "Sweep ID to show runs for")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()

	store := ledger.NewStore(log, &cfg.Database)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop ledger")
		}
	}()

	if statusSweepID == "" {
		sweeps, err := store.ListSweeps(ctx)
		if err != nil {
			return fmt.Errorf("listing sweeps: %w", err)
		}

		printSweeps(os.Stdout, sweeps)

		return nil
	}

	sw, err := store.GetSweep(ctx, statusSweepID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("sweep %q not found", statusSweepID)
		}

		return fmt.Errorf("loading sweep: %w", err)
	}

	runs, err := store.ListRuns(ctx, statusSweepID)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	printSweepRuns(os.Stdout, sw, runs)

	return nil
}

func printSweeps(w io.Writer, sweeps []ledger.Sweep) {
	if len(sweeps) == 0 {
		fmt.Fprintln(w, "No sweeps recorded")

		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SWEEP\tSTATUS\tBACKEND\tRUNS\tSUCCEEDED\tFAILED\tTIMED OUT\tSTARTED")

	for _, s := range sweeps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			s.SweepID, s.Status, s.Backend, s.TotalRuns, s.Succeeded, s.Failed, s.TimedOut,
			s.StartedAt.Format(time.RFC3339))
	}

	tw.Flush()
}

func printSweepRuns(w io.Writer, sw *ledger.Sweep, runs []ledger.Run) {
	fmt.Fprintf(w, "Sweep %s (%s, %s)\n", sw.SweepID, sw.Status, sw.Backend)
	fmt.Fprintf(w, "  started:  %s\n", sw.StartedAt.Format(time.RFC3339))

	if sw.FinishedAt != nil {
		fmt.Fprintf(w, "  finished: %s\n", sw.FinishedAt.Format(time.RFC3339))
	}

	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN KEY\tJOB ID\tSTATE\tSTATUS\tWALL TIME\tREASON")

	for _, r := range runs {
		wall := "-"
		if r.WallTimeSeconds != nil {
			wall = (time.Duration(*r.WallTimeSeconds * float64(time.Second))).Round(time.Second).String()
		}

		jobID := r.JobID
		if jobID == "" {
			jobID = "-"
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.RunKey, jobID, r.State, r.Status, wall, r.Reason)
	}

	tw.Flush()
}
