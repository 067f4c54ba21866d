package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/pipeline"
	"github.com/sells-group/pricewatch/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect ingestion run history",
	Long:  "Commands for listing, viewing, summarizing, and cancelling ingestion runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestion runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStoreFor(ctx, "runs")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		product, _ := cmd.Flags().GetString("product")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{
			Status:    model.RunStatus(status),
			ProductID: product,
			Limit:     limit,
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStoreFor(ctx, "runs")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		view, err := pipeline.NewCoordinator(st).Status(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStoreFor(ctx, "runs")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		filter := store.RunFilter{}
		if since > 0 {
			filter.TriggeredAfter = time.Now().Add(-since)
		}
		filter.Limit = 10000 // high limit for stats

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		stats := computeRunStats(runs)
		formatRunStats(os.Stdout, stats)
		return nil
	},
}

// -- runs cancel --

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a pending or running run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStoreFor(ctx, "runs")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := pipeline.NewCoordinator(st).Cancel(ctx, args[0]); err != nil {
			return eris.Wrap(err, "runs cancel")
		}

		fmt.Fprintf(os.Stdout, "Run %s cancelled.\n", args[0])
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (pending, running, completed, failed, cancelled)")
	runsListCmd.Flags().String("product", "", "filter by first-party product ID")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	runsCmd.AddCommand(runsCancelCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total            int
	Completed        int
	Failed           int
	Cancelled        int
	InFlight         int
	LookupsCompleted int
	LookupsFailed    int
	AvgDurSecs       float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.IngestionRun) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusCompleted:
			s.Completed++
			if r.StartedAt != nil && r.CompletedAt != nil {
				totalDur += r.CompletedAt.Sub(*r.StartedAt)
				durCount++
			}
		case model.RunStatusFailed:
			s.Failed++
		case model.RunStatusCancelled:
			s.Cancelled++
		default:
			s.InFlight++
		}
		s.LookupsCompleted += r.CompletedLookups
		s.LookupsFailed += r.FailedLookups
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.IngestionRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tTRIGGERED_BY\tTRIGGERED\tLOOKUPS\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t------------\t---------\t-------\t--------")

	for _, r := range runs {
		settled := r.CompletedLookups + r.FailedLookups

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			truncateID(r.ID),
			r.Status,
			r.TriggeredBy,
			r.TriggeredAt.Format("2006-01-02 15:04"),
			settled,
			r.TotalLookups,
			runDuration(r),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Cancelled:\t%d\n", s.Cancelled)
	_, _ = fmt.Fprintf(w, "In flight:\t%d\n", s.InFlight)
	_, _ = fmt.Fprintf(w, "Lookups completed:\t%d\n", s.LookupsCompleted)
	_, _ = fmt.Fprintf(w, "Lookups failed:\t%d\n", s.LookupsFailed)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// runDuration renders the wall time from start to settlement, or to now
// for runs still in flight. Runs that never started render as a dash.
func runDuration(r model.IngestionRun) string {
	if r.StartedAt == nil {
		return "-"
	}
	end := time.Now()
	switch {
	case r.CompletedAt != nil:
		end = *r.CompletedAt
	case r.FailedAt != nil:
		end = *r.FailedAt
	case r.Status == model.RunStatusCancelled:
		end = r.UpdatedAt
	}
	return end.Sub(*r.StartedAt).Round(time.Second).String()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
