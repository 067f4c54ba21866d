// Package monitoring aggregates ingestion run health into point-in-time
// snapshots and raises webhook alerts when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/cost"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/store"
)

// maxResultScanRuns caps how many runs have their lookup results walked
// for the success-rate and confidence figures. Runs beyond the cap still
// count toward the status tallies.
const maxResultScanRuns = 50

// stuckRunAge is how long a run may sit in running before it is counted
// as stuck.
const stuckRunAge = 2 * time.Hour

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Run counts within the lookback window.
	RunsTotal     int `json:"runs_total"`
	RunsPending   int `json:"runs_pending"`
	RunsRunning   int `json:"runs_running"`
	RunsCompleted int `json:"runs_completed"`
	RunsFailed    int `json:"runs_failed"`
	RunsCancelled int `json:"runs_cancelled"`
	RunsStuck     int `json:"runs_stuck"`

	RunFailRate        float64 `json:"run_fail_rate"`
	AvgRunDurationSecs float64 `json:"avg_run_duration_secs"`

	// Lookup figures. Counts come from run counters; the success rate and
	// confidence come from the results of the most recent runs.
	LookupsCompleted  int     `json:"lookups_completed"`
	LookupsFailed     int     `json:"lookups_failed"`
	LookupSuccessRate float64 `json:"lookup_success_rate"`
	AvgConfidence     float64 `json:"avg_confidence"`

	// Estimated marketplace query spend for the window.
	LookupCostUSD float64 `json:"lookup_cost_usd"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Store is the slice of the persistence layer the collector reads.
type Store interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.IngestionRun, error)
	ListLookupResults(ctx context.Context, runID string) ([]model.LookupResult, error)
}

// Collector gathers run health metrics from the store.
type Collector struct {
	store Store
	calc  *cost.Calculator
}

// NewCollector creates a new metrics collector. A nil calculator leaves
// the cost figure at zero.
func NewCollector(st Store, calc *cost.Calculator) *Collector {
	return &Collector{store: st, calc: calc}
}

// Collect gathers a snapshot over runs triggered in the last lookbackHours.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		TriggeredAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:          10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	var durationSecs float64
	var timedRuns int
	for _, r := range runs {
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusPending:
			snap.RunsPending++
		case model.RunStatusRunning:
			snap.RunsRunning++
			if r.StartedAt != nil && now.Sub(*r.StartedAt) > stuckRunAge {
				snap.RunsStuck++
			}
		case model.RunStatusCompleted:
			snap.RunsCompleted++
			if r.StartedAt != nil && r.CompletedAt != nil {
				durationSecs += r.CompletedAt.Sub(*r.StartedAt).Seconds()
				timedRuns++
			}
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusCancelled:
			snap.RunsCancelled++
		}
		snap.LookupsCompleted += r.CompletedLookups
		snap.LookupsFailed += r.FailedLookups
	}

	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if timedRuns > 0 {
		snap.AvgRunDurationSecs = durationSecs / float64(timedRuns)
	}
	if c.calc != nil {
		snap.LookupCostUSD = c.calc.Lookups(snap.LookupsCompleted + snap.LookupsFailed)
	}

	if err := c.scanResults(ctx, runs, snap); err != nil {
		return nil, err
	}

	return snap, nil
}

// scanResults fills the success-rate and confidence figures from the
// lookup results of the most recent runs. Runs arrive newest first.
func (c *Collector) scanResults(ctx context.Context, runs []model.IngestionRun, snap *MetricsSnapshot) error {
	if len(runs) > maxResultScanRuns {
		runs = runs[:maxResultScanRuns]
	}

	var settled, priced int
	var confidence float64
	for _, r := range runs {
		results, err := c.store.ListLookupResults(ctx, r.ID)
		if err != nil {
			return eris.Wrapf(err, "monitoring: list results for run %s", r.ID)
		}
		for _, res := range results {
			settled++
			if res.Status == model.LookupStatusSuccess {
				priced++
				confidence += res.PriceConfidence
			}
		}
	}

	if settled > 0 {
		snap.LookupSuccessRate = float64(priced) / float64(settled)
	}
	if priced > 0 {
		snap.AvgConfidence = confidence / float64(priced)
	}
	return nil
}
