package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/geoinsight/internal/model"
	"github.com/sells-group/geoinsight/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsQueued   int     `json:"runs_queued"`
	RunsDegraded int     `json:"runs_degraded"`
	FailRate     float64 `json:"fail_rate"`
	DegradedRate float64 `json:"degraded_rate"`
	CostUSD      float64 `json:"cost_usd"`
	AvgGEO       float64 `json:"avg_geo"`
	AvgTokens    int64   `json:"avg_tokens"`

	// Provider call tallies summed over completed runs.
	CallsAttempted int `json:"calls_attempted"`
	CallsFailed    int `json:"calls_failed"`
	CallsCached    int `json:"calls_cached"`
	Fallbacks      int `json:"fallbacks"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	var totalCost float64
	var totalGEO float64
	var totalTokens int64
	var scoredRuns int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusQueued:
			snap.RunsQueued++
		}
		if r.Result == nil {
			continue
		}
		totalCost += r.Result.CostUSD
		totalTokens += r.Result.TokenUsage.InputTokens + r.Result.TokenUsage.OutputTokens
		if r.Result.Degraded {
			snap.RunsDegraded++
		}
		if r.Result.Aggregates.ResponsesScored > 0 {
			totalGEO += r.Result.Aggregates.MeanGEO
			scoredRuns++
		}
		snap.CallsAttempted += r.Result.Calls.Attempted
		snap.CallsFailed += r.Result.Calls.Failed
		snap.CallsCached += r.Result.Calls.Cached
		snap.Fallbacks += r.Result.Calls.Fallbacks
	}

	snap.CostUSD = totalCost
	if snap.RunsTotal > 0 {
		snap.AvgTokens = totalTokens / int64(snap.RunsTotal)
	}
	finished := snap.RunsComplete + snap.RunsFailed
	if finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.RunsComplete > 0 {
		snap.DegradedRate = float64(snap.RunsDegraded) / float64(snap.RunsComplete)
	}
	if scoredRuns > 0 {
		snap.AvgGEO = totalGEO / float64(scoredRuns)
	}

	return snap, nil
}
