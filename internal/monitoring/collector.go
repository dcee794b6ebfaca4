// Package monitoring summarizes lotwatch health from the run log, audit
// records and canonical tables, serves it over HTTP and alerts on failures.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/store"
)

// recentFailureLimit caps the failed runs listed in a Summary.
const recentFailureLimit = 10

// Jobs whose last run is reported.
var trackedJobs = []string{model.JobImport, model.JobDiff, model.JobMerge, model.JobResolve, model.JobPrune}

// Summary holds a point-in-time view of system health.
type Summary struct {
	// Canonical state.
	LotsByOutcome  map[model.Outcome]int64 `json:"lots_by_outcome"`
	PendingStaged  int64                   `json:"pending_staged"`
	LatestSnapshot *model.Snapshot         `json:"latest_snapshot,omitempty"`

	// Run log (within lookback window).
	LastRuns       map[string]model.Run `json:"last_runs"`
	RunsTotal      int                  `json:"runs_total"`
	RunsComplete   int                  `json:"runs_complete"`
	RunsFailed     int                  `json:"runs_failed"`
	RunsRunning    int                  `json:"runs_running"`
	RunFailRate    float64              `json:"run_fail_rate"`
	RecentFailures []model.Run          `json:"recent_failures,omitempty"`

	// Audit records by error class (within lookback window).
	ErrorsByClass map[string]int64 `json:"errors_by_class"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers a Summary from the store.
type Collector struct {
	store store.Store
	now   func() time.Time
}

// NewCollector creates a new collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a summary over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Summary, error) {
	now := c.now()
	sum := &Summary{
		LastRuns:      make(map[string]model.Run),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	var err error
	if sum.LotsByOutcome, err = c.store.CountLotsByOutcome(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count lots")
	}
	if sum.PendingStaged, err = c.store.CountPendingRecords(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count pending records")
	}
	snaps, err := c.store.ListRecentSnapshots(ctx, 1)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: latest snapshot")
	}
	if len(snaps) > 0 {
		sum.LatestSnapshot = &snaps[0]
	}

	for _, job := range trackedJobs {
		runs, err := c.store.ListRuns(ctx, store.RunFilter{Job: job, Limit: 1})
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: last %s run", job)
		}
		if len(runs) > 0 {
			sum.LastRuns[job] = runs[0]
		}
	}

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Since: &cutoff, Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	sum.RunsTotal = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			sum.RunsComplete++
		case model.RunStatusFailed:
			sum.RunsFailed++
			if len(sum.RecentFailures) < recentFailureLimit {
				sum.RecentFailures = append(sum.RecentFailures, r)
			}
		case model.RunStatusRunning:
			sum.RunsRunning++
		}
	}
	if finished := sum.RunsComplete + sum.RunsFailed; finished > 0 {
		sum.RunFailRate = float64(sum.RunsFailed) / float64(finished)
	}

	if sum.ErrorsByClass, err = c.store.CountAuditByClass(ctx, cutoff); err != nil {
		return nil, eris.Wrap(err, "monitoring: count audit records")
	}
	return sum, nil
}
