// Package retention prunes old snapshots and their staged rows. Events and
// the canonical lot and vehicle tables are never pruned.
package retention

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lotwatch/internal/config"
	"github.com/sells-group/lotwatch/internal/store"
)

// Report summarizes one prune.
type Report struct {
	Cutoff  time.Time     `json:"cutoff"`
	Keep    int           `json:"keep"`
	Deleted int64         `json:"deleted"`
	Clamped bool          `json:"clamped"`
	Elapsed time.Duration `json:"elapsed"`
}

// Summary returns the counts recorded on the prune run.
func (r *Report) Summary() map[string]any {
	return map[string]any{
		"cutoff":     r.Cutoff,
		"keep":       r.Keep,
		"deleted":    r.Deleted,
		"clamped":    r.Clamped,
		"elapsed_ms": r.Elapsed.Milliseconds(),
	}
}

// Pruner deletes snapshots older than the retention window.
type Pruner struct {
	st   store.Store
	days int
	keep int
	now  func() time.Time
}

// NewPruner creates a Pruner from the retention config.
func NewPruner(st store.Store, cfg config.RetentionConfig) *Pruner {
	days, keep := cfg.SnapshotDays, cfg.KeepMin
	if days <= 0 {
		days = 30
	}
	if keep < 2 {
		keep = 2
	}
	return &Pruner{st: st, days: days, keep: keep, now: func() time.Time { return time.Now().UTC() }}
}

// Run deletes snapshots captured before the cutoff, keeping the newest keep
// snapshots. The cutoff never passes the oldest snapshot that still has
// records waiting to be merged.
func (p *Pruner) Run(ctx context.Context) (*Report, error) {
	log := zap.L().With(zap.String("component", "retention"))
	start := time.Now()

	rep := &Report{Cutoff: p.now().AddDate(0, 0, -p.days), Keep: p.keep}

	pending, err := p.st.ListPendingRecords(ctx, 0, 1)
	if err != nil {
		return nil, eris.Wrap(err, "retention: oldest pending record")
	}
	if len(pending) > 0 && pending[0].CapturedAt.Before(rep.Cutoff) {
		rep.Cutoff = pending[0].CapturedAt
		rep.Clamped = true
		log.Warn("cutoff clamped to unmerged snapshot",
			zap.Int64("snapshot_id", pending[0].SnapshotID),
			zap.Time("cutoff", rep.Cutoff),
		)
	}

	if rep.Deleted, err = p.st.DeleteSnapshotsBefore(ctx, rep.Cutoff, p.keep); err != nil {
		return nil, eris.Wrap(err, "retention: delete snapshots")
	}
	rep.Elapsed = time.Since(start)

	log.Info("prune complete",
		zap.Time("cutoff", rep.Cutoff),
		zap.Int64("deleted", rep.Deleted),
		zap.Int("keep", rep.Keep),
	)
	return rep, nil
}
