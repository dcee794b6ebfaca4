// Package jobs records batch job executions in the run log and sequences the
// ingestion cycle.
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/resilience"
	"github.com/sells-group/lotwatch/internal/store"
)

// Func is one job body. It returns the structured summary to record, which
// may be partial when err is set.
type Func func(ctx context.Context, runID string) (map[string]any, error)

// Runner executes jobs and records each one as a run row.
type Runner struct {
	st    store.Store
	newID func() string
}

// NewRunner creates a Runner backed by st.
func NewRunner(st store.Store) *Runner {
	return &Runner{st: st, newID: uuid.NewString}
}

// Run starts a run for job, executes fn and completes or fails the run with
// fn's summary. fn's error is returned unchanged so callers can classify it.
func (r *Runner) Run(ctx context.Context, job string, fn Func) (*model.Run, error) {
	run := &model.Run{ID: r.newID(), Job: job, StartedAt: time.Now().UTC()}
	log := zap.L().With(zap.String("component", "jobs"), zap.String("job", job), zap.String("run_id", run.ID))

	if err := r.st.StartRun(ctx, run); err != nil {
		return nil, eris.Wrapf(err, "jobs: start %s run", job)
	}

	summary, jobErr := fn(ctx, run.ID)
	if summary == nil {
		summary = make(map[string]any)
	}
	elapsed := time.Since(run.StartedAt)
	if _, ok := summary["elapsed_ms"]; !ok {
		summary["elapsed_ms"] = elapsed.Milliseconds()
	}
	run.Summary = summary
	completed := time.Now().UTC()
	run.CompletedAt = &completed

	if jobErr != nil {
		class := resilience.Classify(jobErr)
		summary["error_class"] = class
		run.Status = model.RunStatusFailed
		run.Error = jobErr.Error()
		if err := r.st.FailRun(ctx, run.ID, summary, run.Error); err != nil {
			log.Error("jobs: record failed run", zap.Error(err))
		}
		log.Error("job failed",
			zap.String("class", class),
			zap.Duration("elapsed", elapsed),
			zap.Error(jobErr),
		)
		return run, jobErr
	}

	if err := r.st.CompleteRun(ctx, run.ID, summary); err != nil {
		return run, eris.Wrapf(err, "jobs: complete %s run", job)
	}
	run.Status = model.RunStatusComplete
	log.Info("job complete",
		zap.Duration("elapsed", elapsed),
		zap.Any("summary", summary),
	)
	return run, nil
}
