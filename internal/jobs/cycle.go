package jobs

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/lotwatch/internal/diff"
	"github.com/sells-group/lotwatch/internal/merge"
	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/resilience"
	"github.com/sells-group/lotwatch/internal/resolve"
)

// Cycle runs diff, merge and resolve in order, each as its own run.
type Cycle struct {
	Runner   *Runner
	Diff     *diff.Engine
	Merge    *merge.Engine
	Resolver *resolve.Resolver
}

// CycleResult holds the reports of each stage that ran.
type CycleResult struct {
	Diff    *diff.Report    `json:"diff,omitempty"`
	Merge   *merge.Report   `json:"merge,omitempty"`
	Resolve *resolve.Report `json:"resolve,omitempty"`
	// DiffErr is set when the diff stage was skipped for lack of data.
	DiffErr string `json:"diff_error,omitempty"`
}

// Run executes one cycle. A diff that cannot run on the data it has (an
// integrity error) is recorded and the cycle carries on with merge and
// resolve; any other stage error stops the cycle.
func (c *Cycle) Run(ctx context.Context) (*CycleResult, error) {
	log := zap.L().With(zap.String("component", "jobs.cycle"))
	res := &CycleResult{}

	_, err := c.Runner.Run(ctx, model.JobDiff, c.DiffJob(res))
	var ie *resilience.IntegrityError
	switch {
	case errors.As(err, &ie):
		res.DiffErr = err.Error()
		log.Warn("diff skipped", zap.Error(err))
	case err != nil:
		return res, err
	}

	if _, err := c.Runner.Run(ctx, model.JobMerge, c.MergeJob(res)); err != nil {
		return res, err
	}
	if _, err := c.Runner.Run(ctx, model.JobResolve, c.ResolveJob(res)); err != nil {
		return res, err
	}
	return res, nil
}

// DiffJob diffs the two latest snapshots.
func (c *Cycle) DiffJob(res *CycleResult) Func {
	return func(ctx context.Context, _ string) (map[string]any, error) {
		rep, err := c.Diff.RunLatest(ctx)
		if rep == nil {
			return nil, err
		}
		res.Diff = rep
		return rep.Summary(), err
	}
}

// MergeJob merges pending staged records.
func (c *Cycle) MergeJob(res *CycleResult) Func {
	return func(ctx context.Context, runID string) (map[string]any, error) {
		rep, err := c.Merge.Run(ctx, runID)
		if rep == nil {
			return nil, err
		}
		res.Merge = rep
		return rep.Summary(), err
	}
}

// ResolveJob runs one resolver pass.
func (c *Cycle) ResolveJob(res *CycleResult) Func {
	return func(ctx context.Context, runID string) (map[string]any, error) {
		rep, err := c.Resolver.Run(ctx, runID)
		if rep == nil {
			return nil, err
		}
		res.Resolve = rep
		return rep.Summary(), err
	}
}
