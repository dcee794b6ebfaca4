// Package resolve infers auction outcomes from the event log. Rules are pure
// functions over a lot's evidence evaluated in priority order; outcomes are
// only ever written when they raise the lot's confidence.
package resolve

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lotwatch/internal/config"
	"github.com/sells-group/lotwatch/internal/events"
	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/resilience"
	"github.com/sells-group/lotwatch/internal/store"
)

// Report summarizes one resolver pass.
type Report struct {
	Evaluated     int                   `json:"evaluated"`
	Resolved      map[model.Outcome]int `json:"resolved"`
	Linked        int                   `json:"linked"`
	Unchanged     int                   `json:"unchanged"`
	Deferred      int                   `json:"deferred"`
	Errored       int                   `json:"errored"`
	ErrorsByClass map[string]int        `json:"errors_by_class"`
	Elapsed       time.Duration         `json:"elapsed"`
}

// Summary flattens the report for the run log.
func (r *Report) Summary() map[string]any {
	resolved := make(map[string]int, len(r.Resolved))
	for k, v := range r.Resolved {
		resolved[string(k)] = v
	}
	return map[string]any{
		"evaluated":       r.Evaluated,
		"resolved":        resolved,
		"linked":          r.Linked,
		"unchanged":       r.Unchanged,
		"deferred":        r.Deferred,
		"errored":         r.Errored,
		"errors_by_class": r.ErrorsByClass,
		"elapsed_ms":      r.Elapsed.Milliseconds(),
	}
}

// Resolver evaluates unresolved lots against the rule list.
type Resolver struct {
	st             store.Store
	rules          []Rule
	gracePeriod    time.Duration
	approvalWindow time.Duration
	batchSize      int
	now            func() time.Time
}

// New creates a Resolver with the default rules.
func New(st store.Store, cfg config.ResolverConfig) *Resolver {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 1000
	}
	return &Resolver{
		st:             st,
		rules:          DefaultRules,
		gracePeriod:    cfg.GracePeriod(),
		approvalWindow: cfg.ApprovalWindow(),
		batchSize:      batch,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the resolver's clock.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

type result int

const (
	resultUnchanged result = iota
	resultResolved
	resultDeferred
)

type lotResult struct {
	verdict *Verdict
	kind    result
	linked  bool
}

// Run evaluates every lot below maximum confidence. Each lot's writes run in
// their own transaction; a failing lot is audited and the pass continues.
func (r *Resolver) Run(ctx context.Context, runID string) (*Report, error) {
	start := time.Now()
	now := r.now()
	log := zap.L().With(zap.String("component", "resolve"), zap.String("run_id", runID))
	rep := &Report{Resolved: make(map[model.Outcome]int), ErrorsByClass: make(map[string]int)}

	var cursor int64
	for {
		lots, err := r.st.ListLots(ctx, store.LotFilter{Unresolved: true, AfterID: cursor, Limit: r.batchSize})
		if err != nil {
			return rep, eris.Wrap(err, "resolve: list lots")
		}
		for i := range lots {
			lot := lots[i]
			if lot.Terminal() {
				continue
			}
			rep.Evaluated++

			out, err := r.resolveLot(ctx, lot, now)
			if err != nil {
				class := resilience.Classify(err)
				if class == resilience.ClassTransient {
					return rep, eris.Wrapf(err, "resolve: lot %s", lot.ExternalLotID)
				}
				log.Warn("resolve: lot failed",
					zap.String("lot", lot.ExternalLotID),
					zap.String("class", class),
					zap.Error(err),
				)
				rep.Errored++
				rep.ErrorsByClass[class]++
				if aerr := r.audit(ctx, runID, lot, class, err); aerr != nil {
					return rep, aerr
				}
				continue
			}
			switch out.kind {
			case resultResolved:
				rep.Resolved[out.verdict.Outcome]++
				if out.linked {
					rep.Linked++
				}
			case resultDeferred:
				rep.Deferred++
			default:
				rep.Unchanged++
			}
		}
		if len(lots) < r.batchSize {
			break
		}
		cursor = lots[len(lots)-1].ID
	}
	rep.Elapsed = time.Since(start)

	log.Info("resolve complete",
		zap.Int("evaluated", rep.Evaluated),
		zap.Any("resolved", rep.Resolved),
		zap.Int("unchanged", rep.Unchanged),
		zap.Int("deferred", rep.Deferred),
		zap.Int("errored", rep.Errored),
		zap.Duration("elapsed", rep.Elapsed),
	)
	return rep, nil
}

// Evidence gathers the rule inputs for lot.
func (r *Resolver) Evidence(ctx context.Context, lot model.Lot, now time.Time) (Evidence, error) {
	lg := events.New(r.st)
	timeline, err := lg.ByLot(ctx, lot.ExternalLotID)
	if err != nil {
		return Evidence{}, err
	}
	var relists []model.Event
	if lot.VehicleID != "" {
		relists, err = lg.ByVehicle(ctx, lot.VehicleID, model.EventRelisted)
		if err != nil {
			return Evidence{}, err
		}
	}
	return Evidence{
		Lot:            lot,
		Events:         timeline,
		VehicleRelists: relists,
		Now:            now,
		GracePeriod:    r.gracePeriod,
		ApprovalWindow: r.approvalWindow,
	}, nil
}

func (r *Resolver) resolveLot(ctx context.Context, lot model.Lot, now time.Time) (lotResult, error) {
	ev, err := r.Evidence(ctx, lot, now)
	if err != nil {
		return lotResult{}, err
	}
	verdict := Evaluate(ev, r.rules)
	if verdict == nil || verdict.Confidence <= lot.OutcomeConfidence {
		return lotResult{verdict: verdict}, nil
	}

	out := lotResult{verdict: verdict, kind: resultResolved}
	err = r.st.InTx(ctx, func(tx store.Tx) error {
		var next *model.Lot
		if verdict.NextLotID != "" {
			var err error
			if next, err = tx.GetLotByExternalID(ctx, verdict.NextLotID); err != nil {
				return err
			}
			if next == nil {
				// The new attempt is not merged yet; retry next pass so the
				// chain link is never lost.
				out.kind = resultDeferred
				return nil
			}
		}

		ok, err := tx.UpdateLotOutcome(ctx, lot.ID, model.OutcomeUpdate{
			Outcome:    verdict.Outcome,
			Confidence: verdict.Confidence,
			ResolvedAt: now,
			Method:     verdict.Method,
			Reason:     verdict.Reason,
		})
		if err != nil {
			return err
		}
		if !ok {
			out.kind = resultUnchanged
			return nil
		}
		if next != nil {
			if out.linked, err = tx.LinkPreviousAttempt(ctx, next.ID, lot.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return lotResult{}, err
	}
	return out, nil
}

func (r *Resolver) audit(ctx context.Context, runID string, lot model.Lot, class string, cause error) error {
	err := r.st.InsertAudit(ctx, &model.AuditRecord{
		RunID:         runID,
		Job:           model.JobResolve,
		Class:         class,
		ExternalLotID: lot.ExternalLotID,
		Reason:        cause.Error(),
		Constraint:    resilience.ConstraintName(cause),
	})
	return eris.Wrapf(err, "resolve: audit lot %s", lot.ExternalLotID)
}
