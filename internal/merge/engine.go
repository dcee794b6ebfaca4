package merge

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/resilience"
	"github.com/sells-group/lotwatch/internal/store"
	"github.com/sells-group/lotwatch/internal/taxonomy"
	"github.com/sells-group/lotwatch/internal/vin"
)

// ReasonStale is audited for records older than the stored lot.
const ReasonStale = "stale source timestamp"

// Report summarizes one merge run.
type Report struct {
	Inserted      int            `json:"inserted"`
	Updated       int            `json:"updated"`
	Skipped       int            `json:"skipped"`
	Rejected      int            `json:"rejected"`
	Errored       int            `json:"errored"`
	ErrorsByClass map[string]int `json:"errors_by_class"`
	Batches       int            `json:"batches"`
	Elapsed       time.Duration  `json:"elapsed"`
}

func newReport() *Report {
	return &Report{ErrorsByClass: make(map[string]int)}
}

func (r *Report) add(o *Report) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.Rejected += o.Rejected
	r.Errored += o.Errored
	for k, v := range o.ErrorsByClass {
		r.ErrorsByClass[k] += v
	}
	r.Batches++
}

// Processed is the number of records the run settled.
func (r *Report) Processed() int {
	return r.Inserted + r.Updated + r.Skipped + r.Rejected + r.Errored
}

// Summary flattens the report for the run log.
func (r *Report) Summary() map[string]any {
	return map[string]any{
		"inserted":        r.Inserted,
		"updated":         r.Updated,
		"skipped":         r.Skipped,
		"rejected":        r.Rejected,
		"errored":         r.Errored,
		"errors_by_class": r.ErrorsByClass,
		"batches":         r.Batches,
		"elapsed_ms":      r.Elapsed.Milliseconds(),
	}
}

type action int

const (
	actionInserted action = iota
	actionUpdated
	actionUnchanged
	actionStale
)

// Engine merges pending staged records in bounded batches.
type Engine struct {
	st        store.Store
	status    *taxonomy.Table
	batchSize int
}

// NewEngine creates an Engine. status may be nil.
func NewEngine(st store.Store, status *taxonomy.Table, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Engine{st: st, status: status, batchSize: batchSize}
}

// Run merges every pending record. Each batch commits in one transaction and
// each record in it runs in its own savepoint, so a failing record is rolled
// back, audited and marked errored while the rest of the batch commits.
// Transient store errors abort the run.
func (e *Engine) Run(ctx context.Context, runID string) (*Report, error) {
	start := time.Now()
	log := zap.L().With(zap.String("component", "merge"), zap.String("run_id", runID))
	rep := newReport()

	var cursor int64
	for {
		recs, err := e.st.ListPendingRecords(ctx, cursor, e.batchSize)
		if err != nil {
			return rep, eris.Wrap(err, "merge: list pending records")
		}
		if len(recs) == 0 {
			break
		}

		batch := newReport()
		err = e.st.InTx(ctx, func(tx store.Tx) error {
			for i := range recs {
				if err := e.process(ctx, tx, recs[i], runID, batch); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			rep.Elapsed = time.Since(start)
			return rep, eris.Wrapf(err, "merge: batch after record %d", cursor)
		}
		rep.add(batch)
		cursor = recs[len(recs)-1].ID

		log.Debug("batch merged",
			zap.Int("records", len(recs)),
			zap.Int64("cursor", cursor),
		)
		if len(recs) < e.batchSize {
			break
		}
	}
	rep.Elapsed = time.Since(start)

	log.Info("merge complete",
		zap.Int("inserted", rep.Inserted),
		zap.Int("updated", rep.Updated),
		zap.Int("skipped", rep.Skipped),
		zap.Int("rejected", rep.Rejected),
		zap.Int("errored", rep.Errored),
		zap.Any("errors_by_class", rep.ErrorsByClass),
		zap.Duration("elapsed", rep.Elapsed),
	)
	return rep, nil
}

func (e *Engine) process(ctx context.Context, tx store.Tx, rec model.StagedRecord, runID string, rep *Report) error {
	id := vin.Validate(rec.VehicleIDRaw)
	if !id.Valid() {
		verr := &resilience.ValidationError{Reason: "vehicle identifier " + id.Reason, Value: rec.VehicleIDRaw}
		if err := tx.MarkRecordRejected(ctx, rec.ID, id.Reason); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, rec, runID, verr); err != nil {
			return err
		}
		rep.Rejected++
		rep.ErrorsByClass[resilience.ClassValidation]++
		return nil
	}

	var act action
	err := tx.Savepoint(ctx, func(sp store.Tx) error {
		var err error
		act, err = e.apply(ctx, sp, rec, id)
		return err
	})
	if err != nil {
		err = resilience.AsConflict(err)
		class := resilience.Classify(err)
		if class == resilience.ClassTransient {
			return err
		}
		zap.L().Warn("merge: record rolled back",
			zap.Int64("record_id", rec.ID),
			zap.String("lot", rec.ExternalLotID),
			zap.String("class", class),
			zap.Error(err),
		)
		if err := tx.MarkRecordErrored(ctx, rec.ID, err.Error()); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, rec, runID, err); err != nil {
			return err
		}
		rep.Errored++
		rep.ErrorsByClass[class]++
		return nil
	}

	switch act {
	case actionInserted:
		rep.Inserted++
	case actionUpdated:
		rep.Updated++
	case actionUnchanged:
		rep.Skipped++
	case actionStale:
		rep.Skipped++
		rep.ErrorsByClass[resilience.ClassConflict]++
		return e.audit(ctx, tx, rec, runID, &resilience.ConflictError{Reason: ReasonStale})
	}
	return nil
}

// apply runs the vehicle and lot upsert for one valid record.
func (e *Engine) apply(ctx context.Context, q store.Tx, rec model.StagedRecord, id vin.Result) (action, error) {
	existing, err := q.GetLotByExternalID(ctx, rec.ExternalLotID)
	if err != nil {
		return 0, err
	}
	if existing != nil && !rec.SourceTimestamp.After(existing.SourceTimestamp) {
		if err := q.MarkRecordProcessed(ctx, rec.ID, rec.SourceTimestamp); err != nil {
			return 0, err
		}
		if rec.SourceTimestamp.Equal(existing.SourceTimestamp) {
			return actionUnchanged, nil
		}
		return actionStale, nil
	}

	if err := e.ensureVehicle(ctx, q, VehicleFromRecord(rec, id)); err != nil {
		return 0, err
	}

	merged, _ := MergeLot(existing, LotFromRecord(rec, id.Canonical, e.status))
	act := actionUpdated
	if existing == nil {
		act = actionInserted
		err = q.InsertLot(ctx, &merged)
	} else {
		err = q.UpdateLot(ctx, &merged)
	}
	if err != nil {
		return 0, err
	}
	if err := q.MarkRecordProcessed(ctx, rec.ID, rec.SourceTimestamp); err != nil {
		return 0, err
	}
	return act, nil
}

func (e *Engine) ensureVehicle(ctx context.Context, q store.Tx, incoming model.Vehicle) error {
	existing, err := q.GetVehicle(ctx, incoming.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return q.InsertVehicle(ctx, &incoming)
	}
	merged, changed := MergeVehicle(*existing, incoming)
	if !changed {
		return nil
	}
	return q.UpdateVehicle(ctx, &merged)
}

func (e *Engine) audit(ctx context.Context, q store.Querier, rec model.StagedRecord, runID string, cause error) error {
	recordID := rec.ID
	return q.InsertAudit(ctx, &model.AuditRecord{
		RunID:         runID,
		Job:           model.JobMerge,
		Class:         resilience.Classify(cause),
		RecordID:      &recordID,
		ExternalLotID: rec.ExternalLotID,
		Reason:        cause.Error(),
		Constraint:    resilience.ConstraintName(cause),
	})
}
