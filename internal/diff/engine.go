package diff

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lotwatch/internal/events"
	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/resilience"
	"github.com/sells-group/lotwatch/internal/store"
	"github.com/sells-group/lotwatch/internal/taxonomy"
)

// Report summarizes one diff run.
type Report struct {
	PrevSnapshotID int64          `json:"prev_snapshot_id"`
	CurrSnapshotID int64          `json:"curr_snapshot_id"`
	Appeared       int            `json:"appeared"`
	Disappeared    int            `json:"disappeared"`
	Common         int            `json:"common"`
	ByType         map[string]int `json:"by_type"`
	Inserted       int            `json:"inserted"`
	Skipped        int            `json:"skipped"`
	LateRelists    int            `json:"late_relists"`
	Elapsed        time.Duration  `json:"elapsed"`
}

// Summary flattens the report for the run log.
func (r *Report) Summary() map[string]any {
	return map[string]any{
		"prev_snapshot_id": r.PrevSnapshotID,
		"curr_snapshot_id": r.CurrSnapshotID,
		"appeared":         r.Appeared,
		"disappeared":      r.Disappeared,
		"common":           r.Common,
		"by_type":          r.ByType,
		"inserted":         r.Inserted,
		"skipped":          r.Skipped,
		"late_relists":     r.LateRelists,
		"elapsed_ms":       r.Elapsed.Milliseconds(),
	}
}

// Engine diffs stored snapshots and appends the resulting events.
type Engine struct {
	st     store.Store
	status *taxonomy.Table
}

// NewEngine creates an Engine. status may be nil.
func NewEngine(st store.Store, status *taxonomy.Table) *Engine {
	return &Engine{st: st, status: status}
}

// RunLatest diffs the two most recent snapshots.
func (e *Engine) RunLatest(ctx context.Context) (*Report, error) {
	snaps, err := e.st.ListRecentSnapshots(ctx, 2)
	if err != nil {
		return nil, eris.Wrap(err, "diff: list snapshots")
	}
	if len(snaps) < 2 {
		return nil, &resilience.IntegrityError{Reason: fmt.Sprintf("need two snapshots to diff, have %d", len(snaps))}
	}
	return e.Run(ctx, snaps[1].ID, snaps[0].ID)
}

// Run diffs snapshot prevID against currID. Rerunning a pair appends nothing
// new.
func (e *Engine) Run(ctx context.Context, prevID, currID int64) (*Report, error) {
	start := time.Now()
	log := zap.L().With(zap.String("component", "diff"),
		zap.Int64("prev_snapshot_id", prevID), zap.Int64("curr_snapshot_id", currID))

	prev, curr, err := e.load(ctx, prevID, currID)
	if err != nil {
		return nil, err
	}
	if !curr.Snapshot.CapturedAt.After(prev.Snapshot.CapturedAt) {
		return nil, &resilience.IntegrityError{Reason: fmt.Sprintf(
			"snapshot %d is not newer than snapshot %d", currID, prevID)}
	}

	res := Compute(prev, curr, e.status)

	late, err := e.lateRelists(ctx, prev, curr, res)
	if err != nil {
		return nil, err
	}
	all := append(res.Events, late...)
	SortEvents(all)

	report := &Report{
		PrevSnapshotID: prevID,
		CurrSnapshotID: currID,
		Appeared:       len(res.Appeared),
		Disappeared:    len(res.Disappeared),
		Common:         len(res.Common),
		ByType:         make(map[string]int),
		LateRelists:    len(late),
	}
	for _, ev := range all {
		report.ByType[string(ev.Type)]++
	}

	err = e.st.InTx(ctx, func(tx store.Tx) error {
		out, err := events.New(tx).Append(ctx, all)
		report.Inserted, report.Skipped = out.Inserted, out.Skipped
		return err
	})
	if err != nil {
		return nil, eris.Wrap(err, "diff: append events")
	}
	report.Elapsed = time.Since(start)

	log.Info("diff complete",
		zap.Int("appeared", report.Appeared),
		zap.Int("disappeared", report.Disappeared),
		zap.Int("common", report.Common),
		zap.Int("inserted", report.Inserted),
		zap.Int("skipped", report.Skipped),
		zap.Int("late_relists", report.LateRelists),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

func (e *Engine) load(ctx context.Context, prevID, currID int64) (Side, Side, error) {
	if prevID == currID {
		return Side{}, Side{}, &resilience.IntegrityError{Reason: fmt.Sprintf("cannot diff snapshot %d against itself", prevID)}
	}
	var prev, curr Side
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.loadSide(gctx, prevID, &prev) })
	g.Go(func() error { return e.loadSide(gctx, currID, &curr) })
	if err := g.Wait(); err != nil {
		return Side{}, Side{}, err
	}
	return prev, curr, nil
}

func (e *Engine) loadSide(ctx context.Context, id int64, side *Side) error {
	snap, err := e.st.GetSnapshot(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "diff: load snapshot %d", id)
	}
	if snap == nil {
		return &resilience.IntegrityError{Reason: fmt.Sprintf("snapshot %d not found", id)}
	}
	recs, err := e.st.ListStagedRecords(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "diff: load records for snapshot %d", id)
	}
	side.Snapshot = *snap
	side.Records = recs
	return nil
}

// lateRelists links lots that appeared in this pair to lots of the same
// vehicle that disappeared in an earlier pair and were never relisted.
// Disappearances recorded after prev was captured are ignored so that
// rerunning an old pair adds nothing and relists never point back in time.
func (e *Engine) lateRelists(ctx context.Context, prev, curr Side, res Result) ([]model.Event, error) {
	if len(res.Appeared) == 0 {
		return nil, nil
	}
	cm := latestByLot(curr.Records)
	em := emitter{prev: prev.Snapshot, curr: curr.Snapshot, status: e.status}
	log := events.New(e.st)

	claimed := make(map[string]bool)
	for _, ev := range res.Events {
		if ev.Type == model.EventRelisted {
			claimed[ev.ExternalLotID] = true
		}
	}

	var out []model.Event
	for _, lot := range res.Appeared { // sorted, so the smallest id claims first
		rec := cm[lot]
		vid := VehicleID(rec.VehicleIDRaw)
		if vid == "" {
			continue
		}
		gone, err := log.ByVehicle(ctx, vid, model.EventDisappeared)
		if err != nil {
			return nil, eris.Wrap(err, "diff: late relist lookup")
		}
		sort.SliceStable(gone, func(i, j int) bool { return gone[i].ExternalLotID < gone[j].ExternalLotID })
		for _, d := range gone {
			old := d.ExternalLotID
			if d.CreatedAt.After(prev.Snapshot.CapturedAt) {
				continue
			}
			if old == lot || claimed[old] {
				continue
			}
			if _, listed := cm[old]; listed {
				continue
			}
			relisted, err := log.Query(ctx, store.EventFilter{LotID: old, Types: []model.EventType{model.EventRelisted}, Limit: 1})
			if err != nil {
				return nil, eris.Wrap(err, "diff: late relist lookup")
			}
			if len(relisted) > 0 {
				claimed[old] = true
				continue
			}
			claimed[old] = true
			ev := em.event(model.EventRelisted, rec, model.EventPayload{
				Before:       d.Payload.Before,
				After:        em.view(rec),
				RelatedLotID: lot,
			})
			ev.ExternalLotID = old
			out = append(out, ev)
		}
	}
	return out, nil
}
