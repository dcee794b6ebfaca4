package merge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/resilience"
	"github.com/sells-group/lotwatch/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const vehicleA = "1FTEW1EG7GFA12345"

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "merge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

type row struct {
	lot, vehicle string
	ts           time.Time
	fields       model.FieldBag
}

func stage(t *testing.T, st store.Store, at time.Time, rows ...row) []int64 {
	t.Helper()
	ctx := context.Background()
	snap := &model.Snapshot{CapturedAt: at, RowCount: len(rows), Fingerprint: at.String()}
	require.NoError(t, st.CreateSnapshot(ctx, snap))

	recs := make([]model.StagedRecord, len(rows))
	for i, r := range rows {
		recs[i] = model.StagedRecord{
			SnapshotID:      snap.ID,
			RowNumber:       i + 1,
			ExternalLotID:   r.lot,
			VehicleIDRaw:    r.vehicle,
			Fields:          r.fields,
			SourceTimestamp: r.ts,
			CapturedAt:      at,
		}
	}
	_, err := st.InsertStagedRecords(ctx, recs)
	require.NoError(t, err)

	staged, err := st.ListStagedRecords(ctx, snap.ID)
	require.NoError(t, err)
	ids := make([]int64, len(staged))
	for i, r := range staged {
		ids[i] = r.ID
	}
	return ids
}

func getLot(t *testing.T, st store.Store, ext string) *model.Lot {
	t.Helper()
	l, err := st.GetLotByExternalID(context.Background(), ext)
	require.NoError(t, err)
	require.NotNil(t, l, "lot %s", ext)
	return l
}

func TestEngine_MergesAcrossBatches(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	stage(t, st, t0,
		row{"1", vehicleA, t0, model.FieldBag{"current_bid": "100", "make": "Ford"}},
		row{"2", "AB", t0, model.FieldBag{"current_bid": "200"}},
		row{"3", "2T1BURHE0JC012345", t0, model.FieldBag{"current_bid": "300"}},
	)

	rep, err := NewEngine(st, nil, 2).Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Inserted)
	assert.Equal(t, 1, rep.Rejected)
	assert.Equal(t, 1, rep.ErrorsByClass[resilience.ClassValidation])
	assert.Equal(t, 2, rep.Batches)
	assert.Equal(t, 3, rep.Processed())

	assert.Equal(t, 100.0, *getLot(t, st, "1").CurrentBid)
	assert.Equal(t, "2T1BURHE0JC012345", getLot(t, st, "3").VehicleID)
	missing, err := st.GetLotByExternalID(ctx, "2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	v, err := st.GetVehicle(ctx, vehicleA)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "Ford", v.Make)

	pending, err := st.CountPendingRecords(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	audits, err := st.CountAuditByClass(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), audits[resilience.ClassValidation])

	again, err := NewEngine(st, nil, 2).Run(ctx, "run-2")
	require.NoError(t, err)
	assert.Zero(t, again.Processed())
}

func TestEngine_SameTimestampIsNoop(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	eng := NewEngine(st, nil, 10)

	stage(t, st, t0, row{"1", vehicleA, t0, model.FieldBag{"current_bid": "100"}})
	_, err := eng.Run(ctx, "")
	require.NoError(t, err)
	before := getLot(t, st, "1")

	stage(t, st, t0.Add(time.Hour), row{"1", vehicleA, t0, model.FieldBag{"current_bid": "999"}})
	rep, err := eng.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, rep.Updated)
	assert.Empty(t, rep.ErrorsByClass)

	after := getLot(t, st, "1")
	assert.Equal(t, 100.0, *after.CurrentBid)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
}

func TestEngine_StaleNeverOverwrites(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	eng := NewEngine(st, nil, 10)

	stage(t, st, t0, row{"1", vehicleA, t0.Add(time.Hour), model.FieldBag{"current_bid": "500", "location": "Dallas"}})
	_, err := eng.Run(ctx, "")
	require.NoError(t, err)

	stage(t, st, t0.Add(2*time.Hour), row{"1", vehicleA, t0, model.FieldBag{"current_bid": "1", "location": "Austin"}})
	rep, err := eng.Run(ctx, "run-stale")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 1, rep.ErrorsByClass[resilience.ClassConflict])

	lot := getLot(t, st, "1")
	assert.Equal(t, 500.0, *lot.CurrentBid)
	assert.Equal(t, "Dallas", lot.Location)
	assert.True(t, lot.SourceTimestamp.Equal(t0.Add(time.Hour)))

	audits, err := st.CountAuditByClass(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), audits[resilience.ClassConflict])
}

func TestEngine_NewerMergesNonDestructively(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	eng := NewEngine(st, nil, 10)

	stage(t, st, t0, row{"1", vehicleA, t0, model.FieldBag{"current_bid": "100", "location": "Dallas", "make": "Ford"}})
	_, err := eng.Run(ctx, "")
	require.NoError(t, err)

	stage(t, st, t0.Add(time.Hour), row{"1", vehicleA, t0.Add(time.Hour), model.FieldBag{"current_bid": "150", "make": "Lincoln", "color": "Red"}})
	rep, err := eng.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Updated)

	lot := getLot(t, st, "1")
	assert.Equal(t, 150.0, *lot.CurrentBid)
	assert.Equal(t, "Dallas", lot.Location)

	v, err := st.GetVehicle(ctx, vehicleA)
	require.NoError(t, err)
	assert.Equal(t, "Ford", v.Make)
	assert.Equal(t, "Red", v.Color)
}

// faultyStore fails InsertLot for one lot with a unique violation.
type faultyStore struct {
	store.Store
	failLot string
}

func (f faultyStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(faultyTx{Tx: tx, failLot: f.failLot})
	})
}

type faultyTx struct {
	store.Tx
	failLot string
}

func (f faultyTx) Savepoint(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Tx.Savepoint(ctx, func(tx store.Tx) error {
		return fn(faultyTx{Tx: tx, failLot: f.failLot})
	})
}

func (f faultyTx) InsertLot(ctx context.Context, l *model.Lot) error {
	if l.ExternalLotID == f.failLot {
		return eris.New("sqlite: insert lot: UNIQUE constraint failed: lots.external_lot_id")
	}
	return f.Tx.InsertLot(ctx, l)
}

func TestEngine_ConflictRollsBackOnlyThatRecord(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ids := stage(t, st, t0,
		row{"1", vehicleA, t0, nil},
		row{"bad", "3VWDX7AJ5DM123456", t0, model.FieldBag{"make": "VW"}},
		row{"3", "2T1BURHE0JC012345", t0, nil},
	)

	rep, err := NewEngine(faultyStore{Store: st, failLot: "bad"}, nil, 10).Run(ctx, "run-c")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Inserted)
	assert.Equal(t, 1, rep.Errored)
	assert.Equal(t, 1, rep.ErrorsByClass[resilience.ClassConflict])

	// The vehicle written before the failing insert was rolled back with it.
	v, err := st.GetVehicle(ctx, "3VWDX7AJ5DM123456")
	require.NoError(t, err)
	assert.Nil(t, v)

	recs, err := st.ListPendingRecords(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ids[1], recs[0].ID)
	assert.Equal(t, model.RecordErrored, recs[0].Status)

	// The errored record is retried next run.
	rep, err = NewEngine(st, nil, 10).Run(ctx, "run-d")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Inserted)
	assert.Equal(t, "3VWDX7AJ5DM123456", getLot(t, st, "bad").VehicleID)
}

func TestReport_Summary(t *testing.T) {
	rep := newReport()
	rep.add(&Report{Inserted: 2, ErrorsByClass: map[string]int{"conflict": 1}})
	rep.add(&Report{Updated: 1, ErrorsByClass: map[string]int{"conflict": 2}})

	sum := rep.Summary()
	assert.Equal(t, 2, sum["inserted"])
	assert.Equal(t, 1, sum["updated"])
	assert.Equal(t, 2, sum["batches"])
	assert.Equal(t, map[string]int{"conflict": 3}, sum["errors_by_class"])
}
