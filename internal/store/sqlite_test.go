package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func seedSnapshot(t *testing.T, st Store, at time.Time, lots ...string) int64 {
	t.Helper()
	ctx := context.Background()
	snap := &model.Snapshot{CapturedAt: at, RowCount: len(lots), Fingerprint: at.String()}
	require.NoError(t, st.CreateSnapshot(ctx, snap))

	var recs []model.StagedRecord
	for i, lot := range lots {
		recs = append(recs, model.StagedRecord{
			SnapshotID:      snap.ID,
			RowNumber:       i + 1,
			ExternalLotID:   lot,
			VehicleIDRaw:    "1FTEW1EG7GFA12345",
			Fields:          model.FieldBag{"current_bid": "100"},
			SourceTimestamp: at,
			CapturedAt:      at,
		})
	}
	n, err := st.InsertStagedRecords(ctx, recs)
	require.NoError(t, err)
	require.Equal(t, int64(len(lots)), n)
	return snap.ID
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestSQLite_Snapshots(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first := seedSnapshot(t, st, t0, "1", "2")
	second := seedSnapshot(t, st, t0.Add(time.Hour), "2", "3")

	recent, err := st.ListRecentSnapshots(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, second, recent[0].ID)
	assert.Equal(t, first, recent[1].ID)
	assert.True(t, recent[0].CapturedAt.Equal(t0.Add(time.Hour)))

	got, err := st.GetSnapshot(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.RowCount)

	missing, err := st.GetSnapshot(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)

	recs, err := st.ListStagedRecords(ctx, second)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "2", recs[0].ExternalLotID)
	assert.Equal(t, "100", recs[0].Fields["current_bid"])
	assert.Equal(t, model.RecordPending, recs[0].Status)
	assert.True(t, recs[0].SourceTimestamp.Equal(t0.Add(time.Hour)))
}

func TestSQLite_PendingLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedSnapshot(t, st, t0, "1", "2", "3")

	pending, err := st.ListPendingRecords(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	require.NoError(t, st.MarkRecordProcessed(ctx, pending[0].ID, t0))
	require.NoError(t, st.MarkRecordRejected(ctx, pending[1].ID, "too_short"))
	require.NoError(t, st.MarkRecordErrored(ctx, pending[2].ID, "conflict"))

	n, err := st.CountPendingRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "errored records stay eligible")

	again, err := st.ListPendingRecords(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, model.RecordErrored, again[0].Status)

	after, err := st.ListPendingRecords(ctx, again[0].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, after)

	recs, err := st.ListStagedRecords(ctx, pending[0].SnapshotID)
	require.NoError(t, err)
	require.NotNil(t, recs[0].ProcessedSourceTS)
	assert.True(t, recs[0].ProcessedSourceTS.Equal(t0))
	assert.Equal(t, "too_short", recs[1].RejectReason)
}

func TestSQLite_EventsAppendOnly(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ev := &model.Event{
		Type:           model.EventDisappeared,
		ExternalLotID:  "12345",
		VehicleID:      ptr("1FTEW1EG7GFA12345"),
		Payload:        model.EventPayload{Before: map[string]string{"status": "live"}},
		CurrSnapshotID: 2,
		PrevSnapshotID: 1,
		CreatedAt:      t0,
	}
	inserted, err := st.InsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotZero(t, ev.ID)

	exists, err := st.EventExists(ctx, ev.Key())
	require.NoError(t, err)
	assert.True(t, exists)

	dup := *ev
	dup.ID = 0
	inserted, err = st.InsertEvent(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	other := &model.Event{Type: model.EventAppeared, ExternalLotID: "67890", CurrSnapshotID: 2, PrevSnapshotID: 1, CreatedAt: t0.Add(time.Minute)}
	_, err = st.InsertEvent(ctx, other)
	require.NoError(t, err)

	byLot, err := st.QueryEvents(ctx, EventFilter{LotID: "12345"})
	require.NoError(t, err)
	require.Len(t, byLot, 1)
	assert.Equal(t, "live", byLot[0].Payload.Before["status"])
	require.NotNil(t, byLot[0].VehicleID)

	byType, err := st.QueryEvents(ctx, EventFilter{Types: []model.EventType{model.EventAppeared}})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Nil(t, byType[0].VehicleID)

	since := t0.Add(30 * time.Second)
	recent, err := st.QueryEvents(ctx, EventFilter{Since: &since})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "67890", recent[0].ExternalLotID)

	newest, err := st.QueryEvents(ctx, EventFilter{Newest: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, "67890", newest[0].ExternalLotID)
}

func insertLot(t *testing.T, q Querier, ext string) *model.Lot {
	t.Helper()
	ctx := context.Background()
	v, err := q.GetVehicle(ctx, "1FTEW1EG7GFA12345")
	require.NoError(t, err)
	if v == nil {
		require.NoError(t, q.InsertVehicle(ctx, &model.Vehicle{ID: "1FTEW1EG7GFA12345", Kind: model.VehicleKindVIN, Make: "FORD"}))
	}
	lot := &model.Lot{
		ExternalLotID:   ext,
		VehicleID:       "1FTEW1EG7GFA12345",
		SourceTimestamp: t0,
		AuctionAt:       ptr(t0.Add(-time.Hour)),
		CurrentBid:      ptr(1500.0),
		Status:          "live",
	}
	require.NoError(t, q.InsertLot(ctx, lot))
	return lot
}

func TestSQLite_LotRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	lot := insertLot(t, st, "12345")

	got, err := st.GetLotByExternalID(ctx, "12345")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, lot.ID, got.ID)
	assert.Equal(t, model.OutcomeUnknown, got.Outcome)
	require.NotNil(t, got.CurrentBid)
	assert.InDelta(t, 1500.0, *got.CurrentBid, 0.001)
	assert.Nil(t, got.ReservePrice)
	assert.True(t, got.AuctionAt.Equal(t0.Add(-time.Hour)))

	got.CurrentBid = ptr(1750.0)
	got.SourceTimestamp = t0.Add(time.Hour)
	require.NoError(t, st.UpdateLot(ctx, got))

	again, err := st.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1750.0, *again.CurrentBid, 0.001)
	assert.True(t, again.SourceTimestamp.Equal(t0.Add(time.Hour)))

	none, err := st.GetLotByExternalID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, none)

	v, err := st.GetVehicle(ctx, "1FTEW1EG7GFA12345")
	require.NoError(t, err)
	assert.Equal(t, "FORD", v.Make)
	assert.Nil(t, v.Year)
	v.Year = ptr(2016)
	require.NoError(t, st.UpdateVehicle(ctx, v))
	v, err = st.GetVehicle(ctx, "1FTEW1EG7GFA12345")
	require.NoError(t, err)
	require.NotNil(t, v.Year)
	assert.Equal(t, 2016, *v.Year)
}

func TestSQLite_UniqueLotConflictClassified(t *testing.T) {
	st := newTestSQLiteStore(t)
	insertLot(t, st, "12345")

	dup := &model.Lot{ExternalLotID: "12345", VehicleID: "1FTEW1EG7GFA12345", SourceTimestamp: t0}
	err := st.InsertLot(context.Background(), dup)
	require.Error(t, err)
	assert.Equal(t, resilience.ClassConflict, resilience.Classify(err))
}

func TestSQLite_OutcomeMonotone(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	lot := insertLot(t, st, "12345")

	ok, err := st.UpdateLotOutcome(ctx, lot.ID, model.OutcomeUpdate{
		Outcome: model.OutcomeSold, Confidence: 0.85, ResolvedAt: t0, Method: "disappearance", Reason: "gone",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.UpdateLotOutcome(ctx, lot.ID, model.OutcomeUpdate{
		Outcome: model.OutcomeOnApproval, Confidence: 0.60, ResolvedAt: t0, Method: "on_approval",
	})
	require.NoError(t, err)
	assert.False(t, ok, "lower confidence must not overwrite")

	ok, err = st.UpdateLotOutcome(ctx, lot.ID, model.OutcomeUpdate{
		Outcome: model.OutcomeSold, Confidence: 0.85, ResolvedAt: t0.Add(time.Hour), Method: "disappearance",
	})
	require.NoError(t, err)
	assert.False(t, ok, "equal confidence is not an increase")

	got, err := st.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSold, got.Outcome)
	assert.InDelta(t, 0.85, got.OutcomeConfidence, 1e-9)
	assert.Equal(t, "gone", got.OutcomeReason)
	assert.True(t, got.OutcomeResolvedAt.Equal(t0))

	unresolved, err := st.ListLots(ctx, LotFilter{Unresolved: true})
	require.NoError(t, err)
	assert.Len(t, unresolved, 1, "0.85 is below terminal confidence")

	counts, err := st.CountLotsByOutcome(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.OutcomeSold])
}

func TestSQLite_LinkPreviousAttemptOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	old := insertLot(t, st, "12345")
	relist := insertLot(t, st, "67890")

	ok, err := st.LinkPreviousAttempt(ctx, relist.ID, old.ID, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.LinkPreviousAttempt(ctx, relist.ID, old.ID, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetLot(ctx, relist.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RelistCount)
	require.NotNil(t, got.PreviousAttemptID)
	assert.Equal(t, old.ID, *got.PreviousAttemptID)

	lots, err := st.ListLots(ctx, LotFilter{VehicleID: "1FTEW1EG7GFA12345"})
	require.NoError(t, err)
	assert.Len(t, lots, 2)
}

func TestSQLite_SavepointRollsBackAlone(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.InTx(ctx, func(tx Tx) error {
		insertLot(t, tx, "keep")
		spErr := tx.Savepoint(ctx, func(sp Tx) error {
			insertLot(t, sp, "drop")
			return errors.New("boom")
		})
		assert.EqualError(t, spErr, "boom")
		return nil
	})
	require.NoError(t, err)

	keep, err := st.GetLotByExternalID(ctx, "keep")
	require.NoError(t, err)
	assert.NotNil(t, keep)
	drop, err := st.GetLotByExternalID(ctx, "drop")
	require.NoError(t, err)
	assert.Nil(t, drop)
}

func TestSQLite_InTxRollback(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.InTx(ctx, func(tx Tx) error {
		insertLot(t, tx, "gone")
		return errors.New("abort")
	})
	require.Error(t, err)

	got, err := st.GetLotByExternalID(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_DeleteSnapshotsBefore(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	oldest := seedSnapshot(t, st, t0.Add(-72*time.Hour), "1")
	seedSnapshot(t, st, t0.Add(-48*time.Hour), "1")
	seedSnapshot(t, st, t0.Add(-24*time.Hour), "1")

	n, err := st.DeleteSnapshotsBefore(ctx, t0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "the newest two are always kept")

	snap, err := st.GetSnapshot(ctx, oldest)
	require.NoError(t, err)
	assert.Nil(t, snap)
	recs, err := st.ListStagedRecords(ctx, oldest)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSQLite_RunsAndAudit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := &model.Run{ID: "run-1", Job: model.JobMerge, StartedAt: t0}
	require.NoError(t, st.StartRun(ctx, run))
	require.NoError(t, st.CompleteRun(ctx, "run-1", map[string]any{"inserted": 3}))

	failed := &model.Run{ID: "run-2", Job: model.JobDiff, StartedAt: t0.Add(time.Minute)}
	require.NoError(t, st.StartRun(ctx, failed))
	require.NoError(t, st.FailRun(ctx, "run-2", nil, "integrity: fewer than two snapshots"))

	assert.Error(t, st.CompleteRun(ctx, "missing", nil))

	runs, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Equal(t, model.RunStatusComplete, runs[1].Status)
	assert.EqualValues(t, 3, runs[1].Summary["inserted"])
	require.NotNil(t, runs[1].CompletedAt)

	merges, err := st.ListRuns(ctx, RunFilter{Job: model.JobMerge})
	require.NoError(t, err)
	assert.Len(t, merges, 1)

	rec := &model.AuditRecord{RunID: "run-1", Job: model.JobMerge, Class: resilience.ClassValidation, RecordID: ptr(int64(7)), Reason: "too_short", CreatedAt: t0}
	require.NoError(t, st.InsertAudit(ctx, rec))
	assert.NotZero(t, rec.ID)

	counts, err := st.CountAuditByClass(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[resilience.ClassValidation])
}
