package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var base = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func vehicle(s string) *string { return &s }

func batch() []model.Event {
	return []model.Event{
		{Type: model.EventDisappeared, ExternalLotID: "12345", VehicleID: vehicle("VIN1"), CurrSnapshotID: 2, PrevSnapshotID: 1, CreatedAt: base},
		{Type: model.EventAppeared, ExternalLotID: "67890", VehicleID: vehicle("VIN1"), CurrSnapshotID: 2, PrevSnapshotID: 1, CreatedAt: base},
		{Type: model.EventRelisted, ExternalLotID: "12345", VehicleID: vehicle("VIN1"), CurrSnapshotID: 2, PrevSnapshotID: 1, CreatedAt: base,
			Payload: model.EventPayload{RelatedLotID: "67890"}},
	}
}

func TestAppend_Idempotent(t *testing.T) {
	st := newTestStore(t)
	log := New(st)
	ctx := context.Background()

	res, err := log.Append(ctx, batch())
	require.NoError(t, err)
	assert.Equal(t, AppendResult{Inserted: 3}, res)

	res, err = log.Append(ctx, batch())
	require.NoError(t, err)
	assert.Equal(t, AppendResult{Skipped: 3}, res)

	all, err := log.Query(ctx, store.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAppend_RejectsUnknownType(t *testing.T) {
	log := New(newTestStore(t))
	_, err := log.Append(context.Background(), []model.Event{{Type: "exploded", ExternalLotID: "1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestAppend_InsideTransaction(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.InTx(ctx, func(tx store.Tx) error {
		_, err := New(tx).Append(ctx, batch())
		return err
	})
	require.NoError(t, err)

	evs, err := New(st).ByLot(ctx, "12345")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventDisappeared, evs[0].Type)
	assert.Equal(t, model.EventRelisted, evs[1].Type)
	assert.Equal(t, "67890", evs[1].Payload.RelatedLotID)
}

func TestByVehicle_NewestFirst(t *testing.T) {
	st := newTestStore(t)
	log := New(st)
	ctx := context.Background()

	later := model.Event{Type: model.EventDisappeared, ExternalLotID: "67890", VehicleID: vehicle("VIN1"), CurrSnapshotID: 3, PrevSnapshotID: 2, CreatedAt: base.Add(24 * time.Hour)}
	_, err := log.Append(ctx, append(batch(), later))
	require.NoError(t, err)

	evs, err := log.ByVehicle(ctx, "VIN1", model.EventDisappeared)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "67890", evs[0].ExternalLotID)
	assert.Equal(t, "12345", evs[1].ExternalLotID)

	all, err := log.ByVehicle(ctx, "VIN1")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestQuery_RejectsUnknownType(t *testing.T) {
	_, err := New(newTestStore(t)).Query(context.Background(), store.EventFilter{Types: []model.EventType{"nope"}})
	require.Error(t, err)
}

func TestLatest(t *testing.T) {
	evs := []model.Event{
		{ID: 1, Type: model.EventDisappeared, CreatedAt: base},
		{ID: 2, Type: model.EventAppeared, CreatedAt: base.Add(time.Hour)},
		{ID: 3, Type: model.EventDisappeared, CreatedAt: base.Add(2 * time.Hour)},
		{ID: 4, Type: model.EventDisappeared, CreatedAt: base.Add(2 * time.Hour)},
	}
	got := Latest(evs, model.EventDisappeared)
	require.NotNil(t, got)
	assert.Equal(t, int64(4), got.ID)
	assert.Nil(t, Latest(evs, model.EventRelisted))
}
