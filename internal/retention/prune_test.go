package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/lotwatch/internal/config"
	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "retention.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// stage creates one snapshot per age (in days) with a single staged row,
// marked processed unless pending is set.
func stage(t *testing.T, st store.Store, pending bool, ages ...int) {
	t.Helper()
	ctx := context.Background()
	for _, age := range ages {
		at := now.AddDate(0, 0, -age)
		snap := &model.Snapshot{CapturedAt: at, RowCount: 1, Fingerprint: at.String()}
		require.NoError(t, st.CreateSnapshot(ctx, snap))
		_, err := st.InsertStagedRecords(ctx, []model.StagedRecord{{
			SnapshotID: snap.ID, ExternalLotID: "1", SourceTimestamp: at, CapturedAt: at,
		}})
		require.NoError(t, err)
		if pending {
			continue
		}
		recs, err := st.ListStagedRecords(ctx, snap.ID)
		require.NoError(t, err)
		for _, r := range recs {
			require.NoError(t, st.MarkRecordProcessed(ctx, r.ID, r.SourceTimestamp))
		}
	}
}

func newPruner(st store.Store, cfg config.RetentionConfig) *Pruner {
	p := NewPruner(st, cfg)
	p.now = func() time.Time { return now }
	return p
}

func TestPruner_DeletesOlderThanWindow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	stage(t, st, false, 60, 45, 10, 1)

	rep, err := newPruner(st, config.RetentionConfig{SnapshotDays: 30, KeepMin: 2}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.Deleted)
	assert.False(t, rep.Clamped)
	assert.True(t, rep.Cutoff.Equal(now.AddDate(0, 0, -30)))

	snaps, err := st.ListRecentSnapshots(ctx, 10)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.True(t, snaps[1].CapturedAt.Equal(now.AddDate(0, 0, -10)))

	recs, err := st.ListStagedRecords(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, recs, "staged rows go with their snapshot")
}

func TestPruner_KeepsMinimum(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	stage(t, st, false, 90, 80, 70)

	rep, err := newPruner(st, config.RetentionConfig{SnapshotDays: 30, KeepMin: 2}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Deleted)

	snaps, err := st.ListRecentSnapshots(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestPruner_ClampsToUnmergedSnapshot(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	stage(t, st, false, 90)
	stage(t, st, true, 60)
	stage(t, st, false, 45, 5, 1)

	rep, err := newPruner(st, config.RetentionConfig{SnapshotDays: 30, KeepMin: 2}).Run(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Clamped)
	assert.True(t, rep.Cutoff.Equal(now.AddDate(0, 0, -60)))
	assert.Equal(t, int64(1), rep.Deleted)

	pending, err := st.CountPendingRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestPruner_Defaults(t *testing.T) {
	p := NewPruner(nil, config.RetentionConfig{KeepMin: 1})
	assert.Equal(t, 30, p.days)
	assert.Equal(t, 2, p.keep)
}

func TestReport_Summary(t *testing.T) {
	rep := &Report{Deleted: 3, Keep: 2, Elapsed: 1500 * time.Millisecond}
	sum := rep.Summary()
	assert.Equal(t, int64(3), sum["deleted"])
	assert.Equal(t, int64(1500), sum["elapsed_ms"])
}
