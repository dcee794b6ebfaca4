//go:build !integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lotwatch/internal/config"
	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/store"
)

var testColumns = config.ColumnsConfig{LotID: "lot_number", VehicleID: "vin", SourceTimestamp: "last_updated"}

const firstExport = `lot_number,vin,last_updated,make,year,current_bid,sale_status
12345,1FTEW1EG7GFA12345,2026-03-01T08:00:00Z,Ford,2016,1500,Live
22222,AB,2026-03-01T08:00:00Z,Kia,2019,900,Live
`

const secondExport = `lot_number,vin,last_updated,make,year,current_bid,sale_status
67890,1FTEW1EG7GFA12345,2026-03-02T08:00:00Z,Ford,2016,,Upcoming
22222,AB,2026-03-02T08:00:00Z,Kia,2019,950,Live
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDecodeExport_CSV(t *testing.T) {
	path := writeFile(t, t.TempDir(), "export.CSV", firstExport)

	dec, err := decodeExport(path, testColumns)
	require.NoError(t, err)
	require.Len(t, dec.Rows, 2)
	assert.Equal(t, "12345", dec.Rows[0].ExternalLotID)
	assert.Equal(t, "1FTEW1EG7GFA12345", dec.Rows[0].VehicleIDRaw)
}

func TestDecodeExport_Unsupported(t *testing.T) {
	_, err := decodeExport("export.json", testColumns)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported export format")
}

func TestDecodeExport_MissingFile(t *testing.T) {
	_, err := decodeExport(filepath.Join(t.TempDir(), "missing.csv"), testColumns)
	require.Error(t, err)
}

// TestLifecycle drives two imports and two cycles through the CLI against a
// SQLite store in a temp working directory.
func TestLifecycle(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(origDir) //nolint:errcheck
	t.Setenv("LOTWATCH_STORE_DRIVER", "sqlite")
	t.Setenv("LOTWATCH_LOG_LEVEL", "error")

	first := writeFile(t, dir, "day1.csv", firstExport)
	second := writeFile(t, dir, "day2.csv", secondExport)

	steps := [][]string{
		{"migrate"},
		{"import", "--file", first, "--captured-at", "2026-03-01T12:00:00Z"},
		{"cycle"},
		{"import", "--file", second, "--captured-at", "2026-03-02T12:00:00Z"},
		{"cycle"},
		{"events", "--lot", "12345"},
		{"runs"},
	}
	for _, args := range steps {
		rootCmd.SetArgs(args)
		require.NoError(t, rootCmd.Execute(), "lotwatch %v", args)
	}

	st, err := store.NewSQLite(filepath.Join(dir, "lotwatch.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	ctx := context.Background()

	old, err := st.GetLotByExternalID(ctx, "12345")
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.Equal(t, model.OutcomeNotSold, old.Outcome)

	next, err := st.GetLotByExternalID(ctx, "67890")
	require.NoError(t, err)
	require.NotNil(t, next)
	require.NotNil(t, next.PreviousAttemptID)
	assert.Equal(t, old.ID, *next.PreviousAttemptID)
	assert.Equal(t, 1, next.RelistCount)

	rejected, err := st.GetLotByExternalID(ctx, "22222")
	require.NoError(t, err)
	assert.Nil(t, rejected, "lots with an invalid vehicle id are never merged")

	runs, err := st.ListRuns(ctx, store.RunFilter{Job: model.JobDiff})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
	assert.Equal(t, model.RunStatusFailed, runs[1].Status, "first diff has one snapshot")
}
