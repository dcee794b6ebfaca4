package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/resilience"
	"github.com/sells-group/lotwatch/internal/store"
)

// ImportOptions describes where an export came from.
type ImportOptions struct {
	Source     string
	CapturedAt time.Time
	RunID      string
}

// ImportResult summarizes one import.
type ImportResult struct {
	SnapshotID  int64  `json:"snapshot_id"`
	Fingerprint string `json:"fingerprint"`
	Staged      int64  `json:"staged"`
	Skipped     int    `json:"skipped"`
	// Duplicate is set when the export matches the latest snapshot and no
	// new snapshot was created.
	Duplicate bool `json:"duplicate"`
}

// Summary returns the counts recorded on the import run.
func (r *ImportResult) Summary() map[string]any {
	return map[string]any{
		"snapshot_id": r.SnapshotID,
		"fingerprint": r.Fingerprint,
		"staged":      r.Staged,
		"skipped":     r.Skipped,
		"duplicate":   r.Duplicate,
	}
}

// Importer stages decoded exports as snapshots.
type Importer struct {
	st  store.Store
	now func() time.Time
}

// NewImporter creates an Importer.
func NewImporter(st store.Store) *Importer {
	return &Importer{st: st, now: func() time.Time { return time.Now().UTC() }}
}

// Import creates one snapshot holding dec's rows. Rows that cannot be staged
// are written to the audit log. An export whose content equals the latest
// snapshot's is skipped.
func (im *Importer) Import(ctx context.Context, dec *Decoded, opts ImportOptions) (*ImportResult, error) {
	log := zap.L().With(zap.String("component", "snapshot.import"), zap.String("source", opts.Source))

	capturedAt := opts.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = im.now()
	}
	res := &ImportResult{Fingerprint: Fingerprint(dec.Rows), Skipped: len(dec.Errors)}

	latest, err := im.st.ListRecentSnapshots(ctx, 1)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: load latest")
	}
	if len(latest) > 0 && latest[0].Fingerprint == res.Fingerprint {
		log.Info("export unchanged since last snapshot, skipping",
			zap.Int64("snapshot_id", latest[0].ID))
		res.SnapshotID = latest[0].ID
		res.Duplicate = true
		return res, nil
	}
	if !capturedAt.After(latestCapture(latest)) {
		return nil, eris.Errorf("snapshot: capture time %s is not after latest snapshot", capturedAt.Format(time.RFC3339))
	}

	err = im.st.InTx(ctx, func(tx store.Tx) error {
		snap := &model.Snapshot{
			CapturedAt:  capturedAt,
			RowCount:    len(dec.Rows),
			Fingerprint: res.Fingerprint,
			Source:      opts.Source,
		}
		if err := tx.CreateSnapshot(ctx, snap); err != nil {
			return err
		}
		res.SnapshotID = snap.ID

		records := make([]model.StagedRecord, len(dec.Rows))
		for i, row := range dec.Rows {
			records[i] = model.StagedRecord{
				SnapshotID:      snap.ID,
				RowNumber:       row.Number,
				ExternalLotID:   row.ExternalLotID,
				VehicleIDRaw:    row.VehicleIDRaw,
				Fields:          row.Fields,
				SourceTimestamp: row.SourceTimestamp,
				CapturedAt:      capturedAt,
				Status:          model.RecordPending,
			}
		}
		n, err := tx.InsertStagedRecords(ctx, records)
		if err != nil {
			return err
		}
		res.Staged = n

		for _, re := range dec.Errors {
			if err := tx.InsertAudit(ctx, &model.AuditRecord{
				RunID:         opts.RunID,
				Job:           model.JobImport,
				Class:         resilience.ClassValidation,
				ExternalLotID: re.ExternalLotID,
				Reason:        re.Reason + " (row " + strconv.Itoa(re.Number) + ")",
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: stage export")
	}

	log.Info("snapshot staged",
		zap.Int64("snapshot_id", res.SnapshotID),
		zap.Int64("staged", res.Staged),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func latestCapture(snaps []model.Snapshot) time.Time {
	if len(snaps) == 0 {
		return time.Time{}
	}
	return snaps[0].CapturedAt
}

// Fingerprint hashes the row content independent of row order.
func Fingerprint(rows []Row) string {
	lines := make([]string, len(rows))
	for i, r := range rows {
		keys := make([]string, 0, len(r.Fields))
		for k := range r.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		line := r.ExternalLotID + "\x1f" + r.VehicleIDRaw + "\x1f" + r.SourceTimestamp.UTC().Format(time.RFC3339Nano)
		for _, k := range keys {
			line += "\x1f" + k + "=" + r.Fields[k]
		}
		lines[i] = line
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
