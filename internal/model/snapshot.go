package model

import "time"

// Snapshot is one immutable capture of the upstream export.
type Snapshot struct {
	ID          int64     `json:"id"`
	CapturedAt  time.Time `json:"captured_at"`
	RowCount    int       `json:"row_count"`
	Fingerprint string    `json:"fingerprint"`
	Source      string    `json:"source,omitempty"`
}

// RecordStatus tracks a staged record through the canonical merge.
type RecordStatus string

const (
	// RecordPending has not been merged yet.
	RecordPending RecordStatus = "pending"
	// RecordProcessed was merged (or skipped as stale) for its source timestamp.
	RecordProcessed RecordStatus = "processed"
	// RecordRejected failed identifier validation. Validation is deterministic,
	// so rejected records are not retried; a newer export row is a new record.
	RecordRejected RecordStatus = "rejected"
	// RecordErrored was rolled back by a conflict or store error and is
	// retried on the next run.
	RecordErrored RecordStatus = "errored"
)

// StagedRecord is one parsed export row tied to a snapshot.
type StagedRecord struct {
	ID                int64        `json:"id"`
	SnapshotID        int64        `json:"snapshot_id"`
	RowNumber         int          `json:"row_number"`
	ExternalLotID     string       `json:"external_lot_id"`
	VehicleIDRaw      string       `json:"vehicle_id_raw,omitempty"`
	Fields            FieldBag     `json:"fields"`
	SourceTimestamp   time.Time    `json:"source_timestamp"`
	CapturedAt        time.Time    `json:"captured_at"`
	Status            RecordStatus `json:"status"`
	ProcessedSourceTS *time.Time   `json:"processed_source_ts,omitempty"`
	ProcessedAt       *time.Time   `json:"processed_at,omitempty"`
	RejectReason      string       `json:"reject_reason,omitempty"`
}
