// Package store persists snapshots, staged rows, events, canonical lots and
// vehicles, audit records and job runs. PostgresStore is the production
// backend; SQLiteStore serves local runs and end-to-end tests.
package store

import (
	"context"
	"time"

	"github.com/sells-group/lotwatch/internal/model"
)

// EventFilter selects events for the read-side queries. Zero fields match all.
type EventFilter struct {
	LotID     string            `json:"lot_id,omitempty"`
	VehicleID string            `json:"vehicle_id,omitempty"`
	Types     []model.EventType `json:"types,omitempty"`
	Since     *time.Time        `json:"since,omitempty"`
	Until     *time.Time        `json:"until,omitempty"`
	// Newest orders by created_at DESC (vehicle timelines) instead of ASC.
	Newest bool `json:"newest,omitempty"`
	Limit  int  `json:"limit,omitempty"`
}

// LotFilter selects canonical lots.
type LotFilter struct {
	VehicleID string `json:"vehicle_id,omitempty"`
	// Unresolved restricts to lots that are unknown or below MaxConfidence.
	Unresolved bool  `json:"unresolved,omitempty"`
	AfterID    int64 `json:"after_id,omitempty"`
	Limit      int   `json:"limit,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Job    string          `json:"job,omitempty"`
	Status model.RunStatus `json:"status,omitempty"`
	Since  *time.Time      `json:"since,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// Querier is the set of reads and writes shared by a store and its
// transactions. Lookups return nil with no error when the row is absent.
type Querier interface {
	// Snapshots and staged rows
	CreateSnapshot(ctx context.Context, snap *model.Snapshot) error
	GetSnapshot(ctx context.Context, id int64) (*model.Snapshot, error)
	ListRecentSnapshots(ctx context.Context, n int) ([]model.Snapshot, error)
	InsertStagedRecords(ctx context.Context, records []model.StagedRecord) (int64, error)
	ListStagedRecords(ctx context.Context, snapshotID int64) ([]model.StagedRecord, error)
	ListPendingRecords(ctx context.Context, afterID int64, limit int) ([]model.StagedRecord, error)
	CountPendingRecords(ctx context.Context) (int64, error)
	MarkRecordProcessed(ctx context.Context, id int64, sourceTS time.Time) error
	MarkRecordRejected(ctx context.Context, id int64, reason string) error
	MarkRecordErrored(ctx context.Context, id int64, reason string) error
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time, keep int) (int64, error)

	// Events (append only)
	EventExists(ctx context.Context, key model.EventKey) (bool, error)
	InsertEvent(ctx context.Context, ev *model.Event) (bool, error)
	QueryEvents(ctx context.Context, filter EventFilter) ([]model.Event, error)

	// Vehicles
	GetVehicle(ctx context.Context, id string) (*model.Vehicle, error)
	InsertVehicle(ctx context.Context, v *model.Vehicle) error
	UpdateVehicle(ctx context.Context, v *model.Vehicle) error

	// Lots
	GetLot(ctx context.Context, id int64) (*model.Lot, error)
	GetLotByExternalID(ctx context.Context, externalID string) (*model.Lot, error)
	InsertLot(ctx context.Context, lot *model.Lot) error
	UpdateLot(ctx context.Context, lot *model.Lot) error
	ListLots(ctx context.Context, filter LotFilter) ([]model.Lot, error)
	UpdateLotOutcome(ctx context.Context, id int64, u model.OutcomeUpdate) (bool, error)
	LinkPreviousAttempt(ctx context.Context, lotID, previousID int64, at time.Time) (bool, error)
	CountLotsByOutcome(ctx context.Context) (map[model.Outcome]int64, error)

	// Audit
	InsertAudit(ctx context.Context, rec *model.AuditRecord) error
	CountAuditByClass(ctx context.Context, since time.Time) (map[string]int64, error)

	// Runs
	StartRun(ctx context.Context, run *model.Run) error
	CompleteRun(ctx context.Context, id string, summary map[string]any) error
	FailRun(ctx context.Context, id string, summary map[string]any, errMsg string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
}

// Tx is a Querier bound to an open transaction. Savepoint runs fn in a
// nested unit that rolls back alone when fn fails.
type Tx interface {
	Querier
	Savepoint(ctx context.Context, fn func(tx Tx) error) error
}

// Store defines the persistence interface for the batch jobs.
type Store interface {
	Querier

	// InTx runs fn in one transaction; fn's error rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func limitOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
