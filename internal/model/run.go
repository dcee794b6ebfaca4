package model

import "time"

// RunStatus represents the current state of a batch job run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Job names recorded in the run log.
const (
	JobImport  = "import"
	JobDiff    = "diff"
	JobMerge   = "merge"
	JobResolve = "resolve"
	JobPrune   = "prune"
)

// Run is one execution of a scheduled batch job. Summary carries the
// structured counts the job reported (by outcome, by error class, elapsed).
type Run struct {
	ID          string         `json:"id"`
	Job         string         `json:"job"`
	Status      RunStatus      `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Summary     map[string]any `json:"summary,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// AuditRecord is the triage trail for a skipped or failed unit of work.
// Records are never dropped silently; every rejection lands here.
type AuditRecord struct {
	ID            int64     `json:"id"`
	RunID         string    `json:"run_id,omitempty"`
	Job           string    `json:"job"`
	Class         string    `json:"class"`
	RecordID      *int64    `json:"record_id,omitempty"`
	ExternalLotID string    `json:"external_lot_id,omitempty"`
	Reason        string    `json:"reason"`
	Constraint    string    `json:"constraint,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
