package store

import (
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/lotwatch/internal/model"
)

const (
	snapshotCols = `id, captured_at, row_count, fingerprint, source`
	stagedCols   = `id, snapshot_id, row_number, external_lot_id, vehicle_id_raw, fields, source_timestamp, captured_at, status, processed_source_ts, processed_at, reject_reason`
	eventCols    = `id, event_type, external_lot_id, vehicle_id, payload, curr_snapshot_id, prev_snapshot_id, created_at`
	vehicleCols  = `id, kind, make, model, year, trim, body_style, color, engine, fuel_type, drive, transmission, created_at, updated_at`
	lotCols      = `id, external_lot_id, vehicle_id, source_timestamp, outcome, outcome_confidence, outcome_resolved_at, outcome_method, outcome_reason, relist_count, previous_attempt_id, auction_at, current_bid, buy_now_price, reserve_price, status, location, odometer, damage, title_type, created_at, updated_at`
	runCols      = `id, job, status, started_at, completed_at, summary, error`
)

// nowUTC is the store clock; tests replace it.
var nowUTC = func() time.Time { return time.Now().UTC() }

// scanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// builder assembles a WHERE clause for either placeholder dialect.
type builder struct {
	numbered bool
	timeArg  func(time.Time) any
	conds    []string
	args     []any
}

func (b *builder) arg(v any) string {
	if t, ok := v.(time.Time); ok && b.timeArg != nil {
		v = b.timeArg(t)
	}
	b.args = append(b.args, v)
	if b.numbered {
		return "$" + strconv.Itoa(len(b.args))
	}
	return "?"
}

func (b *builder) where(cond string) {
	b.conds = append(b.conds, cond)
}

func (b *builder) clause() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

func buildEventQuery(f EventFilter, b *builder) string {
	if f.LotID != "" {
		b.where("external_lot_id = " + b.arg(f.LotID))
	}
	if f.VehicleID != "" {
		b.where("vehicle_id = " + b.arg(f.VehicleID))
	}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = b.arg(string(t))
		}
		b.where("event_type IN (" + strings.Join(ph, ", ") + ")")
	}
	if f.Since != nil {
		b.where("created_at >= " + b.arg(*f.Since))
	}
	if f.Until != nil {
		b.where("created_at < " + b.arg(*f.Until))
	}

	order := " ORDER BY created_at, id"
	if f.Newest {
		order = " ORDER BY created_at DESC, id DESC"
	}
	q := `SELECT ` + eventCols + ` FROM events` + b.clause() + order
	if f.Limit > 0 {
		q += " LIMIT " + b.arg(f.Limit)
	}
	return q
}

func buildLotQuery(f LotFilter, b *builder) string {
	if f.VehicleID != "" {
		b.where("vehicle_id = " + b.arg(f.VehicleID))
	}
	if f.Unresolved {
		b.where("(outcome = " + b.arg(string(model.OutcomeUnknown)) +
			" OR outcome_confidence < " + b.arg(model.MaxConfidence) + ")")
	}
	if f.AfterID > 0 {
		b.where("id > " + b.arg(f.AfterID))
	}
	return `SELECT ` + lotCols + ` FROM lots` + b.clause() +
		` ORDER BY id LIMIT ` + b.arg(limitOr(f.Limit, defaultListLimit))
}

func buildRunQuery(f RunFilter, b *builder) string {
	if f.Job != "" {
		b.where("job = " + b.arg(f.Job))
	}
	if f.Status != "" {
		b.where("status = " + b.arg(string(f.Status)))
	}
	if f.Since != nil {
		b.where("started_at >= " + b.arg(*f.Since))
	}
	return `SELECT ` + runCols + ` FROM job_runs` + b.clause() +
		` ORDER BY started_at DESC, id LIMIT ` + b.arg(limitOr(f.Limit, defaultListLimit))
}
