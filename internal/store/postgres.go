package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lotwatch/internal/db"
	"github.com/sells-group/lotwatch/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pgQueries
	pool    db.Pool
	pingFn  func(ctx context.Context) error
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool, pool.Ping, pool.Close), nil
}

func newPostgresStore(pool db.Pool, ping func(context.Context) error, closeFn func()) *PostgresStore {
	return &PostgresStore{pgQueries: pgQueries{q: pool}, pool: pool, pingFn: ping, closeFn: closeFn}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, s.pool)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pingFn == nil {
		return nil
	}
	return eris.Wrap(s.pingFn(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{pgQueries: pgQueries{q: tx}, tx: tx})
	})
}

// pgTx is a Tx over an open pgx transaction. A nested Begin on a pgx.Tx
// issues a SAVEPOINT, so Savepoint reuses db.InTx unchanged.
type pgTx struct {
	pgQueries
	tx pgx.Tx
}

func (t *pgTx) Savepoint(ctx context.Context, fn func(tx Tx) error) error {
	return db.InTx(ctx, t.tx, func(sp pgx.Tx) error {
		return fn(&pgTx{pgQueries: pgQueries{q: sp}, tx: sp})
	})
}

// pgQueries implements Querier over anything that speaks db.Pool.
type pgQueries struct {
	q db.Pool
}

func pgBuilder() *builder {
	return &builder{numbered: true}
}

// --- Snapshots ---

func (p pgQueries) CreateSnapshot(ctx context.Context, snap *model.Snapshot) error {
	err := p.q.QueryRow(ctx,
		`INSERT INTO snapshots (captured_at, row_count, fingerprint, source) VALUES ($1, $2, $3, $4) RETURNING id`,
		snap.CapturedAt.UTC(), snap.RowCount, snap.Fingerprint, snap.Source,
	).Scan(&snap.ID)
	return eris.Wrap(err, "postgres: insert snapshot")
}

func (p pgQueries) GetSnapshot(ctx context.Context, id int64) (*model.Snapshot, error) {
	var s model.Snapshot
	err := p.q.QueryRow(ctx, `SELECT `+snapshotCols+` FROM snapshots WHERE id = $1`, id).
		Scan(&s.ID, &s.CapturedAt, &s.RowCount, &s.Fingerprint, &s.Source)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get snapshot %d", id)
	}
	return &s, nil
}

func (p pgQueries) ListRecentSnapshots(ctx context.Context, n int) ([]model.Snapshot, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+snapshotCols+` FROM snapshots ORDER BY captured_at DESC, id DESC LIMIT $1`,
		limitOr(n, defaultListLimit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list snapshots")
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		var s model.Snapshot
		if err := rows.Scan(&s.ID, &s.CapturedAt, &s.RowCount, &s.Fingerprint, &s.Source); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		out = append(out, s)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list snapshots iterate")
}

func (p pgQueries) InsertStagedRecords(ctx context.Context, records []model.StagedRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	cols := []string{"snapshot_id", "row_number", "external_lot_id", "vehicle_id_raw", "fields", "source_timestamp", "captured_at", "status"}
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal fields for lot %s", r.ExternalLotID)
		}
		status := r.Status
		if status == "" {
			status = model.RecordPending
		}
		rows = append(rows, []any{
			r.SnapshotID, r.RowNumber, r.ExternalLotID, r.VehicleIDRaw, fields,
			r.SourceTimestamp.UTC(), r.CapturedAt.UTC(), string(status),
		})
	}
	return db.CopyFrom(ctx, p.q, "staged_records", cols, rows)
}

func (p pgQueries) ListStagedRecords(ctx context.Context, snapshotID int64) ([]model.StagedRecord, error) {
	return p.queryStaged(ctx, `SELECT `+stagedCols+` FROM staged_records WHERE snapshot_id = $1 ORDER BY id`, snapshotID)
}

func (p pgQueries) ListPendingRecords(ctx context.Context, afterID int64, limit int) ([]model.StagedRecord, error) {
	return p.queryStaged(ctx,
		`SELECT `+stagedCols+` FROM staged_records WHERE status IN ($1, $2) AND id > $3 ORDER BY id LIMIT $4`,
		string(model.RecordPending), string(model.RecordErrored), afterID, limitOr(limit, defaultListLimit),
	)
}

func (p pgQueries) queryStaged(ctx context.Context, sql string, args ...any) ([]model.StagedRecord, error) {
	rows, err := p.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list staged records")
	}
	defer rows.Close()

	var out []model.StagedRecord
	for rows.Next() {
		r, err := scanPgStaged(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list staged records iterate")
}

func scanPgStaged(row scanner) (*model.StagedRecord, error) {
	var r model.StagedRecord
	var fields []byte
	var status string
	if err := row.Scan(&r.ID, &r.SnapshotID, &r.RowNumber, &r.ExternalLotID, &r.VehicleIDRaw, &fields,
		&r.SourceTimestamp, &r.CapturedAt, &status, &r.ProcessedSourceTS, &r.ProcessedAt, &r.RejectReason,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: scan staged record")
	}
	r.Status = model.RecordStatus(status)
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &r.Fields); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal fields for record %d", r.ID)
		}
	}
	return &r, nil
}

func (p pgQueries) CountPendingRecords(ctx context.Context) (int64, error) {
	var n int64
	err := p.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM staged_records WHERE status IN ($1, $2)`,
		string(model.RecordPending), string(model.RecordErrored),
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count pending records")
}

func (p pgQueries) MarkRecordProcessed(ctx context.Context, id int64, sourceTS time.Time) error {
	_, err := p.q.Exec(ctx,
		`UPDATE staged_records SET status = $2, processed_source_ts = $3, processed_at = $4, reject_reason = '' WHERE id = $1`,
		id, string(model.RecordProcessed), sourceTS.UTC(), nowUTC(),
	)
	return eris.Wrapf(err, "postgres: mark record %d processed", id)
}

func (p pgQueries) MarkRecordRejected(ctx context.Context, id int64, reason string) error {
	return p.markRecord(ctx, id, model.RecordRejected, reason)
}

func (p pgQueries) MarkRecordErrored(ctx context.Context, id int64, reason string) error {
	return p.markRecord(ctx, id, model.RecordErrored, reason)
}

func (p pgQueries) markRecord(ctx context.Context, id int64, status model.RecordStatus, reason string) error {
	_, err := p.q.Exec(ctx,
		`UPDATE staged_records SET status = $2, processed_at = $3, reject_reason = $4 WHERE id = $1`,
		id, string(status), nowUTC(), reason,
	)
	return eris.Wrapf(err, "postgres: mark record %d %s", id, status)
}

func (p pgQueries) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time, keep int) (int64, error) {
	tag, err := p.q.Exec(ctx,
		`DELETE FROM snapshots WHERE captured_at < $1
		AND id NOT IN (SELECT id FROM snapshots ORDER BY captured_at DESC, id DESC LIMIT $2)`,
		cutoff.UTC(), keep,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete snapshots")
	}
	return tag.RowsAffected(), nil
}

// --- Events ---

func (p pgQueries) EventExists(ctx context.Context, key model.EventKey) (bool, error) {
	var exists bool
	err := p.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE event_type = $1 AND external_lot_id = $2 AND curr_snapshot_id = $3 AND prev_snapshot_id = $4)`,
		string(key.Type), key.ExternalLotID, key.CurrSnapshotID, key.PrevSnapshotID,
	).Scan(&exists)
	return exists, eris.Wrap(err, "postgres: check event exists")
}

func (p pgQueries) InsertEvent(ctx context.Context, ev *model.Event) (bool, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal event payload")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = nowUTC()
	}
	err = p.q.QueryRow(ctx,
		`INSERT INTO events (event_type, external_lot_id, vehicle_id, payload, curr_snapshot_id, prev_snapshot_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_type, external_lot_id, curr_snapshot_id, prev_snapshot_id) DO NOTHING
		RETURNING id`,
		string(ev.Type), ev.ExternalLotID, ev.VehicleID, payload, ev.CurrSnapshotID, ev.PrevSnapshotID, ev.CreatedAt.UTC(),
	).Scan(&ev.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert %s event for lot %s", ev.Type, ev.ExternalLotID)
	}
	return true, nil
}

func (p pgQueries) QueryEvents(ctx context.Context, filter EventFilter) ([]model.Event, error) {
	b := pgBuilder()
	rows, err := p.q.Query(ctx, buildEventQuery(filter, b), b.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query events")
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var ev model.Event
		var typ string
		var payload []byte
		if err := rows.Scan(&ev.ID, &typ, &ev.ExternalLotID, &ev.VehicleID, &payload,
			&ev.CurrSnapshotID, &ev.PrevSnapshotID, &ev.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		ev.Type = model.EventType(typ)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal payload for event %d", ev.ID)
			}
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query events iterate")
}

// --- Vehicles ---

func (p pgQueries) GetVehicle(ctx context.Context, id string) (*model.Vehicle, error) {
	var v model.Vehicle
	var kind string
	err := p.q.QueryRow(ctx, `SELECT `+vehicleCols+` FROM vehicles WHERE id = $1`, id).Scan(
		&v.ID, &kind, &v.Make, &v.Model, &v.Year, &v.Trim, &v.BodyStyle, &v.Color,
		&v.Engine, &v.FuelType, &v.Drive, &v.Transmission, &v.CreatedAt, &v.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get vehicle %s", id)
	}
	v.Kind = model.VehicleKind(kind)
	return &v, nil
}

func (p pgQueries) InsertVehicle(ctx context.Context, v *model.Vehicle) error {
	now := nowUTC()
	v.CreatedAt, v.UpdatedAt = now, now
	_, err := p.q.Exec(ctx,
		`INSERT INTO vehicles (`+vehicleCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		v.ID, string(v.Kind), v.Make, v.Model, v.Year, v.Trim, v.BodyStyle, v.Color,
		v.Engine, v.FuelType, v.Drive, v.Transmission, v.CreatedAt, v.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert vehicle %s", v.ID)
}

func (p pgQueries) UpdateVehicle(ctx context.Context, v *model.Vehicle) error {
	v.UpdatedAt = nowUTC()
	_, err := p.q.Exec(ctx,
		`UPDATE vehicles SET make = $2, model = $3, year = $4, trim = $5, body_style = $6, color = $7,
		engine = $8, fuel_type = $9, drive = $10, transmission = $11, updated_at = $12 WHERE id = $1`,
		v.ID, v.Make, v.Model, v.Year, v.Trim, v.BodyStyle, v.Color,
		v.Engine, v.FuelType, v.Drive, v.Transmission, v.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: update vehicle %s", v.ID)
}

// --- Lots ---

func scanPgLot(row scanner) (*model.Lot, error) {
	var l model.Lot
	var outcome string
	if err := row.Scan(&l.ID, &l.ExternalLotID, &l.VehicleID, &l.SourceTimestamp, &outcome,
		&l.OutcomeConfidence, &l.OutcomeResolvedAt, &l.OutcomeMethod, &l.OutcomeReason,
		&l.RelistCount, &l.PreviousAttemptID, &l.AuctionAt, &l.CurrentBid, &l.BuyNowPrice,
		&l.ReservePrice, &l.Status, &l.Location, &l.Odometer, &l.Damage, &l.TitleType,
		&l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return nil, err
	}
	l.Outcome = model.Outcome(outcome)
	return &l, nil
}

func (p pgQueries) GetLot(ctx context.Context, id int64) (*model.Lot, error) {
	l, err := scanPgLot(p.q.QueryRow(ctx, `SELECT `+lotCols+` FROM lots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return l, eris.Wrapf(err, "postgres: get lot %d", id)
}

func (p pgQueries) GetLotByExternalID(ctx context.Context, externalID string) (*model.Lot, error) {
	l, err := scanPgLot(p.q.QueryRow(ctx, `SELECT `+lotCols+` FROM lots WHERE external_lot_id = $1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return l, eris.Wrapf(err, "postgres: get lot %s", externalID)
}

func (p pgQueries) InsertLot(ctx context.Context, l *model.Lot) error {
	now := nowUTC()
	l.CreatedAt, l.UpdatedAt = now, now
	if l.Outcome == "" {
		l.Outcome = model.OutcomeUnknown
	}
	err := p.q.QueryRow(ctx,
		`INSERT INTO lots (external_lot_id, vehicle_id, source_timestamp, outcome, outcome_confidence,
		relist_count, previous_attempt_id, auction_at, current_bid, buy_now_price, reserve_price,
		status, location, odometer, damage, title_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id`,
		l.ExternalLotID, l.VehicleID, l.SourceTimestamp.UTC(), string(l.Outcome), l.OutcomeConfidence,
		l.RelistCount, l.PreviousAttemptID, l.AuctionAt, l.CurrentBid, l.BuyNowPrice, l.ReservePrice,
		l.Status, l.Location, l.Odometer, l.Damage, l.TitleType, l.CreatedAt, l.UpdatedAt,
	).Scan(&l.ID)
	return eris.Wrapf(err, "postgres: insert lot %s", l.ExternalLotID)
}

func (p pgQueries) UpdateLot(ctx context.Context, l *model.Lot) error {
	l.UpdatedAt = nowUTC()
	_, err := p.q.Exec(ctx,
		`UPDATE lots SET vehicle_id = $2, source_timestamp = $3, auction_at = $4, current_bid = $5,
		buy_now_price = $6, reserve_price = $7, status = $8, location = $9, odometer = $10,
		damage = $11, title_type = $12, updated_at = $13 WHERE id = $1`,
		l.ID, l.VehicleID, l.SourceTimestamp.UTC(), l.AuctionAt, l.CurrentBid,
		l.BuyNowPrice, l.ReservePrice, l.Status, l.Location, l.Odometer,
		l.Damage, l.TitleType, l.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: update lot %s", l.ExternalLotID)
}

func (p pgQueries) ListLots(ctx context.Context, filter LotFilter) ([]model.Lot, error) {
	b := pgBuilder()
	rows, err := p.q.Query(ctx, buildLotQuery(filter, b), b.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list lots")
	}
	defer rows.Close()

	var out []model.Lot
	for rows.Next() {
		l, err := scanPgLot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lot")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list lots iterate")
}

func (p pgQueries) UpdateLotOutcome(ctx context.Context, id int64, u model.OutcomeUpdate) (bool, error) {
	tag, err := p.q.Exec(ctx,
		`UPDATE lots SET outcome = $2, outcome_confidence = $3, outcome_resolved_at = $4,
		outcome_method = $5, outcome_reason = $6, updated_at = $4
		WHERE id = $1 AND outcome_confidence < $3`,
		id, string(u.Outcome), u.Confidence, u.ResolvedAt.UTC(), u.Method, u.Reason,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update outcome for lot %d", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (p pgQueries) LinkPreviousAttempt(ctx context.Context, lotID, previousID int64, at time.Time) (bool, error) {
	tag, err := p.q.Exec(ctx,
		`UPDATE lots SET previous_attempt_id = $2,
		relist_count = (SELECT relist_count FROM lots WHERE id = $2) + 1, updated_at = $3
		WHERE id = $1 AND id <> $2 AND previous_attempt_id IS NULL`,
		lotID, previousID, at.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: link lot %d to %d", lotID, previousID)
	}
	return tag.RowsAffected() > 0, nil
}

func (p pgQueries) CountLotsByOutcome(ctx context.Context) (map[model.Outcome]int64, error) {
	rows, err := p.q.Query(ctx, `SELECT outcome, COUNT(*) FROM lots GROUP BY outcome`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count lots by outcome")
	}
	defer rows.Close()

	out := make(map[model.Outcome]int64)
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan outcome count")
		}
		out[model.Outcome(outcome)] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: count lots iterate")
}

// --- Audit ---

func (p pgQueries) InsertAudit(ctx context.Context, rec *model.AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = nowUTC()
	}
	err := p.q.QueryRow(ctx,
		`INSERT INTO audit_records (run_id, job, class, record_id, external_lot_id, reason, constraint_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		rec.RunID, rec.Job, rec.Class, rec.RecordID, rec.ExternalLotID, rec.Reason, rec.Constraint, rec.CreatedAt,
	).Scan(&rec.ID)
	return eris.Wrap(err, "postgres: insert audit record")
}

func (p pgQueries) CountAuditByClass(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := p.q.Query(ctx,
		`SELECT class, COUNT(*) FROM audit_records WHERE created_at >= $1 GROUP BY class`, since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count audit by class")
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var class string
		var n int64
		if err := rows.Scan(&class, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit count")
		}
		out[class] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: count audit iterate")
}

// --- Runs ---

func (p pgQueries) StartRun(ctx context.Context, run *model.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = nowUTC()
	}
	run.Status = model.RunStatusRunning
	_, err := p.q.Exec(ctx,
		`INSERT INTO job_runs (id, job, status, started_at) VALUES ($1, $2, $3, $4)`,
		run.ID, run.Job, string(run.Status), run.StartedAt,
	)
	return eris.Wrapf(err, "postgres: start run %s", run.ID)
}

func (p pgQueries) CompleteRun(ctx context.Context, id string, summary map[string]any) error {
	return p.finishRun(ctx, id, model.RunStatusComplete, summary, "")
}

func (p pgQueries) FailRun(ctx context.Context, id string, summary map[string]any, errMsg string) error {
	return p.finishRun(ctx, id, model.RunStatusFailed, summary, errMsg)
}

func (p pgQueries) finishRun(ctx context.Context, id string, status model.RunStatus, summary map[string]any, errMsg string) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run summary")
	}
	_, err = p.q.Exec(ctx,
		`UPDATE job_runs SET status = $2, completed_at = $3, summary = $4, error = $5 WHERE id = $1`,
		id, string(status), nowUTC(), data, errMsg,
	)
	return eris.Wrapf(err, "postgres: finish run %s", id)
}

func (p pgQueries) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	b := pgBuilder()
	rows, err := p.q.Query(ctx, buildRunQuery(filter, b), b.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		var r model.Run
		var status string
		var summary []byte
		if err := rows.Scan(&r.ID, &r.Job, &status, &r.StartedAt, &r.CompletedAt, &summary, &r.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Status = model.RunStatus(status)
		if len(summary) > 0 {
			if err := json.Unmarshal(summary, &r.Summary); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal summary for run %s", r.ID)
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}
