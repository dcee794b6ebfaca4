package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lotwatch/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	sqliteQueries
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{sqliteQueries: sqliteQueries{q: db}, db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return migrateSQLite(ctx, s.db)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteTx{sqliteQueries: sqliteQueries{q: tx}, tx: tx, seq: new(int)}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

type sqliteTx struct {
	sqliteQueries
	tx  *sql.Tx
	seq *int
}

func (t *sqliteTx) Savepoint(ctx context.Context, fn func(tx Tx) error) error {
	*t.seq++
	name := fmt.Sprintf("sp_%d", *t.seq)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return eris.Wrapf(err, "sqlite: savepoint %s", name)
	}
	if err := fn(t); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return eris.Wrapf(rbErr, "sqlite: rollback to %s", name)
		}
		if _, relErr := t.tx.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return eris.Wrapf(relErr, "sqlite: release %s", name)
		}
		return err
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE "+name)
	return eris.Wrapf(err, "sqlite: release %s", name)
}

// sqlConn is satisfied by *sql.DB and *sql.Tx.
type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteQueries struct {
	q sqlConn
}

func sqliteBuilder() *builder {
	return &builder{timeArg: func(t time.Time) any { return formatTime(t) }}
}

// Times are stored as fixed-width UTC text so lexical order is time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt64(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return int64(*n)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

// --- Snapshots ---

func (s sqliteQueries) CreateSnapshot(ctx context.Context, snap *model.Snapshot) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO snapshots (captured_at, row_count, fingerprint, source) VALUES (?, ?, ?, ?)`,
		formatTime(snap.CapturedAt), snap.RowCount, snap.Fingerprint, snap.Source,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert snapshot")
	}
	snap.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: snapshot id")
}

func scanSQLiteSnapshot(row scanner) (*model.Snapshot, error) {
	var sn model.Snapshot
	var captured string
	if err := row.Scan(&sn.ID, &captured, &sn.RowCount, &sn.Fingerprint, &sn.Source); err != nil {
		return nil, err
	}
	t, err := parseTime(captured)
	if err != nil {
		return nil, err
	}
	sn.CapturedAt = t
	return &sn, nil
}

func (s sqliteQueries) GetSnapshot(ctx context.Context, id int64) (*model.Snapshot, error) {
	sn, err := scanSQLiteSnapshot(s.q.QueryRowContext(ctx, `SELECT `+snapshotCols+` FROM snapshots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sn, eris.Wrapf(err, "sqlite: get snapshot %d", id)
}

func (s sqliteQueries) ListRecentSnapshots(ctx context.Context, n int) ([]model.Snapshot, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+snapshotCols+` FROM snapshots ORDER BY captured_at DESC, id DESC LIMIT ?`,
		limitOr(n, defaultListLimit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list snapshots")
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		sn, err := scanSQLiteSnapshot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		out = append(out, *sn)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list snapshots iterate")
}

func (s sqliteQueries) InsertStagedRecords(ctx context.Context, records []model.StagedRecord) (int64, error) {
	var n int64
	for _, r := range records {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: marshal fields for lot %s", r.ExternalLotID)
		}
		status := r.Status
		if status == "" {
			status = model.RecordPending
		}
		if _, err := s.q.ExecContext(ctx,
			`INSERT INTO staged_records (snapshot_id, row_number, external_lot_id, vehicle_id_raw, fields, source_timestamp, captured_at, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.SnapshotID, r.RowNumber, r.ExternalLotID, r.VehicleIDRaw, string(fields),
			formatTime(r.SourceTimestamp), formatTime(r.CapturedAt), string(status),
		); err != nil {
			return n, eris.Wrapf(err, "sqlite: insert staged record for lot %s", r.ExternalLotID)
		}
		n++
	}
	return n, nil
}

func scanSQLiteStaged(row scanner) (*model.StagedRecord, error) {
	var r model.StagedRecord
	var fields, sourceTS, captured, status string
	var processedTS, processedAt sql.NullString
	if err := row.Scan(&r.ID, &r.SnapshotID, &r.RowNumber, &r.ExternalLotID, &r.VehicleIDRaw, &fields,
		&sourceTS, &captured, &status, &processedTS, &processedAt, &r.RejectReason,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan staged record")
	}
	r.Status = model.RecordStatus(status)
	if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal fields for record %d", r.ID)
	}

	var err error
	if r.SourceTimestamp, err = parseTime(sourceTS); err != nil {
		return nil, err
	}
	if r.CapturedAt, err = parseTime(captured); err != nil {
		return nil, err
	}
	if r.ProcessedSourceTS, err = parseNullTime(processedTS); err != nil {
		return nil, err
	}
	if r.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s sqliteQueries) queryStaged(ctx context.Context, query string, args ...any) ([]model.StagedRecord, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list staged records")
	}
	defer rows.Close()

	var out []model.StagedRecord
	for rows.Next() {
		r, err := scanSQLiteStaged(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list staged records iterate")
}

func (s sqliteQueries) ListStagedRecords(ctx context.Context, snapshotID int64) ([]model.StagedRecord, error) {
	return s.queryStaged(ctx, `SELECT `+stagedCols+` FROM staged_records WHERE snapshot_id = ? ORDER BY id`, snapshotID)
}

func (s sqliteQueries) ListPendingRecords(ctx context.Context, afterID int64, limit int) ([]model.StagedRecord, error) {
	return s.queryStaged(ctx,
		`SELECT `+stagedCols+` FROM staged_records WHERE status IN (?, ?) AND id > ? ORDER BY id LIMIT ?`,
		string(model.RecordPending), string(model.RecordErrored), afterID, limitOr(limit, defaultListLimit),
	)
}

func (s sqliteQueries) CountPendingRecords(ctx context.Context) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM staged_records WHERE status IN (?, ?)`,
		string(model.RecordPending), string(model.RecordErrored),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count pending records")
}

func (s sqliteQueries) MarkRecordProcessed(ctx context.Context, id int64, sourceTS time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE staged_records SET status = ?, processed_source_ts = ?, processed_at = ?, reject_reason = '' WHERE id = ?`,
		string(model.RecordProcessed), formatTime(sourceTS), formatTime(nowUTC()), id,
	)
	return eris.Wrapf(err, "sqlite: mark record %d processed", id)
}

func (s sqliteQueries) MarkRecordRejected(ctx context.Context, id int64, reason string) error {
	return s.markRecord(ctx, id, model.RecordRejected, reason)
}

func (s sqliteQueries) MarkRecordErrored(ctx context.Context, id int64, reason string) error {
	return s.markRecord(ctx, id, model.RecordErrored, reason)
}

func (s sqliteQueries) markRecord(ctx context.Context, id int64, status model.RecordStatus, reason string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE staged_records SET status = ?, processed_at = ?, reject_reason = ? WHERE id = ?`,
		string(status), formatTime(nowUTC()), reason, id,
	)
	return eris.Wrapf(err, "sqlite: mark record %d %s", id, status)
}

// DeleteSnapshotsBefore removes staged rows explicitly since foreign key
// enforcement is off by default in SQLite.
func (s sqliteQueries) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time, keep int) (int64, error) {
	const doomed = `SELECT id FROM snapshots WHERE captured_at < ?
		AND id NOT IN (SELECT id FROM snapshots ORDER BY captured_at DESC, id DESC LIMIT ?)`

	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM staged_records WHERE snapshot_id IN (`+doomed+`)`, formatTime(cutoff), keep,
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: delete staged records")
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM snapshots WHERE id IN (`+doomed+`)`, formatTime(cutoff), keep)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete snapshots")
	}
	return rowsAffected(res), nil
}

// --- Events ---

func (s sqliteQueries) EventExists(ctx context.Context, key model.EventKey) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE event_type = ? AND external_lot_id = ? AND curr_snapshot_id = ? AND prev_snapshot_id = ?`,
		string(key.Type), key.ExternalLotID, key.CurrSnapshotID, key.PrevSnapshotID,
	).Scan(&n)
	return n > 0, eris.Wrap(err, "sqlite: check event exists")
}

func (s sqliteQueries) InsertEvent(ctx context.Context, ev *model.Event) (bool, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal event payload")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = nowUTC()
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO events (event_type, external_lot_id, vehicle_id, payload, curr_snapshot_id, prev_snapshot_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_type, external_lot_id, curr_snapshot_id, prev_snapshot_id) DO NOTHING`,
		string(ev.Type), ev.ExternalLotID, nullString(ev.VehicleID), string(payload),
		ev.CurrSnapshotID, ev.PrevSnapshotID, formatTime(ev.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert %s event for lot %s", ev.Type, ev.ExternalLotID)
	}
	if rowsAffected(res) == 0 {
		return false, nil
	}
	ev.ID, err = res.LastInsertId()
	return true, eris.Wrap(err, "sqlite: event id")
}

func (s sqliteQueries) QueryEvents(ctx context.Context, filter EventFilter) ([]model.Event, error) {
	b := sqliteBuilder()
	rows, err := s.q.QueryContext(ctx, buildEventQuery(filter, b), b.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query events")
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var ev model.Event
		var typ, payload, created string
		var vehicle sql.NullString
		if err := rows.Scan(&ev.ID, &typ, &ev.ExternalLotID, &vehicle, &payload,
			&ev.CurrSnapshotID, &ev.PrevSnapshotID, &created,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		ev.Type = model.EventType(typ)
		if vehicle.Valid {
			v := vehicle.String
			ev.VehicleID = &v
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal payload for event %d", ev.ID)
		}
		if ev.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query events iterate")
}

// --- Vehicles ---

func (s sqliteQueries) GetVehicle(ctx context.Context, id string) (*model.Vehicle, error) {
	var v model.Vehicle
	var kind, created, updated string
	var year sql.NullInt64
	err := s.q.QueryRowContext(ctx, `SELECT `+vehicleCols+` FROM vehicles WHERE id = ?`, id).Scan(
		&v.ID, &kind, &v.Make, &v.Model, &year, &v.Trim, &v.BodyStyle, &v.Color,
		&v.Engine, &v.FuelType, &v.Drive, &v.Transmission, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get vehicle %s", id)
	}
	v.Kind = model.VehicleKind(kind)
	if year.Valid {
		y := int(year.Int64)
		v.Year = &y
	}
	if v.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if v.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s sqliteQueries) InsertVehicle(ctx context.Context, v *model.Vehicle) error {
	now := nowUTC()
	v.CreatedAt, v.UpdatedAt = now, now
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO vehicles (`+vehicleCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, string(v.Kind), v.Make, v.Model, nullInt(v.Year), v.Trim, v.BodyStyle, v.Color,
		v.Engine, v.FuelType, v.Drive, v.Transmission, formatTime(now), formatTime(now),
	)
	return eris.Wrapf(err, "sqlite: insert vehicle %s", v.ID)
}

func (s sqliteQueries) UpdateVehicle(ctx context.Context, v *model.Vehicle) error {
	v.UpdatedAt = nowUTC()
	_, err := s.q.ExecContext(ctx,
		`UPDATE vehicles SET make = ?, model = ?, year = ?, trim = ?, body_style = ?, color = ?,
		engine = ?, fuel_type = ?, drive = ?, transmission = ?, updated_at = ? WHERE id = ?`,
		v.Make, v.Model, nullInt(v.Year), v.Trim, v.BodyStyle, v.Color,
		v.Engine, v.FuelType, v.Drive, v.Transmission, formatTime(v.UpdatedAt), v.ID,
	)
	return eris.Wrapf(err, "sqlite: update vehicle %s", v.ID)
}

// --- Lots ---

func scanSQLiteLot(row scanner) (*model.Lot, error) {
	var l model.Lot
	var outcome, sourceTS, created, updated string
	var resolvedAt, auctionAt sql.NullString
	var prev, odometer sql.NullInt64
	var bid, buyNow, reserve sql.NullFloat64
	if err := row.Scan(&l.ID, &l.ExternalLotID, &l.VehicleID, &sourceTS, &outcome,
		&l.OutcomeConfidence, &resolvedAt, &l.OutcomeMethod, &l.OutcomeReason,
		&l.RelistCount, &prev, &auctionAt, &bid, &buyNow,
		&reserve, &l.Status, &l.Location, &odometer, &l.Damage, &l.TitleType,
		&created, &updated,
	); err != nil {
		return nil, err
	}
	l.Outcome = model.Outcome(outcome)
	l.PreviousAttemptID = int64Ptr(prev)
	l.Odometer = int64Ptr(odometer)
	l.CurrentBid = floatPtr(bid)
	l.BuyNowPrice = floatPtr(buyNow)
	l.ReservePrice = floatPtr(reserve)

	var err error
	if l.SourceTimestamp, err = parseTime(sourceTS); err != nil {
		return nil, err
	}
	if l.OutcomeResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, err
	}
	if l.AuctionAt, err = parseNullTime(auctionAt); err != nil {
		return nil, err
	}
	if l.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if l.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s sqliteQueries) GetLot(ctx context.Context, id int64) (*model.Lot, error) {
	l, err := scanSQLiteLot(s.q.QueryRowContext(ctx, `SELECT `+lotCols+` FROM lots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, eris.Wrapf(err, "sqlite: get lot %d", id)
}

func (s sqliteQueries) GetLotByExternalID(ctx context.Context, externalID string) (*model.Lot, error) {
	l, err := scanSQLiteLot(s.q.QueryRowContext(ctx, `SELECT `+lotCols+` FROM lots WHERE external_lot_id = ?`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, eris.Wrapf(err, "sqlite: get lot %s", externalID)
}

func (s sqliteQueries) InsertLot(ctx context.Context, l *model.Lot) error {
	now := nowUTC()
	l.CreatedAt, l.UpdatedAt = now, now
	if l.Outcome == "" {
		l.Outcome = model.OutcomeUnknown
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO lots (external_lot_id, vehicle_id, source_timestamp, outcome, outcome_confidence,
		relist_count, previous_attempt_id, auction_at, current_bid, buy_now_price, reserve_price,
		status, location, odometer, damage, title_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ExternalLotID, l.VehicleID, formatTime(l.SourceTimestamp), string(l.Outcome), l.OutcomeConfidence,
		l.RelistCount, nullInt64(l.PreviousAttemptID), nullTime(l.AuctionAt), nullFloat(l.CurrentBid),
		nullFloat(l.BuyNowPrice), nullFloat(l.ReservePrice), l.Status, l.Location, nullInt64(l.Odometer),
		l.Damage, l.TitleType, formatTime(now), formatTime(now),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert lot %s", l.ExternalLotID)
	}
	l.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: lot id")
}

func (s sqliteQueries) UpdateLot(ctx context.Context, l *model.Lot) error {
	l.UpdatedAt = nowUTC()
	_, err := s.q.ExecContext(ctx,
		`UPDATE lots SET vehicle_id = ?, source_timestamp = ?, auction_at = ?, current_bid = ?,
		buy_now_price = ?, reserve_price = ?, status = ?, location = ?, odometer = ?,
		damage = ?, title_type = ?, updated_at = ? WHERE id = ?`,
		l.VehicleID, formatTime(l.SourceTimestamp), nullTime(l.AuctionAt), nullFloat(l.CurrentBid),
		nullFloat(l.BuyNowPrice), nullFloat(l.ReservePrice), l.Status, l.Location, nullInt64(l.Odometer),
		l.Damage, l.TitleType, formatTime(l.UpdatedAt), l.ID,
	)
	return eris.Wrapf(err, "sqlite: update lot %s", l.ExternalLotID)
}

func (s sqliteQueries) ListLots(ctx context.Context, filter LotFilter) ([]model.Lot, error) {
	b := sqliteBuilder()
	rows, err := s.q.QueryContext(ctx, buildLotQuery(filter, b), b.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list lots")
	}
	defer rows.Close()

	var out []model.Lot
	for rows.Next() {
		l, err := scanSQLiteLot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lot")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list lots iterate")
}

func (s sqliteQueries) UpdateLotOutcome(ctx context.Context, id int64, u model.OutcomeUpdate) (bool, error) {
	at := formatTime(u.ResolvedAt)
	res, err := s.q.ExecContext(ctx,
		`UPDATE lots SET outcome = ?, outcome_confidence = ?, outcome_resolved_at = ?,
		outcome_method = ?, outcome_reason = ?, updated_at = ?
		WHERE id = ? AND outcome_confidence < ?`,
		string(u.Outcome), u.Confidence, at, u.Method, u.Reason, at, id, u.Confidence,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update outcome for lot %d", id)
	}
	return rowsAffected(res) > 0, nil
}

func (s sqliteQueries) LinkPreviousAttempt(ctx context.Context, lotID, previousID int64, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE lots SET previous_attempt_id = ?,
		relist_count = (SELECT relist_count FROM lots WHERE id = ?) + 1, updated_at = ?
		WHERE id = ? AND id <> ? AND previous_attempt_id IS NULL`,
		previousID, previousID, formatTime(at), lotID, previousID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: link lot %d to %d", lotID, previousID)
	}
	return rowsAffected(res) > 0, nil
}

func (s sqliteQueries) countBy(ctx context.Context, query string, args ...any) (map[string]int64, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

func (s sqliteQueries) CountLotsByOutcome(ctx context.Context) (map[model.Outcome]int64, error) {
	counts, err := s.countBy(ctx, `SELECT outcome, COUNT(*) FROM lots GROUP BY outcome`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count lots by outcome")
	}
	out := make(map[model.Outcome]int64, len(counts))
	for k, n := range counts {
		out[model.Outcome(k)] = n
	}
	return out, nil
}

// --- Audit ---

func (s sqliteQueries) InsertAudit(ctx context.Context, rec *model.AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = nowUTC()
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO audit_records (run_id, job, class, record_id, external_lot_id, reason, constraint_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Job, rec.Class, nullInt64(rec.RecordID), rec.ExternalLotID, rec.Reason, rec.Constraint,
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert audit record")
	}
	rec.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: audit id")
}

func (s sqliteQueries) CountAuditByClass(ctx context.Context, since time.Time) (map[string]int64, error) {
	out, err := s.countBy(ctx,
		`SELECT class, COUNT(*) FROM audit_records WHERE created_at >= ? GROUP BY class`, formatTime(since),
	)
	return out, eris.Wrap(err, "sqlite: count audit by class")
}

// --- Runs ---

func (s sqliteQueries) StartRun(ctx context.Context, run *model.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = nowUTC()
	}
	run.Status = model.RunStatusRunning
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO job_runs (id, job, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Job, string(run.Status), formatTime(run.StartedAt),
	)
	return eris.Wrapf(err, "sqlite: start run %s", run.ID)
}

func (s sqliteQueries) CompleteRun(ctx context.Context, id string, summary map[string]any) error {
	return s.finishRun(ctx, id, model.RunStatusComplete, summary, "")
}

func (s sqliteQueries) FailRun(ctx context.Context, id string, summary map[string]any, errMsg string) error {
	return s.finishRun(ctx, id, model.RunStatusFailed, summary, errMsg)
}

func (s sqliteQueries) finishRun(ctx context.Context, id string, status model.RunStatus, summary map[string]any, errMsg string) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run summary")
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE job_runs SET status = ?, completed_at = ?, summary = ?, error = ? WHERE id = ?`,
		string(status), formatTime(nowUTC()), string(data), errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", id)
	}
	if rowsAffected(res) == 0 {
		return eris.Errorf("sqlite: run %s not found", id)
	}
	return nil
}

func (s sqliteQueries) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	b := sqliteBuilder()
	rows, err := s.q.QueryContext(ctx, buildRunQuery(filter, b), b.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		var r model.Run
		var status, started string
		var completed, summary sql.NullString
		if err := rows.Scan(&r.ID, &r.Job, &status, &started, &completed, &summary, &r.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Status = model.RunStatus(status)
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseNullTime(completed); err != nil {
			return nil, err
		}
		if summary.Valid && summary.String != "" {
			if err := json.Unmarshal([]byte(summary.String), &r.Summary); err != nil {
				return nil, eris.Wrapf(err, "sqlite: unmarshal summary for run %s", r.ID)
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}
