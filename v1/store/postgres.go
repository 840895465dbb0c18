package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rega1237/renova-crm-sub000/v1/board"
	boarderrors "github.com/rega1237/renova-crm-sub000/v1/errors"
)

const (
	createRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS board_records (
    id                   VARCHAR       PRIMARY KEY,
    lane                 VARCHAR       NOT NULL,
    title                VARCHAR       NOT NULL DEFAULT '',
    owner_name           VARCHAR       NOT NULL DEFAULT '',
    source               VARCHAR       NOT NULL DEFAULT '',
    region               VARCHAR       NOT NULL DEFAULT '',
    reason               VARCHAR       NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ   NOT NULL,
    last_lane_change_at  TIMESTAMPTZ,
    updated_at           TIMESTAMPTZ   NOT NULL
);`

	createRecordsLaneIndexSQL = `
CREATE INDEX IF NOT EXISTS board_records_lane_idx
ON board_records (lane, COALESCE(last_lane_change_at, created_at) DESC);`

	createLocksTableSQL = `
CREATE TABLE IF NOT EXISTS board_locks (
    record_id     VARCHAR       PRIMARY KEY,
    holder_id     VARCHAR       NOT NULL,
    holder_label  VARCHAR       NOT NULL DEFAULT '',
    expires_at    TIMESTAMPTZ   NOT NULL
);`

	recordColumns = `id, lane, title, owner_name, source, region, reason, created_at, last_lane_change_at, updated_at`

	// The lock upsert is the compare-and-set: the UPDATE arm only fires when
	// the existing row has expired, so two simultaneous acquirers serialize
	// on the row and exactly one wins.
	acquireLockSQL = `
INSERT INTO board_locks (record_id, holder_id, holder_label, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (record_id) DO UPDATE
SET holder_id = EXCLUDED.holder_id,
    holder_label = EXCLUDED.holder_label,
    expires_at = EXCLUDED.expires_at
WHERE board_locks.expires_at <= $5
RETURNING holder_id;`

	releaseLockSQL = `
DELETE FROM board_locks
WHERE record_id = $1 AND holder_id = $2 AND expires_at > $3;`

	refreshLockSQL = `
UPDATE board_locks
SET expires_at = $3
WHERE record_id = $1 AND holder_id = $2 AND expires_at > $4
RETURNING holder_label;`

	getLockSQL = `
SELECT holder_id, holder_label, expires_at
FROM board_locks
WHERE record_id = $1 AND expires_at > $2;`
)

// Postgres implements RecordStore and LockStore over database/sql with the
// lib/pq driver. Callers open the *sql.DB (and blank-import the driver).
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgres returns a store over the provided database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// Migrate creates the record and lock tables.
func (s *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range []string{createRecordsTableSQL, createRecordsLaneIndexSQL, createLocksTableSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func scanRecord(row interface{ Scan(...any) error }) (board.Record, error) {
	var r board.Record
	var lane string
	var lastChange sql.NullTime
	err := row.Scan(&r.ID, &lane, &r.Title, &r.Owner, &r.Source, &r.Region, &r.Reason,
		&r.CreatedAt, &lastChange, &r.UpdatedAt)
	if err != nil {
		return board.Record{}, err
	}
	r.Lane = board.Lane(lane)
	if lastChange.Valid {
		r.LastLaneChangeAt = lastChange.Time
	}
	return r, nil
}

// Get implements RecordStore.Get.
func (s *Postgres) Get(ctx context.Context, id string) (board.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM board_records WHERE id = $1`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return board.Record{}, boarderrors.ErrNotFound
	}
	if err != nil {
		return board.Record{}, fmt.Errorf("store: get record: %w", err)
	}
	return r, nil
}

// Put implements RecordStore.Put.
func (s *Postgres) Put(ctx context.Context, r board.Record) error {
	var lastChange any
	if !r.LastLaneChangeAt.IsZero() {
		lastChange = r.LastLaneChangeAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO board_records (`+recordColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE
SET lane = EXCLUDED.lane,
    title = EXCLUDED.title,
    owner_name = EXCLUDED.owner_name,
    source = EXCLUDED.source,
    region = EXCLUDED.region,
    reason = EXCLUDED.reason,
    last_lane_change_at = EXCLUDED.last_lane_change_at,
    updated_at = EXCLUDED.updated_at`,
		r.ID, string(r.Lane), r.Title, r.Owner, r.Source, r.Region, r.Reason,
		r.CreatedAt, lastChange, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: put record: %w", err)
	}
	return nil
}

// MoveLane implements RecordStore.MoveLane.
func (s *Postgres) MoveLane(ctx context.Context, id string, to board.Lane, now time.Time) (board.Record, error) {
	if !to.Valid() {
		return board.Record{}, boarderrors.ErrBadLane
	}
	row := s.db.QueryRowContext(ctx, `
UPDATE board_records
SET lane = $2, last_lane_change_at = $3, updated_at = $3
WHERE id = $1
RETURNING `+recordColumns, id, string(to), now)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return board.Record{}, boarderrors.ErrNotFound
	}
	if err != nil {
		return board.Record{}, fmt.Errorf("store: move lane: %w", err)
	}
	return r, nil
}

// UpdateOwner implements RecordStore.UpdateOwner.
func (s *Postgres) UpdateOwner(ctx context.Context, id, owner string, now time.Time) (board.Record, error) {
	return s.updateField(ctx, id, "owner_name", owner, now)
}

// UpdateReason implements RecordStore.UpdateReason.
func (s *Postgres) UpdateReason(ctx context.Context, id, reason string, now time.Time) (board.Record, error) {
	return s.updateField(ctx, id, "reason", reason, now)
}

func (s *Postgres) updateField(ctx context.Context, id, column, value string, now time.Time) (board.Record, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE board_records
SET `+column+` = $2, updated_at = $3
WHERE id = $1
RETURNING `+recordColumns, id, value, now)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return board.Record{}, boarderrors.ErrNotFound
	}
	if err != nil {
		return board.Record{}, fmt.Errorf("store: update %s: %w", column, err)
	}
	return r, nil
}

// filterClause builds the WHERE fragment shared by List, Count and Counts so
// page and count queries can never disagree.
func filterClause(f board.Filters, args []any) (string, []any) {
	var clauses []string
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf("(title ILIKE $%d OR owner_name ILIKE $%d)", n, n))
	}
	if f.Source != "" {
		args = append(args, f.Source)
		clauses = append(clauses, fmt.Sprintf("source = $%d", len(args)))
	}
	if f.Region != "" {
		args = append(args, f.Region)
		clauses = append(clauses, fmt.Sprintf("region = $%d", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

func orderClause(lane board.Lane) string {
	if lane == board.LaneLead {
		return "ORDER BY created_at DESC, id DESC"
	}
	return "ORDER BY COALESCE(last_lane_change_at, created_at) DESC, id DESC"
}

// List implements RecordStore.List.
func (s *Postgres) List(ctx context.Context, lane board.Lane, f board.Filters, offset, limit int) ([]board.Record, error) {
	if !lane.Valid() {
		return nil, boarderrors.ErrBadLane
	}
	args := []any{string(lane)}
	where, args := filterClause(f, args)
	args = append(args, limit, offset)
	q := fmt.Sprintf(`SELECT %s FROM board_records WHERE lane = $1%s %s LIMIT $%d OFFSET $%d`,
		recordColumns, where, orderClause(lane), len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list lane: %w", err)
	}
	defer rows.Close()
	out := []board.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count implements RecordStore.Count.
func (s *Postgres) Count(ctx context.Context, lane board.Lane, f board.Filters) (int, error) {
	if !lane.Valid() {
		return 0, boarderrors.ErrBadLane
	}
	args := []any{string(lane)}
	where, args := filterClause(f, args)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM board_records WHERE lane = $1`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count lane: %w", err)
	}
	return n, nil
}

// Counts implements RecordStore.Counts.
func (s *Postgres) Counts(ctx context.Context, f board.Filters) (map[board.Lane]int, error) {
	args := []any{}
	where, args := filterClause(f, args)
	if where != "" {
		where = " WHERE " + strings.TrimPrefix(where, " AND ")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT lane, COUNT(*) FROM board_records`+where+` GROUP BY lane`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: counts: %w", err)
	}
	defer rows.Close()
	counts := make(map[board.Lane]int, len(board.Lanes()))
	for _, lane := range board.Lanes() {
		counts[lane] = 0
	}
	for rows.Next() {
		var lane string
		var n int
		if err := rows.Scan(&lane, &n); err != nil {
			return nil, fmt.Errorf("store: scan count: %w", err)
		}
		counts[board.Lane(lane)] = n
	}
	return counts, rows.Err()
}

// AcquireLock implements LockStore.AcquireLock.
func (s *Postgres) AcquireLock(ctx context.Context, recordID, holderID, label string, ttl time.Duration) (Lock, bool, error) {
	now := s.now()
	expires := now.Add(ttl)
	var winner string
	err := s.db.QueryRowContext(ctx, acquireLockSQL,
		recordID, holderID, label, expires, now).Scan(&winner)
	if err == nil {
		return Lock{RecordID: recordID, HolderID: holderID, HolderLabel: label, ExpiresAt: expires}, true, nil
	}
	if err != sql.ErrNoRows {
		return Lock{}, false, fmt.Errorf("store: acquire lock: %w", err)
	}
	// CAS refused: report the live holder.
	cur, held, gerr := s.GetLock(ctx, recordID)
	if gerr != nil {
		return Lock{}, false, gerr
	}
	if !held {
		// Holder vanished between the CAS and the read; caller retries.
		return s.AcquireLock(ctx, recordID, holderID, label, ttl)
	}
	return cur, false, nil
}

// ReleaseLock implements LockStore.ReleaseLock.
func (s *Postgres) ReleaseLock(ctx context.Context, recordID, holderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, releaseLockSQL, recordID, holderID, s.now())
	if err != nil {
		return false, fmt.Errorf("store: release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: release lock: %w", err)
	}
	return n == 1, nil
}

// RefreshLock implements LockStore.RefreshLock.
func (s *Postgres) RefreshLock(ctx context.Context, recordID, holderID string, ttl time.Duration) (Lock, bool, error) {
	now := s.now()
	expires := now.Add(ttl)
	var label string
	err := s.db.QueryRowContext(ctx, refreshLockSQL, recordID, holderID, expires, now).Scan(&label)
	if err == sql.ErrNoRows {
		return Lock{}, false, nil
	}
	if err != nil {
		return Lock{}, false, fmt.Errorf("store: refresh lock: %w", err)
	}
	return Lock{RecordID: recordID, HolderID: holderID, HolderLabel: label, ExpiresAt: expires}, true, nil
}

// GetLock implements LockStore.GetLock.
func (s *Postgres) GetLock(ctx context.Context, recordID string) (Lock, bool, error) {
	l := Lock{RecordID: recordID}
	err := s.db.QueryRowContext(ctx, getLockSQL, recordID, s.now()).
		Scan(&l.HolderID, &l.HolderLabel, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return Lock{}, false, nil
	}
	if err != nil {
		return Lock{}, false, fmt.Errorf("store: get lock: %w", err)
	}
	return l, true, nil
}
