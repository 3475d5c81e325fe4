/*
Package sqlite provides a SQLite-backed implementation of rate.Store.

PURPOSE:
  Persists cost and commission histories in SQLite, one table per record
  kind. The same layout is used by the Postgres driver; only the dialect
  and the locking differ.

KEY TABLES:
  product_costs:       Supplier cost history per product
  channel_commissions: Commission rate history per sales channel

INDEXES:
  - idx_<table>_subject_from: (subject, valid_from), unique; drives every
    lookup and the ValidFrom ordering
  - idx_<table>_open: unique partial index, one open record per subject

STORAGE FORMAT:
  Instants are TEXT in a fixed UTC layout ("2006-01-02T15:04:05Z") so that
  string comparison is time comparison. Values are decimal strings.

CONCURRENCY:
  Writers take the in-process lock of their subject and open the database
  transaction with BEGIN IMMEDIATE (_txlock=immediate), so a second process
  writing to the same file waits on SQLite's write lock instead of failing
  at commit. WAL mode keeps readers from blocking on writers.

USAGE:
  store, err := sqlite.New("./data/rates.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  registry := rate.NewRegistry(store, catalog)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - rate/store.go: Interface definitions
  - rate/store/memory.go: In-memory implementation for testing
  - store/postgres: Server database driver
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ThaisFReis/mise-sub001/commission"
	"github.com/ThaisFReis/mise-sub001/cost"
	"github.com/ThaisFReis/mise-sub001/rate"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// timeLayout sorts lexicographically in time order.
const timeLayout = "2006-01-02T15:04:05Z"

// table maps a record kind to its table and column names.
type table struct {
	name       string
	subjectCol string
	valueCol   string
	refCol     string // empty when the kind has no secondary reference
}

var tables = map[rate.Kind]table{
	cost.Kind:       {name: "product_costs", subjectCol: "product_id", valueCol: "value", refCol: "supplier_ref"},
	commission.Kind: {name: "channel_commissions", subjectCol: "channel_id", valueCol: "rate"},
}

func tableFor(kind rate.Kind) (table, error) {
	t, ok := tables[kind]
	if !ok {
		return table{}, fmt.Errorf("%w: %q has no table", rate.ErrUnknownKind, kind)
	}
	return t, nil
}

// Store implements rate.Store using SQLite.
type Store struct {
	reader
	db    *sql.DB
	locks rate.SubjectLocks
}

var _ rate.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{reader: reader{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	var schema strings.Builder
	for _, t := range []table{tables[cost.Kind], tables[commission.Kind]} {
		refDDL := ""
		if t.refCol != "" {
			refDDL = fmt.Sprintf("%s TEXT,", t.refCol)
		}
		fmt.Fprintf(&schema, `
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		%[2]s TEXT NOT NULL,
		%[3]s TEXT NOT NULL,
		valid_from TEXT NOT NULL,
		valid_until TEXT,
		%[4]s
		notes TEXT,
		created_at TEXT NOT NULL,
		CHECK (valid_until IS NULL OR valid_until > valid_from)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_subject_from
		ON %[1]s(%[2]s, valid_from);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_open
		ON %[1]s(%[2]s) WHERE valid_until IS NULL;
	`, t.name, t.subjectCol, t.valueCol, refDDL)
	}

	_, err := s.db.Exec(schema.String())
	return err
}

// =============================================================================
// READS (rate.Reader)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// reader runs the read queries against the database or an open transaction.
type reader struct {
	q querier
}

func (r reader) Load(ctx context.Context, key rate.SubjectKey) ([]rate.Record, error) {
	t, err := tableFor(key.Kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`%s WHERE %s = ? ORDER BY valid_from ASC`, selectFrom(t), t.subjectCol)
	return r.query(ctx, key.Kind, query, key.SubjectID)
}

func (r reader) LoadOverlapping(ctx context.Context, key rate.SubjectKey, from time.Time, until *time.Time) ([]rate.Record, error) {
	t, err := tableFor(key.Kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`%s WHERE %s = ? AND (valid_until IS NULL OR valid_until > ?)`, selectFrom(t), t.subjectCol)
	args := []any{key.SubjectID, formatTime(from)}
	if until != nil {
		query += ` AND valid_from < ?`
		args = append(args, formatTime(*until))
	}
	query += ` ORDER BY valid_from ASC`
	return r.query(ctx, key.Kind, query, args...)
}

func (r reader) EffectiveAt(ctx context.Context, key rate.SubjectKey, at time.Time) (*rate.Record, error) {
	t, err := tableFor(key.Kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`%s
		WHERE %s = ? AND valid_from <= ? AND (valid_until IS NULL OR valid_until > ?)
		ORDER BY valid_from DESC
		LIMIT 1`, selectFrom(t), t.subjectCol)
	ts := formatTime(at)
	recs, err := r.query(ctx, key.Kind, query, key.SubjectID, ts, ts)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (r reader) query(ctx context.Context, kind rate.Kind, query string, args ...any) ([]rate.Record, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", kind, err)
	}
	defer rows.Close()

	var records []rate.Record
	for rows.Next() {
		rec, err := scanRecord(rows, kind)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func selectFrom(t table) string {
	ref := "''"
	if t.refCol != "" {
		ref = fmt.Sprintf("COALESCE(%s, '')", t.refCol)
	}
	return fmt.Sprintf(`SELECT id, %s, %s, valid_from, valid_until, %s, COALESCE(notes, ''), created_at FROM %s`,
		t.subjectCol, t.valueCol, ref, t.name)
}

func scanRecord(rows *sql.Rows, kind rate.Kind) (rate.Record, error) {
	var (
		rec        rate.Record
		value      string
		validFrom  string
		validUntil sql.NullString
		createdAt  string
	)
	err := rows.Scan(&rec.ID, &rec.SubjectID, &value, &validFrom, &validUntil, &rec.SecondaryRef, &rec.Notes, &createdAt)
	if err != nil {
		return rec, fmt.Errorf("failed to scan %s record: %w", kind, err)
	}

	rec.Kind = kind
	if rec.Value, err = decimal.NewFromString(value); err != nil {
		return rec, fmt.Errorf("record %s: bad value %q: %w", rec.ID, value, err)
	}
	if rec.ValidFrom, err = parseTime(validFrom); err != nil {
		return rec, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	if validUntil.Valid {
		u, err := parseTime(validUntil.String)
		if err != nil {
			return rec, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		rec.ValidUntil = &u
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	return rec, nil
}

// Subjects lists the keys of kind that own at least one record.
func (s *Store) Subjects(ctx context.Context, kind rate.Kind) ([]rate.SubjectKey, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT DISTINCT %[1]s FROM %[2]s ORDER BY %[1]s`, t.subjectCol, t.name))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s subjects: %w", kind, err)
	}
	defer rows.Close()

	var keys []rate.SubjectKey
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		keys = append(keys, rate.SubjectKey{Kind: kind, SubjectID: rate.SubjectID(id)})
	}
	return keys, rows.Err()
}

// Reset deletes every record.
func (s *Store) Reset(ctx context.Context) error {
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t.name); err != nil {
			return fmt.Errorf("failed to reset %s: %w", t.name, err)
		}
	}
	return nil
}

// =============================================================================
// WRITES (rate.Tx)
// =============================================================================

// WithSubjectTx runs fn inside one database transaction holding key's lock.
func (s *Store) WithSubjectTx(ctx context.Context, key rate.SubjectKey, fn func(tx rate.Tx) error) error {
	if _, err := tableFor(key.Kind); err != nil {
		return err
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{reader: reader{q: sqlTx}, key: key}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	reader
	key rate.SubjectKey
}

func (ts *txStore) Insert(ctx context.Context, rec rate.Record) error {
	if rec.Key() != ts.key {
		return fmt.Errorf("transaction bound to %s, got %s", ts.key, rec.Key())
	}
	t, err := tableFor(rec.Kind)
	if err != nil {
		return err
	}

	cols := []string{"id", t.subjectCol, t.valueCol, "valid_from", "valid_until", "notes", "created_at"}
	args := []any{
		rec.ID,
		rec.SubjectID,
		rec.Value.String(),
		formatTime(rec.ValidFrom),
		nullTime(rec.ValidUntil),
		nullString(rec.Notes),
		formatTime(rec.CreatedAt),
	}
	if t.refCol != "" {
		cols = append(cols, t.refCol)
		args = append(args, nullString(rec.SecondaryRef))
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?%s)`,
		t.name, strings.Join(cols, ", "), strings.Repeat(", ?", len(cols)-1))

	if _, err := ts.q.ExecContext(ctx, query, args...); err != nil {
		if isUniqueConstraintError(err) {
			stored, lerr := ts.LoadOverlapping(ctx, rec.Key(), rec.ValidFrom, rec.ValidUntil)
			if lerr != nil {
				return fmt.Errorf("%w: %v", rate.ErrOverlap, err)
			}
			return rate.ConflictError(rec, stored, err)
		}
		return fmt.Errorf("failed to insert %s record: %w", rec.Kind, err)
	}
	return nil
}

func (ts *txStore) SetValidUntil(ctx context.Context, key rate.SubjectKey, id rate.RecordID, until time.Time) error {
	if key != ts.key {
		return fmt.Errorf("transaction bound to %s, got %s", ts.key, key)
	}
	t, err := tableFor(key.Kind)
	if err != nil {
		return err
	}

	res, err := ts.q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET valid_until = ? WHERE id = ? AND %s = ? AND valid_until IS NULL`, t.name, t.subjectCol),
		formatTime(until), id, key.SubjectID)
	if err != nil {
		return fmt.Errorf("failed to close record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("record %s is not an open record of %s", id, key)
	}
	return nil
}

// Helper functions

func formatTime(t time.Time) string {
	return rate.Normalize(t).Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
