/*
Package postgres provides a PostgreSQL implementation of rate.Store on pgx.

PURPOSE:
  Server-grade driver for multi-process deployments. Same table layout as
  the SQLite driver, with native NUMERIC and TIMESTAMPTZ columns.

CONCURRENCY:
  WithSubjectTx opens a transaction and takes
  pg_advisory_xact_lock(hashtextextended('<kind>/<subject>', 0)).
  Writers of one subject queue on that lock across every process sharing
  the database; the lock is released by commit or rollback. Writers of
  other subjects are not affected, and readers take no lock at all.

USAGE:
  pool, err := postgres.NewPool(ctx, cfg.DB)
  store, err := postgres.New(ctx, pool)

SEE ALSO:
  - pool.go: Pool construction with the decimal codec
  - store/sqlite/sqlite.go: Embedded driver with the same schema
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThaisFReis/mise-sub001/commission"
	"github.com/ThaisFReis/mise-sub001/cost"
	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type table struct {
	name       string
	subjectCol string
	valueCol   string
	refCol     string
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

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Store struct {
	reader
	pool *pgxpool.Pool
}

var _ rate.Store = (*Store)(nil)

// New wraps pool and migrates the schema.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{reader: reader{q: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) migrate(ctx context.Context) error {
	for _, t := range []table{tables[cost.Kind], tables[commission.Kind]} {
		refDDL := ""
		if t.refCol != "" {
			refDDL = fmt.Sprintf("%s TEXT,", t.refCol)
		}
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
				id TEXT PRIMARY KEY,
				%[2]s TEXT NOT NULL,
				%[3]s NUMERIC(20, 6) NOT NULL,
				valid_from TIMESTAMPTZ NOT NULL,
				valid_until TIMESTAMPTZ,
				%[4]s
				notes TEXT,
				created_at TIMESTAMPTZ NOT NULL,
				CHECK (valid_until IS NULL OR valid_until > valid_from)
			)`, t.name, t.subjectCol, t.valueCol, refDDL),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_subject_from ON %[1]s(%[2]s, valid_from)`, t.name, t.subjectCol),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_open ON %[1]s(%[2]s) WHERE valid_until IS NULL`, t.name, t.subjectCol),
		}
		for _, stmt := range stmts {
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return err
			}
		}
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

type reader struct {
	q querier
}

func (r reader) Load(ctx context.Context, key rate.SubjectKey) ([]rate.Record, error) {
	t, err := tableFor(key.Kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`%s WHERE %s = $1 ORDER BY valid_from`, selectFrom(t), t.subjectCol)
	return r.query(ctx, key.Kind, query, string(key.SubjectID))
}

func (r reader) LoadOverlapping(ctx context.Context, key rate.SubjectKey, from time.Time, until *time.Time) ([]rate.Record, error) {
	t, err := tableFor(key.Kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`%s WHERE %s = $1 AND (valid_until IS NULL OR valid_until > $2)`, selectFrom(t), t.subjectCol)
	args := []any{string(key.SubjectID), from}
	if until != nil {
		query += ` AND valid_from < $3`
		args = append(args, *until)
	}
	return r.query(ctx, key.Kind, query+` ORDER BY valid_from`, args...)
}

func (r reader) EffectiveAt(ctx context.Context, key rate.SubjectKey, at time.Time) (*rate.Record, error) {
	t, err := tableFor(key.Kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`%s
		WHERE %s = $1 AND valid_from <= $2 AND (valid_until IS NULL OR valid_until > $2)
		ORDER BY valid_from DESC
		LIMIT 1`, selectFrom(t), t.subjectCol)
	recs, err := r.query(ctx, key.Kind, query, string(key.SubjectID), at)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (r reader) query(ctx context.Context, kind rate.Kind, query string, args ...any) ([]rate.Record, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s records: %w", kind, err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (rate.Record, error) {
		return scanRecord(row, kind)
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s records: %w", kind, err)
	}
	return recs, nil
}

func selectFrom(t table) string {
	ref := "''"
	if t.refCol != "" {
		ref = fmt.Sprintf("COALESCE(%s, '')", t.refCol)
	}
	return fmt.Sprintf(`SELECT id, %s, %s, valid_from, valid_until, %s, COALESCE(notes, ''), created_at FROM %s`,
		t.subjectCol, t.valueCol, ref, t.name)
}

func scanRecord(row pgx.CollectableRow, kind rate.Kind) (rate.Record, error) {
	var (
		id, subject, ref, notes string
		value                   decimal.Decimal
		validFrom, createdAt    time.Time
		validUntil              *time.Time
	)
	if err := row.Scan(&id, &subject, &value, &validFrom, &validUntil, &ref, &notes, &createdAt); err != nil {
		return rate.Record{}, err
	}
	rec := rate.Record{
		ID:           rate.RecordID(id),
		Kind:         kind,
		SubjectID:    rate.SubjectID(subject),
		Value:        value,
		ValidFrom:    rate.Normalize(validFrom),
		SecondaryRef: ref,
		Notes:        notes,
		CreatedAt:    rate.Normalize(createdAt),
	}
	if validUntil != nil {
		u := rate.Normalize(*validUntil)
		rec.ValidUntil = &u
	}
	return rec, nil
}

func (s *Store) Subjects(ctx context.Context, kind rate.Kind) ([]rate.SubjectKey, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT DISTINCT %[1]s FROM %[2]s ORDER BY %[1]s`, t.subjectCol, t.name))
	if err != nil {
		return nil, fmt.Errorf("list %s subjects: %w", kind, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	keys := make([]rate.SubjectKey, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, rate.SubjectKey{Kind: kind, SubjectID: rate.SubjectID(id)})
	}
	return keys, nil
}

func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE product_costs, channel_commissions`)
	return err
}

// =============================================================================
// WRITES
// =============================================================================

func (s *Store) WithSubjectTx(ctx context.Context, key rate.SubjectKey, fn func(tx rate.Tx) error) error {
	if _, err := tableFor(key.Kind); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}

	if err := fn(&txStore{reader: reader{q: tx}, tx: tx, key: key}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	reader
	tx  pgx.Tx
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
	args := []any{string(rec.ID), string(rec.SubjectID), rec.Value, rec.ValidFrom, rec.ValidUntil, nullable(rec.Notes), rec.CreatedAt}
	if t.refCol != "" {
		cols = append(cols, t.refCol)
		args = append(args, nullable(rec.SecondaryRef))
	}
	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, t.name, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	// The insert runs under a savepoint so a constraint failure leaves the
	// transaction usable for reading the conflicting record.
	sp, err := ts.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if _, err := sp.Exec(ctx, query, args...); err != nil {
		_ = sp.Rollback(ctx)
		if isUniqueViolation(err) {
			stored, lerr := ts.LoadOverlapping(ctx, rec.Key(), rec.ValidFrom, rec.ValidUntil)
			if lerr != nil {
				return fmt.Errorf("%w: %v", rate.ErrOverlap, err)
			}
			return rate.ConflictError(rec, stored, err)
		}
		return fmt.Errorf("insert %s record: %w", rec.Kind, err)
	}
	return sp.Commit(ctx)
}

func (ts *txStore) SetValidUntil(ctx context.Context, key rate.SubjectKey, id rate.RecordID, until time.Time) error {
	if key != ts.key {
		return fmt.Errorf("transaction bound to %s, got %s", ts.key, key)
	}
	t, err := tableFor(key.Kind)
	if err != nil {
		return err
	}
	tag, err := ts.q.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET valid_until = $1 WHERE id = $2 AND %s = $3 AND valid_until IS NULL`, t.name, t.subjectCol),
		until, string(id), string(key.SubjectID))
	if err != nil {
		return fmt.Errorf("close record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New("record " + string(id) + " is not an open record of " + key.String())
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
