/*
store.go - Persistence contract for rate histories

PURPOSE:
  Defines the interfaces every store driver implements. The engine never
  talks to a database directly; it reads through Reader and writes inside
  WithSubjectTx.

TRANSACTION MODEL:
  WithSubjectTx gives fn exclusive write access to one SubjectKey. Either
  every write made through the Tx becomes visible, or none does. Writers on
  different keys do not wait for each other; readers never wait for writers.

IMPLEMENTATIONS:
  - rate/store/memory.go:   per-subject mutex, copy-on-write commit
  - store/sqlite/sqlite.go: per-subject lock + BEGIN IMMEDIATE
  - store/postgres:         pg_advisory_xact_lock per subject

SEE ALSO:
  - registry.go: The only writer
  - ratetest/suite.go: Conformance suite run by every driver
*/
package rate

import (
	"context"
	"sync"
	"time"
)

// Reader is the read side of a store. Slices are ordered by ValidFrom.
type Reader interface {
	Load(ctx context.Context, key SubjectKey) ([]Record, error)

	// LoadOverlapping returns records intersecting [from, until); nil until
	// means open-ended.
	LoadOverlapping(ctx context.Context, key SubjectKey, from time.Time, until *time.Time) ([]Record, error)

	// EffectiveAt returns the record covering at, or nil.
	EffectiveAt(ctx context.Context, key SubjectKey, at time.Time) (*Record, error)
}

// Tx is a write scope bound to one subject.
type Tx interface {
	Reader
	Insert(ctx context.Context, r Record) error
	SetValidUntil(ctx context.Context, key SubjectKey, id RecordID, until time.Time) error
}

type Store interface {
	Reader
	WithSubjectTx(ctx context.Context, key SubjectKey, fn func(tx Tx) error) error

	// Subjects lists every key of the given kind that owns at least one record.
	Subjects(ctx context.Context, kind Kind) ([]SubjectKey, error)
}

// Resetter is implemented by stores that can drop all data (scenarios, tests).
type Resetter interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// SUBJECT LOCKS
// =============================================================================

// SubjectLocks hands out one mutex per SubjectKey. Entries are kept for
// the life of the process.
type SubjectLocks struct {
	mu    sync.Mutex
	locks map[SubjectKey]*sync.Mutex
}

// Lock blocks until key is free and returns its unlock function.
func (l *SubjectLocks) Lock(key SubjectKey) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[SubjectKey]*sync.Mutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
