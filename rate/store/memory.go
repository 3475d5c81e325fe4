// Package store provides the in-memory rate.Store implementation.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThaisFReis/mise-sub001/rate"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps each subject's history as a ValidFrom-ordered slice. A write
// transaction works on a private copy of one subject's slice and swaps it in
// on commit, so readers always see either the old or the new history.
type Memory struct {
	mu       sync.RWMutex
	subjects map[rate.SubjectKey][]rate.Record
	gen      uint64 // bumped by Reset
	locks    rate.SubjectLocks
}

// ErrResetDuringTx is returned by a write transaction whose snapshot was
// taken before a concurrent Reset; nothing is committed.
var ErrResetDuringTx = errors.New("store was reset during the transaction")

var _ rate.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{subjects: make(map[rate.SubjectKey][]rate.Record)}
}

func (m *Memory) Load(_ context.Context, key rate.SubjectKey) ([]rate.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneRecords(m.subjects[key]), nil
}

func (m *Memory) LoadOverlapping(_ context.Context, key rate.SubjectKey, from time.Time, until *time.Time) ([]rate.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return overlapping(m.subjects[key], rate.Interval{From: from, Until: until}), nil
}

func (m *Memory) EffectiveAt(_ context.Context, key rate.SubjectKey, at time.Time) (*rate.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return effectiveAt(m.subjects[key], at), nil
}

func (m *Memory) Subjects(_ context.Context, kind rate.Kind) ([]rate.SubjectKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []rate.SubjectKey
	for k, recs := range m.subjects {
		if k.Kind == kind && len(recs) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].SubjectID < keys[j].SubjectID })
	return keys, nil
}

// Reset drops every history.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = make(map[rate.SubjectKey][]rate.Record)
	m.gen++
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithSubjectTx serializes writers of key. fn works on a copy of the
// subject's records which replaces the stored slice only when fn succeeds.
func (m *Memory) WithSubjectTx(ctx context.Context, key rate.SubjectKey, fn func(tx rate.Tx) error) error {
	unlock := m.locks.Lock(key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	view := &memoryTx{key: key, records: cloneRecords(m.subjects[key])}
	gen := m.gen
	m.mu.RUnlock()

	if err := fn(view); err != nil {
		return err
	}
	if !view.dirty {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return fmt.Errorf("%s: %w", key, ErrResetDuringTx)
	}
	m.subjects[key] = view.records
	return nil
}

type memoryTx struct {
	key     rate.SubjectKey
	records []rate.Record
	dirty   bool
}

func (tx *memoryTx) Load(_ context.Context, key rate.SubjectKey) ([]rate.Record, error) {
	if err := tx.check(key); err != nil {
		return nil, err
	}
	return cloneRecords(tx.records), nil
}

func (tx *memoryTx) LoadOverlapping(_ context.Context, key rate.SubjectKey, from time.Time, until *time.Time) ([]rate.Record, error) {
	if err := tx.check(key); err != nil {
		return nil, err
	}
	return overlapping(tx.records, rate.Interval{From: from, Until: until}), nil
}

func (tx *memoryTx) EffectiveAt(_ context.Context, key rate.SubjectKey, at time.Time) (*rate.Record, error) {
	if err := tx.check(key); err != nil {
		return nil, err
	}
	return effectiveAt(tx.records, at), nil
}

func (tx *memoryTx) Insert(_ context.Context, r rate.Record) error {
	if err := tx.check(r.Key()); err != nil {
		return err
	}
	i := sort.Search(len(tx.records), func(i int) bool {
		return tx.records[i].ValidFrom.After(r.ValidFrom)
	})
	tx.records = append(tx.records, rate.Record{})
	copy(tx.records[i+1:], tx.records[i:])
	tx.records[i] = r
	tx.dirty = true
	return nil
}

func (tx *memoryTx) SetValidUntil(_ context.Context, key rate.SubjectKey, id rate.RecordID, until time.Time) error {
	if err := tx.check(key); err != nil {
		return err
	}
	for i := range tx.records {
		if tx.records[i].ID == id {
			u := until
			tx.records[i].ValidUntil = &u
			tx.dirty = true
			return nil
		}
	}
	return fmt.Errorf("record %s not found in %s", id, key)
}

func (tx *memoryTx) check(key rate.SubjectKey) error {
	if key != tx.key {
		return fmt.Errorf("transaction bound to %s, got %s", tx.key, key)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneRecords(src []rate.Record) []rate.Record {
	out := make([]rate.Record, len(src))
	for i, r := range src {
		if r.ValidUntil != nil {
			u := *r.ValidUntil
			r.ValidUntil = &u
		}
		out[i] = r
	}
	return out
}

func overlapping(recs []rate.Record, in rate.Interval) []rate.Record {
	var out []rate.Record
	for _, r := range recs {
		if r.Interval().Overlaps(in) {
			out = append(out, r)
		}
	}
	return cloneRecords(out)
}

func effectiveAt(recs []rate.Record, at time.Time) *rate.Record {
	// Last record starting at or before at is the only candidate.
	i := sort.Search(len(recs), func(i int) bool { return recs[i].ValidFrom.After(at) })
	if i == 0 || !recs[i-1].Covers(at) {
		return nil
	}
	r := cloneRecords(recs[i-1 : i])[0]
	return &r
}
