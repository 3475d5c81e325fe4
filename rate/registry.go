/*
registry.go - Write path: insert with automatic closing, explicit close

PURPOSE:
  Registry is the only component that writes rate records. It validates
  input against the variant catalog and places the record into the
  subject's history without breaking the invariants listed in types.go.

INSERT RULES:
  Open-ended record, subject has an open record O:
    from <  O.from  -> OrderingError
    from == O.from  -> OverlapError (closing O would leave it empty)
    from >  O.from  -> O.ValidUntil = from, then insert
  Open-ended record, no open record:
    any record ending after from -> OverlapError
  Closed record (backfill):
    any intersecting record -> OverlapError

  The close of O and the insert run in one WithSubjectTx; a failure on
  either leaves the history untouched.

SEE ALSO:
  - store.go: WithSubjectTx contract
  - errors.go: Error types returned here
  - cost/cost.go, commission/commission.go: Typed write surfaces
*/
package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Registry struct {
	store    Store
	variants *Catalog
	clock    Clock
	newID    func() RecordID
}

type RegistryOption func(*Registry)

func WithClock(c Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

// WithIDGenerator replaces the default uuid v4 ids.
func WithIDGenerator(fn func() RecordID) RegistryOption {
	return func(r *Registry) { r.newID = fn }
}

func NewRegistry(store Store, variants *Catalog, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:    store,
		variants: variants,
		clock:    SystemClock{},
		newID:    func() RecordID { return RecordID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (g *Registry) Store() Store       { return g.store }
func (g *Registry) Variants() *Catalog { return g.variants }
func (g *Registry) Clock() Clock       { return g.clock }

// =============================================================================
// INSERT
// =============================================================================

// Insert validates in and persists it, closing the subject's open record
// when in supersedes it.
func (g *Registry) Insert(ctx context.Context, in NewRecord) (Record, error) {
	rec, err := g.prepare(in)
	if err != nil {
		return Record{}, err
	}

	err = g.store.WithSubjectTx(ctx, rec.Key(), func(tx Tx) error {
		if rec.IsOpen() {
			if err := g.supersede(ctx, tx, rec); err != nil {
				return err
			}
		} else {
			conflicts, err := tx.LoadOverlapping(ctx, rec.Key(), rec.ValidFrom, rec.ValidUntil)
			if err != nil {
				return err
			}
			if len(conflicts) > 0 {
				return overlapError(rec, conflicts[0])
			}
		}
		return tx.Insert(ctx, rec)
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// supersede makes room for the open-ended record rec.
func (g *Registry) supersede(ctx context.Context, tx Tx, rec Record) error {
	existing, err := tx.Load(ctx, rec.Key())
	if err != nil {
		return err
	}

	open := findOpen(existing)
	if open == nil {
		for _, r := range existing {
			if r.Interval().Overlaps(rec.Interval()) {
				return overlapError(rec, r)
			}
		}
		return nil
	}

	switch {
	case rec.ValidFrom.Before(open.ValidFrom):
		return &OrderingError{
			Key:         rec.Key(),
			Attempted:   rec.ValidFrom,
			CurrentID:   open.ID,
			CurrentFrom: open.ValidFrom,
		}
	case rec.ValidFrom.Equal(open.ValidFrom):
		return overlapError(rec, *open)
	}
	return tx.SetValidUntil(ctx, rec.Key(), open.ID, rec.ValidFrom)
}

func (g *Registry) prepare(in NewRecord) (Record, error) {
	variant, err := g.variants.Lookup(in.Kind)
	if err != nil {
		return Record{}, err
	}
	if in.SubjectID == "" {
		return Record{}, &RangeError{Field: "subjectId", Value: `""`, Reason: "must not be empty"}
	}
	if in.ValidFrom.IsZero() {
		return Record{}, &RangeError{Field: "validFrom", Value: "<zero>", Reason: "is required"}
	}
	if err := variant.Validate(in.Value); err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:           g.newID(),
		Kind:         in.Kind,
		SubjectID:    in.SubjectID,
		Value:        in.Value,
		ValidFrom:    Normalize(in.ValidFrom),
		SecondaryRef: in.SecondaryRef,
		Notes:        in.Notes,
		CreatedAt:    Normalize(g.clock.Now()),
	}
	if in.ValidUntil != nil {
		u := Normalize(*in.ValidUntil)
		if !u.After(rec.ValidFrom) {
			return Record{}, &RangeError{
				Field:  "validUntil",
				Value:  FormatInstant(u),
				Reason: "must be after validFrom " + FormatInstant(rec.ValidFrom),
			}
		}
		rec.ValidUntil = &u
	}
	return rec, nil
}

// =============================================================================
// CLOSE
// =============================================================================

// Close ends the subject's open record at at, leaving the subject without
// a current rate from at onward. It returns the closed record.
func (g *Registry) Close(ctx context.Context, key SubjectKey, at time.Time) (Record, error) {
	if _, err := g.variants.Lookup(key.Kind); err != nil {
		return Record{}, err
	}
	at = Normalize(at)

	var closed Record
	err := g.store.WithSubjectTx(ctx, key, func(tx Tx) error {
		existing, err := tx.Load(ctx, key)
		if err != nil {
			return err
		}
		open := findOpen(existing)
		if open == nil {
			return &NotFoundError{Key: key}
		}
		if !at.After(open.ValidFrom) {
			return &RangeError{
				Field:  "at",
				Value:  FormatInstant(at),
				Reason: "must be after the open record's validFrom " + FormatInstant(open.ValidFrom),
			}
		}
		if err := tx.SetValidUntil(ctx, key, open.ID, at); err != nil {
			return err
		}
		closed = *open
		closed.ValidUntil = &at
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return closed, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func findOpen(records []Record) *Record {
	for i := range records {
		if records[i].IsOpen() {
			return &records[i]
		}
	}
	return nil
}

// ConflictError reports rec against the first of stored that it overlaps.
// Stores use it when a schema constraint rejects an insert; if no stored
// record overlaps, the bare ErrOverlap is wrapped with cause.
func ConflictError(rec Record, stored []Record, cause error) error {
	in := rec.Interval()
	for _, s := range stored {
		if s.ID != rec.ID && s.Interval().Overlaps(in) {
			return overlapError(rec, s)
		}
	}
	return fmt.Errorf("%w: %v", ErrOverlap, cause)
}

func overlapError(rec, conflict Record) *OverlapError {
	return &OverlapError{
		Key:           rec.Key(),
		Attempted:     rec.Interval(),
		ConflictingID: conflict.ID,
		Conflicting:   conflict.Interval(),
	}
}
