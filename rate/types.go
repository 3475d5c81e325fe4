/*
Package rate provides the temporal rate versioning and resolution engine.

PURPOSE:
  Products carry a history of supplier costs, sales channels a history of
  commission rates. Each entry is valid over a half-open interval
  [ValidFrom, ValidUntil). This package stores those histories, answers
  "which rate was in effect at t" and "which rates were in effect during
  [a, b)", and keeps the histories consistent under concurrent writers.

KEY CONCEPTS IN THIS FILE (types.go):
  - SubjectKey: Identifies one rate history (kind + subject id)
  - Record: One versioned rate with its validity interval
  - NewRecord: Input for Registry.Insert
  - Status: Derived lifecycle state of a record at an instant

INVARIANTS (per SubjectKey):
  1. No two records overlap (nil ValidUntil counts as +infinity)
  2. At most one open-ended record
  3. ValidFrom < ValidUntil whenever ValidUntil is set
  4. Records never change, except the one-time close of an open record

USAGE:
  reg := rate.NewRegistry(store, rate.NewCatalog(cost.Variant{}))
  rec, err := reg.Insert(ctx, rate.NewRecord{
      Kind:      cost.Kind,
      SubjectID: "burger",
      Value:     decimal.NewFromInt(10),
      ValidFrom: rate.Day(2024, 1, 1),
  })

SEE ALSO:
  - time.go: Interval type and instant normalization
  - registry.go: Insert with automatic closing, Close
  - resolver.go: Point-in-time lookup
  - segments.go: Range sweep
  - history.go: History and trend reports
*/
package rate

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	SubjectID string
	RecordID  string
	Kind      string
)

// SubjectKey identifies one rate history. The same subject id may own
// histories of different kinds.
type SubjectKey struct {
	Kind      Kind
	SubjectID SubjectID
}

func (k SubjectKey) String() string { return fmt.Sprintf("%s/%s", k.Kind, k.SubjectID) }

// =============================================================================
// RECORD
// =============================================================================

// Record is one versioned rate. Value is a cost amount or a percentage,
// depending on Kind.
type Record struct {
	ID           RecordID
	Kind         Kind
	SubjectID    SubjectID
	Value        decimal.Decimal
	ValidFrom    time.Time
	ValidUntil   *time.Time
	SecondaryRef string
	Notes        string
	CreatedAt    time.Time
}

func (r Record) Key() SubjectKey         { return SubjectKey{Kind: r.Kind, SubjectID: r.SubjectID} }
func (r Record) IsOpen() bool            { return r.ValidUntil == nil }
func (r Record) Interval() Interval      { return Interval{From: r.ValidFrom, Until: r.ValidUntil} }
func (r Record) Covers(t time.Time) bool { return r.Interval().Contains(t) }

// StatusAt derives the record's lifecycle state at t.
func (r Record) StatusAt(t time.Time) Status {
	switch {
	case t.Before(r.ValidFrom):
		return StatusUpcoming
	case r.ValidUntil != nil && !t.Before(*r.ValidUntil):
		return StatusExpired
	default:
		return StatusActive
	}
}

type Status string

const (
	StatusUpcoming Status = "upcoming"
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
)

// NewRecord is the input of Registry.Insert. ID and CreatedAt are assigned
// by the registry.
type NewRecord struct {
	Kind         Kind
	SubjectID    SubjectID
	Value        decimal.Decimal
	ValidFrom    time.Time
	ValidUntil   *time.Time
	SecondaryRef string
	Notes        string
}

func (n NewRecord) Key() SubjectKey { return SubjectKey{Kind: n.Kind, SubjectID: n.SubjectID} }
