/*
Package factory converts JSON rate histories to and from engine records.

PURPOSE:
  Bulk loading of historical costs and commissions (spreadsheet exports,
  migrations from another system) and the reverse export. Rows are applied
  through rate.Registry, so every insert rule still holds: a row that would
  overlap or reorder a history is rejected and reported, and the rest of
  the document continues.

JSON SCHEMA:
  {
    "records": [
      {
        "kind": "product_cost",
        "subject_id": "burger",
        "value": "10.50",
        "valid_from": "2024-01-01",
        "valid_until": "2024-03-01",
        "secondary_ref": "sup-42",
        "notes": "winter contract"
      },
      {
        "kind": "channel_commission",
        "subject_id": "ifood",
        "value": 12,
        "valid_from": "2024-01-01T00:00:00Z"
      }
    ]
  }

  Instants are calendar dates (midnight UTC) or RFC3339 timestamps.
  valid_until may be omitted for an open-ended row.

APPLY ORDER:
  Rows are applied by ascending valid_from (ties keep document order), so
  a document listing a history newest-first still supersedes correctly.

USAGE:
  importer := factory.NewImporter(registry)
  report, err := importer.Import(ctx, body)

SEE ALSO:
  - rate/registry.go: Insert rules applied to every row
  - api/handlers.go: POST /api/imports
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/shopspring/decimal"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type Document struct {
	Records []RecordJSON `json:"records"`
}

type RecordJSON struct {
	ID           string          `json:"id,omitempty"` // export only
	Kind         string          `json:"kind"`
	SubjectID    string          `json:"subject_id"`
	Value        decimal.Decimal `json:"value"`
	ValidFrom    string          `json:"valid_from"`
	ValidUntil   string          `json:"valid_until,omitempty"`
	SecondaryRef string          `json:"secondary_ref,omitempty"`
	Notes        string          `json:"notes,omitempty"`
}

// =============================================================================
// REPORT
// =============================================================================

// RowError is one rejected row. Row is the 0-based position in the document.
type RowError struct {
	Row int
	Key rate.SubjectKey
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d (%s): %v", e.Row, e.Key, e.Err)
}

func (e RowError) Unwrap() error { return e.Err }

type Applied struct {
	Row    int
	Record rate.Record
}

type Report struct {
	Applied []Applied
	Failed  []RowError
}

func (r Report) OK() bool { return len(r.Failed) == 0 }

// =============================================================================
// IMPORTER
// =============================================================================

type Importer struct {
	registry *rate.Registry
}

func NewImporter(registry *rate.Registry) *Importer {
	return &Importer{registry: registry}
}

// Parse decodes a document. Only a malformed document is an error; bad
// rows are reported by Apply.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("failed to parse rates JSON: %w", err)
	}
	return doc, nil
}

// Import parses data and applies it.
func (im *Importer) Import(ctx context.Context, data []byte) (Report, error) {
	doc, err := Parse(data)
	if err != nil {
		return Report{}, err
	}
	return im.Apply(ctx, doc)
}

type pendingRow struct {
	row int
	in  rate.NewRecord
}

// Apply inserts every row of doc. Row failures land in the report; only a
// cancelled context stops the run early.
func (im *Importer) Apply(ctx context.Context, doc Document) (Report, error) {
	var report Report
	pending := make([]pendingRow, 0, len(doc.Records))
	for i, rj := range doc.Records {
		in, err := ToNewRecord(rj)
		if err != nil {
			report.Failed = append(report.Failed, RowError{Row: i, Key: in.Key(), Err: err})
			continue
		}
		pending = append(pending, pendingRow{row: i, in: in})
	}

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].in.ValidFrom.Before(pending[j].in.ValidFrom)
	})

	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec, err := im.registry.Insert(ctx, p.in)
		if err != nil {
			report.Failed = append(report.Failed, RowError{Row: p.row, Key: p.in.Key(), Err: err})
			continue
		}
		report.Applied = append(report.Applied, Applied{Row: p.row, Record: rec})
	}

	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Row < report.Failed[j].Row })
	return report, nil
}

// =============================================================================
// CONVERSION
// =============================================================================

// ToNewRecord converts one row. Malformed instants are range errors.
func ToNewRecord(rj RecordJSON) (rate.NewRecord, error) {
	in := rate.NewRecord{
		Kind:         rate.Kind(rj.Kind),
		SubjectID:    rate.SubjectID(rj.SubjectID),
		Value:        rj.Value,
		SecondaryRef: rj.SecondaryRef,
		Notes:        rj.Notes,
	}

	from, err := rate.ParseInstant(rj.ValidFrom)
	if err != nil {
		return in, &rate.RangeError{Field: "valid_from", Value: rj.ValidFrom, Reason: err.Error()}
	}
	in.ValidFrom = from

	if rj.ValidUntil != "" {
		until, err := rate.ParseInstant(rj.ValidUntil)
		if err != nil {
			return in, &rate.RangeError{Field: "valid_until", Value: rj.ValidUntil, Reason: err.Error()}
		}
		in.ValidUntil = &until
	}
	return in, nil
}

// Export renders records as an importable document. Midnight instants are
// written as calendar dates.
func Export(records []rate.Record) Document {
	doc := Document{Records: make([]RecordJSON, 0, len(records))}
	for _, r := range records {
		rj := RecordJSON{
			ID:           string(r.ID),
			Kind:         string(r.Kind),
			SubjectID:    string(r.SubjectID),
			Value:        r.Value,
			ValidFrom:    rate.FormatInstant(r.ValidFrom),
			SecondaryRef: r.SecondaryRef,
			Notes:        r.Notes,
		}
		if r.ValidUntil != nil {
			rj.ValidUntil = rate.FormatInstant(*r.ValidUntil)
		}
		doc.Records = append(doc.Records, rj)
	}
	return doc
}
