package rate

import (
	"context"
	"iter"
	"time"
)

// Segment is a maximal sub-interval [Start, End) of a query range during
// which one record, or none, is in effect. A nil Record marks a gap.
type Segment struct {
	Start  time.Time
	End    time.Time
	Record *Record
}

func (s Segment) Defined() bool { return s.Record != nil }

// Segments is the result of Resolver.Segments. The records are read once;
// All may be ranged over any number of times.
type Segments struct {
	start, end time.Time
	records    []Record
}

// Segments partitions [start, end) by effective record.
func (r *Resolver) Segments(ctx context.Context, key SubjectKey, start, end time.Time) (Segments, error) {
	start, end = Normalize(start), Normalize(end)
	if start.After(end) {
		return Segments{}, &RangeError{
			Field:  "end",
			Value:  FormatInstant(end),
			Reason: "must not precede start " + FormatInstant(start),
		}
	}
	if start.Equal(end) {
		return Segments{start: start, end: end}, nil
	}

	recs, err := r.store.LoadOverlapping(ctx, key, start, &end)
	if err != nil {
		return Segments{}, err
	}
	return Segments{start: start, end: end, records: recs}, nil
}

// All sweeps a cursor from start to end, yielding a segment for each record
// and for each uncovered stretch between them.
func (s Segments) All() iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		cursor := s.start
		for i := range s.records {
			rec := &s.records[i]

			from := later(rec.ValidFrom, s.start)
			to := s.end
			if rec.ValidUntil != nil && rec.ValidUntil.Before(to) {
				to = *rec.ValidUntil
			}
			if !from.Before(to) {
				continue
			}

			if cursor.Before(from) {
				if !yield(Segment{Start: cursor, End: from}) {
					return
				}
			}
			if !yield(Segment{Start: from, End: to, Record: rec}) {
				return
			}
			cursor = to
		}
		if cursor.Before(s.end) {
			yield(Segment{Start: cursor, End: s.end})
		}
	}
}

func (s Segments) Collect() []Segment {
	out := []Segment{}
	for seg := range s.All() {
		out = append(out, seg)
	}
	return out
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
