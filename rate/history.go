package rate

import (
	"context"

	"github.com/shopspring/decimal"
)

// Reporter is the read model behind history views and trend charts.
type Reporter struct {
	store Reader
	clock Clock
}

func NewReporter(store Reader, clock Clock) *Reporter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Reporter{store: store, clock: clock}
}

// Entry is one record of a history with its status at report time.
type Entry struct {
	Record
	Status Status
}

// History returns every record of key ordered by ValidFrom.
func (h *Reporter) History(ctx context.Context, key SubjectKey) ([]Entry, error) {
	recs, err := h.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	now := h.clock.Now()
	entries := make([]Entry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, Entry{Record: r, Status: r.StatusAt(now)})
	}
	return entries, nil
}

var hundred = decimal.NewFromInt(100)

// Trend is the change between two consecutive records.
type Trend struct {
	Previous Record
	Current  Record
	// DeltaPercent is nil when Previous.Value is zero.
	DeltaPercent *decimal.Decimal
}

// TrendDelta computes the percentage change between each pair of
// consecutive records. A history of n records yields n-1 trends.
func (h *Reporter) TrendDelta(ctx context.Context, key SubjectKey) ([]Trend, error) {
	recs, err := h.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	trends := make([]Trend, 0, max(len(recs)-1, 0))
	for i := 1; i < len(recs); i++ {
		t := Trend{Previous: recs[i-1], Current: recs[i]}
		if !t.Previous.Value.IsZero() {
			d := t.Current.Value.Sub(t.Previous.Value).Div(t.Previous.Value).Mul(hundred)
			t.DeltaPercent = &d
		}
		trends = append(trends, t)
	}
	return trends, nil
}
