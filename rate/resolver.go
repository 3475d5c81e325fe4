package rate

import (
	"context"
	"time"
)

// Resolver answers point-in-time and range questions against a Reader.
// It holds no state of its own and is safe for concurrent use.
type Resolver struct {
	store Reader
}

func NewResolver(store Reader) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the record in effect for key at the given instant, or
// nil when no record covers it.
func (r *Resolver) Resolve(ctx context.Context, key SubjectKey, at time.Time) (*Record, error) {
	return r.store.EffectiveAt(ctx, key, Normalize(at))
}

// Require is Resolve with a missing rate reported as *UndefinedRateError.
func (r *Resolver) Require(ctx context.Context, key SubjectKey, at time.Time) (Record, error) {
	rec, err := r.Resolve(ctx, key, at)
	if err != nil {
		return Record{}, err
	}
	if rec == nil {
		return Record{}, &UndefinedRateError{Kind: key.Kind, SubjectID: key.SubjectID, At: Normalize(at)}
	}
	return *rec, nil
}
