// Package commission implements commission-rate histories of sales channels.
// Rates are percentages of the sale price, kept in [0, 100].
package commission

import (
	"context"
	"time"

	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/shopspring/decimal"
)

// =============================================================================
// VARIANT
// =============================================================================

const Kind rate.Kind = "channel_commission"

var maxRate = decimal.NewFromInt(100)

// Variant implements rate.Variant for channel commissions.
type Variant struct{}

var _ rate.Variant = Variant{}

func (Variant) Kind() rate.Kind { return Kind }
func (Variant) Unit() string    { return "percent" }

func (Variant) Validate(v decimal.Decimal) error {
	if v.IsNegative() || v.GreaterThan(maxRate) {
		return &rate.RangeError{Field: "rate", Value: v.String(), Reason: "commission rate must be within [0, 100]"}
	}
	return nil
}

func Key(channelID rate.SubjectID) rate.SubjectKey {
	return rate.SubjectKey{Kind: Kind, SubjectID: channelID}
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	registry *rate.Registry
	resolver *rate.Resolver
	reporter *rate.Reporter
}

func NewLedger(registry *rate.Registry) *Ledger {
	return &Ledger{
		registry: registry,
		resolver: rate.NewResolver(registry.Store()),
		reporter: rate.NewReporter(registry.Store(), registry.Clock()),
	}
}

type Registration struct {
	ChannelID  rate.SubjectID
	Rate       decimal.Decimal
	ValidFrom  time.Time
	ValidUntil *time.Time
	Notes      string
}

func (l *Ledger) RegisterCommission(ctx context.Context, in Registration) (rate.Record, error) {
	return l.registry.Insert(ctx, rate.NewRecord{
		Kind:       Kind,
		SubjectID:  in.ChannelID,
		Value:      in.Rate,
		ValidFrom:  in.ValidFrom,
		ValidUntil: in.ValidUntil,
		Notes:      in.Notes,
	})
}

func (l *Ledger) CloseCurrent(ctx context.Context, channelID rate.SubjectID, at time.Time) (rate.Record, error) {
	return l.registry.Close(ctx, Key(channelID), at)
}

// RateAt returns the commission in effect at at, or *rate.UndefinedRateError.
func (l *Ledger) RateAt(ctx context.Context, channelID rate.SubjectID, at time.Time) (rate.Record, error) {
	return l.resolver.Require(ctx, Key(channelID), at)
}

func (l *Ledger) History(ctx context.Context, channelID rate.SubjectID) ([]rate.Entry, error) {
	return l.reporter.History(ctx, Key(channelID))
}

// Trend returns the rate change between consecutive records, the
// "old rate vs current rate" view of a channel.
func (l *Ledger) Trend(ctx context.Context, channelID rate.SubjectID) ([]rate.Trend, error) {
	return l.reporter.TrendDelta(ctx, Key(channelID))
}
