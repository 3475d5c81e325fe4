/*
Package margin computes sale margins from resolved costs and commissions.

PURPOSE:
  Combines the product cost and the channel commission in effect at the
  sale instant with the sale's unit price:

    commissionAmount = unitPrice * commissionRate / 100
    marginAbsolute   = unitPrice - cost - commissionAmount
    marginPercent    = marginAbsolute / unitPrice * 100   (0 when price is 0)

UNDEFINED RATES:
  A missing cost or commission is never treated as zero. UnitMargin fails
  with *rate.UndefinedRateError whose Kind names the missing side (cost is
  checked first). BatchMargin counts such sales as skipped and carries on.

BATCHES:
  Lines are resolved concurrently with a bounded errgroup; results keep the
  input order. The margin percent of a batch is weighted by quantity, not a
  plain mean of line percentages.

SEE ALSO:
  - rate/resolver.go: Require
  - api/handlers.go: /api/margin endpoints
*/
package margin

import (
	"context"
	"errors"
	"time"

	"github.com/ThaisFReis/mise-sub001/commission"
	"github.com/ThaisFReis/mise-sub001/cost"
	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var hundred = decimal.NewFromInt(100)

// DefaultConcurrency bounds the number of sale lines resolved at once.
const DefaultConcurrency = 8

type Calculator struct {
	resolver    *rate.Resolver
	concurrency int
}

func NewCalculator(resolver *rate.Resolver) *Calculator {
	return &Calculator{resolver: resolver, concurrency: DefaultConcurrency}
}

// WithConcurrency returns a copy of c resolving at most n lines at once.
func (c *Calculator) WithConcurrency(n int) *Calculator {
	cp := *c
	cp.concurrency = max(n, 1)
	return &cp
}

// =============================================================================
// UNIT MARGIN
// =============================================================================

type Result struct {
	ProductID        rate.SubjectID
	ChannelID        rate.SubjectID
	At               time.Time
	UnitPrice        decimal.Decimal
	Cost             decimal.Decimal
	CommissionRate   decimal.Decimal
	CommissionAmount decimal.Decimal
	MarginAbsolute   decimal.Decimal
	MarginPercent    decimal.Decimal
	CostRecord       rate.RecordID
	CommissionRecord rate.RecordID
}

func (c *Calculator) UnitMargin(ctx context.Context, productID, channelID rate.SubjectID, at time.Time, unitPrice decimal.Decimal) (Result, error) {
	if unitPrice.IsNegative() {
		return Result{}, &rate.RangeError{Field: "unitPrice", Value: unitPrice.String(), Reason: "must be >= 0"}
	}

	costRec, err := c.resolver.Require(ctx, cost.Key(productID), at)
	if err != nil {
		return Result{}, err
	}
	commRec, err := c.resolver.Require(ctx, commission.Key(channelID), at)
	if err != nil {
		return Result{}, err
	}

	return Compute(costRec.Value, commRec.Value, unitPrice, func(r *Result) {
		r.ProductID = productID
		r.ChannelID = channelID
		r.At = rate.Normalize(at)
		r.CostRecord = costRec.ID
		r.CommissionRecord = commRec.ID
	}), nil
}

// Compute applies the margin formulas to already-resolved values.
func Compute(costValue, commissionRate, unitPrice decimal.Decimal, decorate ...func(*Result)) Result {
	r := Result{
		UnitPrice:      unitPrice,
		Cost:           costValue,
		CommissionRate: commissionRate,
	}
	r.CommissionAmount = unitPrice.Mul(commissionRate).Div(hundred)
	r.MarginAbsolute = unitPrice.Sub(costValue).Sub(r.CommissionAmount)
	if unitPrice.IsZero() {
		r.MarginPercent = decimal.Zero
	} else {
		r.MarginPercent = r.MarginAbsolute.Div(unitPrice).Mul(hundred)
	}
	for _, fn := range decorate {
		fn(&r)
	}
	return r
}

// =============================================================================
// BATCH MARGIN
// =============================================================================

type Sale struct {
	ID        string
	ProductID rate.SubjectID
	ChannelID rate.SubjectID
	At        time.Time
	UnitPrice decimal.Decimal
	Quantity  decimal.Decimal
}

type SkipReason string

const (
	SkipNone                SkipReason = ""
	SkipUndefinedCost       SkipReason = "undefined_cost"
	SkipUndefinedCommission SkipReason = "undefined_commission"
	SkipInvalid             SkipReason = "invalid"
)

// Line is the outcome of one sale. Result is nil when the sale was skipped.
type Line struct {
	Sale   Sale
	Result *Result
	Skip   SkipReason
	Err    error
}

type Batch struct {
	Lines         []Line
	Included      int
	Quantity      decimal.Decimal
	TotalRevenue  decimal.Decimal
	TotalMargin   decimal.Decimal
	MarginPercent decimal.Decimal

	Skipped           int
	SkippedCost       int
	SkippedCommission int
	SkippedInvalid    int
}

// BatchMargin computes every sale's margin and aggregates the included ones.
// Undefined rates and invalid lines are skipped and counted; a store error
// aborts the batch.
func (c *Calculator) BatchMargin(ctx context.Context, sales []Sale) (Batch, error) {
	lines := make([]Line, len(sales))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, s := range sales {
		lines[i].Sale = s
		if !s.Quantity.IsPositive() {
			lines[i].Skip = SkipInvalid
			lines[i].Err = &rate.RangeError{Field: "quantity", Value: s.Quantity.String(), Reason: "must be > 0"}
			continue
		}
		if s.At.IsZero() {
			lines[i].Skip = SkipInvalid
			lines[i].Err = &rate.RangeError{Field: "at", Value: `""`, Reason: "is required"}
			continue
		}
		g.Go(func() error {
			res, err := c.UnitMargin(gctx, s.ProductID, s.ChannelID, s.At, s.UnitPrice)
			if err != nil {
				reason, ok := classify(err)
				if !ok {
					return err
				}
				lines[i].Skip = reason
				lines[i].Err = err
				return nil
			}
			lines[i].Result = &res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}

	return aggregate(lines), nil
}

func classify(err error) (SkipReason, bool) {
	var undefined *rate.UndefinedRateError
	switch {
	case errors.As(err, &undefined) && undefined.Kind == cost.Kind:
		return SkipUndefinedCost, true
	case errors.As(err, &undefined):
		return SkipUndefinedCommission, true
	case errors.Is(err, rate.ErrRange):
		return SkipInvalid, true
	}
	return SkipNone, false
}

func aggregate(lines []Line) Batch {
	b := Batch{
		Lines:         lines,
		Quantity:      decimal.Zero,
		TotalRevenue:  decimal.Zero,
		TotalMargin:   decimal.Zero,
		MarginPercent: decimal.Zero,
	}
	weighted := decimal.Zero
	for _, l := range lines {
		switch l.Skip {
		case SkipUndefinedCost:
			b.SkippedCost++
		case SkipUndefinedCommission:
			b.SkippedCommission++
		case SkipInvalid:
			b.SkippedInvalid++
		}
		if l.Result == nil {
			continue
		}
		qty := l.Sale.Quantity
		b.Included++
		b.Quantity = b.Quantity.Add(qty)
		b.TotalRevenue = b.TotalRevenue.Add(l.Result.UnitPrice.Mul(qty))
		b.TotalMargin = b.TotalMargin.Add(l.Result.MarginAbsolute.Mul(qty))
		weighted = weighted.Add(l.Result.MarginPercent.Mul(qty))
	}
	b.Skipped = b.SkippedCost + b.SkippedCommission + b.SkippedInvalid
	if b.Quantity.IsPositive() {
		b.MarginPercent = weighted.Div(b.Quantity)
	}
	return b
}
