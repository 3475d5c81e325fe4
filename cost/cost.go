/*
cost.go - Product cost histories

PURPOSE:
  Typed write and read surface for supplier costs of products. A product's
  cost history is a rate history of kind "product_cost"; this package fixes
  the kind, carries the supplier reference, and enforces the cost domain.

INVARIANT:
  Cost values are >= 0. A negative cost is rejected with *rate.RangeError
  before any store access.

SUPPLIER REFERENCE:
  SupplierRef is stored as the record's SecondaryRef and returned as-is.
  The engine never interprets it.

EXAMPLE:
  costs := cost.NewLedger(registry)

  // Current cost from Jan 1st, open-ended
  _, err := costs.RegisterCost(ctx, cost.Registration{
      ProductID: "burger",
      Value:     decimal.NewFromInt(10),
      ValidFrom: rate.Day(2024, 1, 1),
  })

  // Supersedes the previous one; Jan 1st record now ends on Mar 1st
  _, err = costs.RegisterCost(ctx, cost.Registration{
      ProductID: "burger",
      Value:     decimal.NewFromInt(12),
      ValidFrom: rate.Day(2024, 3, 1),
  })

SEE ALSO:
  - rate/registry.go: Insert and close rules
  - commission/commission.go: The channel-side counterpart
*/
package cost

import (
	"context"
	"time"

	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/shopspring/decimal"
)

// =============================================================================
// VARIANT
// =============================================================================

const Kind rate.Kind = "product_cost"

// Variant implements rate.Variant for product costs.
type Variant struct{}

var _ rate.Variant = Variant{}

func (Variant) Kind() rate.Kind { return Kind }
func (Variant) Unit() string    { return "amount" }

func (Variant) Validate(v decimal.Decimal) error {
	if v.IsNegative() {
		return &rate.RangeError{Field: "value", Value: v.String(), Reason: "cost must be >= 0"}
	}
	return nil
}

// Key returns the history key of a product.
func Key(productID rate.SubjectID) rate.SubjectKey {
	return rate.SubjectKey{Kind: Kind, SubjectID: productID}
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

// Registration is the input of RegisterCost. A nil ValidUntil registers
// the product's new current cost.
type Registration struct {
	ProductID   rate.SubjectID
	Value       decimal.Decimal
	ValidFrom   time.Time
	ValidUntil  *time.Time
	SupplierRef string
	Notes       string
}

func (l *Ledger) RegisterCost(ctx context.Context, in Registration) (rate.Record, error) {
	return l.registry.Insert(ctx, rate.NewRecord{
		Kind:         Kind,
		SubjectID:    in.ProductID,
		Value:        in.Value,
		ValidFrom:    in.ValidFrom,
		ValidUntil:   in.ValidUntil,
		SecondaryRef: in.SupplierRef,
		Notes:        in.Notes,
	})
}

// CloseCurrent ends the product's current cost at at.
func (l *Ledger) CloseCurrent(ctx context.Context, productID rate.SubjectID, at time.Time) (rate.Record, error) {
	return l.registry.Close(ctx, Key(productID), at)
}

// CostAt returns the cost in effect at at, or *rate.UndefinedRateError.
func (l *Ledger) CostAt(ctx context.Context, productID rate.SubjectID, at time.Time) (rate.Record, error) {
	return l.resolver.Require(ctx, Key(productID), at)
}

func (l *Ledger) History(ctx context.Context, productID rate.SubjectID) ([]rate.Entry, error) {
	return l.reporter.History(ctx, Key(productID))
}
