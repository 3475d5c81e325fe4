/*
Package ratetest holds the conformance suite every rate.Store driver runs.

USAGE:
  func TestSQLiteConformance(t *testing.T) {
      ratetest.Run(t, func(t *testing.T) rate.Store {
          s, err := sqlite.New(":memory:")
          require.NoError(t, err)
          t.Cleanup(func() { s.Close() })
          return s
      })
  }

Each subtest gets a fresh store from newStore.
*/
package ratetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThaisFReis/mise-sub001/commission"
	"github.com/ThaisFReis/mise-sub001/cost"
	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fixture bundles a store with the engine components built on it.
type Fixture struct {
	Store       rate.Store
	Registry    *rate.Registry
	Resolver    *rate.Resolver
	Costs       *cost.Ledger
	Commissions *commission.Ledger
}

func NewFixture(store rate.Store, opts ...rate.RegistryOption) *Fixture {
	reg := rate.NewRegistry(store, rate.NewCatalog(cost.Variant{}, commission.Variant{}), opts...)
	return &Fixture{
		Store:       store,
		Registry:    reg,
		Resolver:    rate.NewResolver(store),
		Costs:       cost.NewLedger(reg),
		Commissions: commission.NewLedger(reg),
	}
}

func Dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func Ptr(t time.Time) *time.Time { return &t }

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore func(t *testing.T) rate.Store) {
	cases := []struct {
		name string
		fn   func(t *testing.T, f *Fixture)
	}{
		{"SupersedeClosesPreviousOpenRecord", testSupersede},
		{"BackfillOverlapRejected", testBackfillOverlap},
		{"BackfillIntoGap", testBackfillIntoGap},
		{"OpenRecordBeforeCurrentRejected", testOrdering},
		{"OpenRecordAtSameStartRejected", testSameStart},
		{"OpenRecordOverClosedHistoryRejected", testOpenOverClosed},
		{"CloseCurrent", testClose},
		{"CloseWithoutOpenRecord", testCloseNotFound},
		{"EffectiveAtBoundaries", testBoundaries},
		{"FailedTransactionLeavesNoTrace", testRollback},
		{"ConcurrentWritersKeepInvariants", testConcurrentWriters},
		{"SubjectsAreIsolated", testSubjects},
		{"ValuesRoundTrip", testRoundTrip},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, NewFixture(newStore(t)))
		})
	}
}

// =============================================================================
// INSERT
// =============================================================================

func testSupersede(t *testing.T, f *Fixture) {
	ctx := context.Background()

	// GIVEN: cost 10 from Jan 1st, open-ended
	first, err := f.Costs.RegisterCost(ctx, cost.Registration{
		ProductID: "burger", Value: Dec("10"), ValidFrom: rate.Day(2024, 1, 1),
	})
	require.NoError(t, err)

	// WHEN: cost 12 from Mar 1st, open-ended
	_, err = f.Costs.RegisterCost(ctx, cost.Registration{
		ProductID: "burger", Value: Dec("12"), ValidFrom: rate.Day(2024, 3, 1),
	})
	require.NoError(t, err)

	// THEN: the first record ends exactly on Mar 1st
	recs, err := f.Store.Load(ctx, cost.Key("burger"))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, first.ID, recs[0].ID)
	require.NotNil(t, recs[0].ValidUntil)
	assert.True(t, recs[0].ValidUntil.Equal(rate.Day(2024, 3, 1)))
	assert.Nil(t, recs[1].ValidUntil)

	feb, err := f.Resolver.Resolve(ctx, cost.Key("burger"), rate.Day(2024, 2, 1))
	require.NoError(t, err)
	require.NotNil(t, feb)
	assert.True(t, feb.Value.Equal(Dec("10")))

	apr, err := f.Resolver.Resolve(ctx, cost.Key("burger"), rate.Day(2024, 4, 1))
	require.NoError(t, err)
	require.NotNil(t, apr)
	assert.True(t, apr.Value.Equal(Dec("12")))

	segs, err := f.Resolver.Segments(ctx, cost.Key("burger"), rate.Day(2024, 1, 15), rate.Day(2024, 3, 15))
	require.NoError(t, err)
	got := segs.Collect()
	require.Len(t, got, 2)
	assert.True(t, got[0].End.Equal(rate.Day(2024, 3, 1)))
	assert.True(t, got[1].Start.Equal(rate.Day(2024, 3, 1)))
	assert.True(t, got[0].Record.Value.Equal(Dec("10")))
	assert.True(t, got[1].Record.Value.Equal(Dec("12")))

	assert.Empty(t, rate.CheckInvariants(recs))
}

func testBackfillOverlap(t *testing.T, f *Fixture) {
	ctx := context.Background()

	// GIVEN: a record covering Feb 10th
	existing, err := f.Costs.RegisterCost(ctx, cost.Registration{
		ProductID: "fries", Value: Dec("3"), ValidFrom: rate.Day(2024, 2, 5), ValidUntil: Ptr(rate.Day(2024, 2, 20)),
	})
	require.NoError(t, err)

	// WHEN: backfilling [Feb 1, Feb 15)
	_, err = f.Costs.RegisterCost(ctx, cost.Registration{
		ProductID: "fries", Value: Dec("2"), ValidFrom: rate.Day(2024, 2, 1), ValidUntil: Ptr(rate.Day(2024, 2, 15)),
	})

	// THEN: OverlapError naming the conflicting interval
	var overlap *rate.OverlapError
	require.ErrorAs(t, err, &overlap)
	assert.ErrorIs(t, err, rate.ErrOverlap)
	assert.Equal(t, existing.ID, overlap.ConflictingID)
	assert.True(t, overlap.Conflicting.From.Equal(rate.Day(2024, 2, 5)))

	recs, err := f.Store.Load(ctx, cost.Key("fries"))
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func testBackfillIntoGap(t *testing.T, f *Fixture) {
	ctx := context.Background()

	_, err := f.Costs.RegisterCost(ctx, cost.Registration{
		ProductID: "soda", Value: Dec("1"), ValidFrom: rate.Day(2024, 1, 1), ValidUntil: Ptr(rate.Day(2024, 2, 1)),
	})
	require.NoError(t, err)
	_, err = f.Costs.RegisterCost(ctx, cost.Registration{
		ProductID: "soda", Value: Dec("1.5"), ValidFrom: rate.Day(2024, 3, 1),
	})
	require.NoError(t, err)

	// Abutting both neighbours is allowed: intervals are half-open.
	_, err = f.Costs.RegisterCost(ctx, cost.Registration{
		ProductID: "soda", Value: Dec("1.2"), ValidFrom: rate.Day(2024, 2, 1), ValidUntil: Ptr(rate.Day(2024, 3, 1)),
	})
	require.NoError(t, err)

	recs, err := f.Store.Load(ctx, cost.Key("soda"))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.True(t, recs[1].Value.Equal(Dec("1.2")))
	assert.Empty(t, rate.CheckInvariants(recs))

	// The open record was not touched by the backfill.
	assert.Nil(t, recs[2].ValidUntil)
}

func testOrdering(t *testing.T, f *Fixture) {
	ctx := context.Background()

	current, err := f.Commissions.RegisterCommission(ctx, commission.Registration{
		ChannelID: "ifood", Rate: Dec("15"), ValidFrom: rate.Day(2024, 6, 1),
	})
	require.NoError(t, err)

	_, err = f.Commissions.RegisterCommission(ctx, commission.Registration{
		ChannelID: "ifood", Rate: Dec("12"), ValidFrom: rate.Day(2024, 1, 1),
	})

	var ordering *rate.OrderingError
	require.ErrorAs(t, err, &ordering)
	assert.Equal(t, current.ID, ordering.CurrentID)

	recs, err := f.Store.Load(ctx, commission.Key("ifood"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].ValidUntil)
}

func testSameStart(t *testing.T, f *Fixture) {
	ctx := context.Background()

	_, err := f.Commissions.RegisterCommission(ctx, commission.Registration{
		ChannelID: "rappi", Rate: Dec("20"), ValidFrom: rate.Day(2024, 1, 1),
	})
	require.NoError(t, err)

	_, err = f.Commissions.RegisterCommission(ctx, commission.Registration{
		ChannelID: "rappi", Rate: Dec("22"), ValidFrom: rate.Day(2024, 1, 1),
	})
	assert.ErrorIs(t, err, rate.ErrOverlap)

	recs, err := f.Store.Load(ctx, commission.Key("rappi"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].ValidUntil)
}

func testOpenOverClosed(t *testing.T, f *Fixture) {
	ctx := context.Background()

	_, err := f.Costs.RegisterCost(ctx, cost.Registration{
		ProductID: "salad", Value: Dec("4"), ValidFrom: rate.Day(2024, 1, 1), ValidUntil: Ptr(rate.Day(2024, 3, 1)),
	})
	require.NoError(t, err)

	_, err = f.Costs.RegisterCost(ctx, cost.Registration{
		ProductID: "salad", Value: Dec("5"), ValidFrom: rate.Day(2024, 2, 1),
	})
	assert.ErrorIs(t, err, rate.ErrOverlap)

	_, err = f.Costs.RegisterCost(ctx, cost.Registration{
		ProductID: "salad", Value: Dec("5"), ValidFrom: rate.Day(2024, 3, 1),
	})
	assert.NoError(t, err)
}

// =============================================================================
// CLOSE
// =============================================================================

func testClose(t *testing.T, f *Fixture) {
	ctx := context.Background()

	_, err := f.Costs.RegisterCost(ctx, cost.Registration{
		ProductID: "wrap", Value: Dec("6"), ValidFrom: rate.Day(2024, 1, 1),
	})
	require.NoError(t, err)

	// Closing at or before the start would empty the interval.
	_, err = f.Costs.CloseCurrent(ctx, "wrap", rate.Day(2024, 1, 1))
	assert.ErrorIs(t, err, rate.ErrRange)

	closed, err := f.Costs.CloseCurrent(ctx, "wrap", rate.Day(2024, 5, 1))
	require.NoError(t, err)
	require.NotNil(t, closed.ValidUntil)
	assert.True(t, closed.ValidUntil.Equal(rate.Day(2024, 5, 1)))

	after, err := f.Resolver.Resolve(ctx, cost.Key("wrap"), rate.Day(2024, 6, 1))
	require.NoError(t, err)
	assert.Nil(t, after)

	_, err = f.Costs.CostAt(ctx, "wrap", rate.Day(2024, 6, 1))
	assert.ErrorIs(t, err, rate.ErrUndefinedRate)

	// Nothing open any more.
	_, err = f.Costs.CloseCurrent(ctx, "wrap", rate.Day(2024, 7, 1))
	var notFound *rate.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func testCloseNotFound(t *testing.T, f *Fixture) {
	_, err := f.Commissions.CloseCurrent(context.Background(), "nobody", rate.Day(2024, 1, 1))
	assert.ErrorIs(t, err, rate.ErrNotFound)
}

// =============================================================================
// READS
// =============================================================================

func testBoundaries(t *testing.T, f *Fixture) {
	ctx := context.Background()
	key := cost.Key("pizza")

	_, err := f.Costs.RegisterCost(ctx, cost.Registration{
		ProductID: "pizza", Value: Dec("20"), ValidFrom: rate.Day(2024, 1, 1),
	})
	require.NoError(t, err)
	_, err = f.Costs.RegisterCost(ctx, cost.Registration{
		ProductID: "pizza", Value: Dec("22"), ValidFrom: rate.Day(2024, 2, 1),
	})
	require.NoError(t, err)

	before, err := f.Resolver.Resolve(ctx, key, rate.Day(2023, 12, 31))
	require.NoError(t, err)
	assert.Nil(t, before)

	atStart, err := f.Resolver.Resolve(ctx, key, rate.Day(2024, 1, 1))
	require.NoError(t, err)
	require.NotNil(t, atStart)
	assert.True(t, atStart.Value.Equal(Dec("20")))

	// validUntil is exclusive
	atSwitch, err := f.Resolver.Resolve(ctx, key, rate.Day(2024, 2, 1))
	require.NoError(t, err)
	require.NotNil(t, atSwitch)
	assert.True(t, atSwitch.Value.Equal(Dec("22")))

	lastSecond, err := f.Resolver.Resolve(ctx, key, rate.Day(2024, 2, 1).Add(-time.Second))
	require.NoError(t, err)
	require.NotNil(t, lastSecond)
	assert.True(t, lastSecond.Value.Equal(Dec("20")))

	none, err := f.Resolver.Resolve(ctx, cost.Key("unknown"), rate.Day(2024, 2, 1))
	require.NoError(t, err)
	assert.Nil(t, none)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testRollback(t *testing.T, f *Fixture) {
	ctx := context.Background()
	key := cost.Key("taco")

	open, err := f.Costs.RegisterCost(ctx, cost.Registration{
		ProductID: "taco", Value: Dec("7"), ValidFrom: rate.Day(2024, 1, 1),
	})
	require.NoError(t, err)

	// GIVEN: a transaction that closes the open record, then fails
	boom := errors.New("boom")
	err = f.Store.WithSubjectTx(ctx, key, func(tx rate.Tx) error {
		if err := tx.SetValidUntil(ctx, key, open.ID, rate.Day(2024, 2, 1)); err != nil {
			return err
		}
		return boom
	})

	// THEN: the error surfaces and the close is not visible
	require.ErrorIs(t, err, boom)
	recs, err := f.Store.Load(ctx, key)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].ValidUntil)
}

func testConcurrentWriters(t *testing.T, f *Fixture) {
	ctx := context.Background()
	const writers = 12

	// GIVEN: writers racing to register open-ended commissions on one channel
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.Commissions.RegisterCommission(ctx, commission.Registration{
				ChannelID: "uber",
				Rate:      decimal.NewFromInt(int64(10 + i)),
				ValidFrom: rate.Day(2024, 1, 1).AddDate(0, 0, i),
			})
		}()
	}
	// and writers on other channels in parallel
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Commissions.RegisterCommission(ctx, commission.Registration{
				ChannelID: rate.SubjectID(fmt.Sprintf("side-%d", i)),
				Rate:      Dec("5"),
				ValidFrom: rate.Day(2024, 1, 1),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// THEN: only ordering errors, and the history is consistent
	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		assert.ErrorIs(t, err, rate.ErrOrdering)
	}
	recs, err := f.Store.Load(ctx, commission.Key("uber"))
	require.NoError(t, err)
	assert.Len(t, recs, accepted)
	assert.Empty(t, rate.CheckInvariants(recs))

	open := 0
	for _, r := range recs {
		if r.IsOpen() {
			open++
		}
	}
	assert.Equal(t, 1, open)
}

func testSubjects(t *testing.T, f *Fixture) {
	ctx := context.Background()

	_, err := f.Costs.RegisterCost(ctx, cost.Registration{ProductID: "b", Value: Dec("1"), ValidFrom: rate.Day(2024, 1, 1)})
	require.NoError(t, err)
	_, err = f.Costs.RegisterCost(ctx, cost.Registration{ProductID: "a", Value: Dec("1"), ValidFrom: rate.Day(2024, 1, 1)})
	require.NoError(t, err)
	_, err = f.Commissions.RegisterCommission(ctx, commission.Registration{ChannelID: "a", Rate: Dec("10"), ValidFrom: rate.Day(2024, 1, 1)})
	require.NoError(t, err)

	keys, err := f.Store.Subjects(ctx, cost.Kind)
	require.NoError(t, err)
	assert.Equal(t, []rate.SubjectKey{cost.Key("a"), cost.Key("b")}, keys)

	keys, err = f.Store.Subjects(ctx, commission.Kind)
	require.NoError(t, err)
	assert.Equal(t, []rate.SubjectKey{commission.Key("a")}, keys)

	// A cost and a commission under the same id are separate histories.
	_, err = f.Commissions.CloseCurrent(ctx, "a", rate.Day(2024, 2, 1))
	require.NoError(t, err)
	c, err := f.Resolver.Resolve(ctx, cost.Key("a"), rate.Day(2024, 3, 1))
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func testRoundTrip(t *testing.T, f *Fixture) {
	ctx := context.Background()

	in := cost.Registration{
		ProductID:   "cheese",
		Value:       Dec("12.3456"),
		ValidFrom:   time.Date(2024, 1, 1, 10, 30, 15, 999, time.FixedZone("BRT", -3*3600)),
		ValidUntil:  Ptr(rate.Day(2024, 2, 1)),
		SupplierRef: "sup-42",
		Notes:       "imported from invoice 991",
	}
	rec, err := f.Costs.RegisterCost(ctx, in)
	require.NoError(t, err)

	recs, err := f.Store.Load(ctx, cost.Key("cheese"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	got := recs[0]
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, cost.Kind, got.Kind)
	assert.True(t, got.Value.Equal(Dec("12.3456")), "value %s", got.Value)
	assert.True(t, got.ValidFrom.Equal(time.Date(2024, 1, 1, 13, 30, 15, 0, time.UTC)), "validFrom %s", got.ValidFrom)
	require.NotNil(t, got.ValidUntil)
	assert.True(t, got.ValidUntil.Equal(rate.Day(2024, 2, 1)))
	assert.Equal(t, "sup-42", got.SecondaryRef)
	assert.Equal(t, "imported from invoice 991", got.Notes)
}
