package rate_test

import (
	"context"
	"testing"

	"github.com/ThaisFReis/mise-sub001/commission"
	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/ThaisFReis/mise-sub001/rate/ratetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReporter_HistoryOrderedWithStatus(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t) // clock at 2024-06-01

	// Registered out of order: current first, then an old backfill, then a future rate.
	_, err := f.Commissions.RegisterCommission(ctx, commission.Registration{ChannelID: "ifood", Rate: ratetest.Dec("15"), ValidFrom: rate.Day(2024, 3, 1)})
	require.NoError(t, err)
	_, err = f.Commissions.RegisterCommission(ctx, commission.Registration{
		ChannelID: "ifood", Rate: ratetest.Dec("12"), ValidFrom: rate.Day(2023, 1, 1), ValidUntil: ratetest.Ptr(rate.Day(2024, 3, 1)),
		Notes: "taxa antiga",
	})
	require.NoError(t, err)
	_, err = f.Commissions.RegisterCommission(ctx, commission.Registration{ChannelID: "ifood", Rate: ratetest.Dec("18"), ValidFrom: rate.Day(2024, 9, 1)})
	require.NoError(t, err)

	entries, err := f.Commissions.History(ctx, "ifood")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "taxa antiga", entries[0].Notes)
	assert.Equal(t, rate.StatusExpired, entries[0].Status)
	assert.Equal(t, rate.StatusActive, entries[1].Status)
	assert.Equal(t, rate.StatusUpcoming, entries[2].Status)
}

func TestReporter_TrendDelta(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)

	for i, v := range []string{"0", "10", "12", "9"} {
		_, err := f.Commissions.RegisterCommission(ctx, commission.Registration{
			ChannelID: "rappi", Rate: ratetest.Dec(v), ValidFrom: rate.Day(2024, 1, 1).AddDate(0, i, 0),
		})
		require.NoError(t, err)
	}

	trends, err := f.Commissions.Trend(ctx, "rappi")
	require.NoError(t, err)
	require.Len(t, trends, 3)

	// From zero there is no percentage change.
	assert.Nil(t, trends[0].DeltaPercent)

	require.NotNil(t, trends[1].DeltaPercent)
	assert.True(t, trends[1].DeltaPercent.Equal(ratetest.Dec("20")), "got %s", trends[1].DeltaPercent)

	require.NotNil(t, trends[2].DeltaPercent)
	assert.True(t, trends[2].DeltaPercent.Equal(ratetest.Dec("-25")), "got %s", trends[2].DeltaPercent)
}

func TestReporter_TrendDelta_ShortHistories(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)

	trends, err := f.Commissions.Trend(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, trends)

	_, err = f.Commissions.RegisterCommission(ctx, commission.Registration{ChannelID: "one", Rate: ratetest.Dec("5"), ValidFrom: rate.Day(2024, 1, 1)})
	require.NoError(t, err)
	trends, err = f.Commissions.Trend(ctx, "one")
	require.NoError(t, err)
	assert.Empty(t, trends)
}
