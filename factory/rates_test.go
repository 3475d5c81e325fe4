package factory_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThaisFReis/mise-sub001/cost"
	"github.com/ThaisFReis/mise-sub001/factory"
	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/ThaisFReis/mise-sub001/rate/ratetest"
	"github.com/ThaisFReis/mise-sub001/rate/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestImporter(t *testing.T) (*factory.Importer, *ratetest.Fixture) {
	t.Helper()
	f := ratetest.NewFixture(store.NewMemory())
	return factory.NewImporter(f.Registry), f
}

func TestImport_AppliesInValidFromOrder(t *testing.T) {
	ctx := context.Background()
	importer, f := newTestImporter(t)

	// GIVEN: a history listed newest first
	doc := `{"records": [
		{"kind": "product_cost", "subject_id": "burger", "value": "12", "valid_from": "2024-03-01"},
		{"kind": "product_cost", "subject_id": "burger", "value": 10, "valid_from": "2024-01-01", "secondary_ref": "sup-1"}
	]}`

	// WHEN
	report, err := importer.Import(ctx, []byte(doc))

	// THEN: both rows land and the older one is closed by the newer
	require.NoError(t, err)
	assert.True(t, report.OK())
	require.Len(t, report.Applied, 2)
	assert.Equal(t, 1, report.Applied[0].Row)

	recs, err := f.Store.Load(ctx, cost.Key("burger"))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.NotNil(t, recs[0].ValidUntil)
	assert.True(t, recs[0].ValidUntil.Equal(rate.Day(2024, 3, 1)))
	assert.Equal(t, "sup-1", recs[0].SecondaryRef)
	assert.Nil(t, recs[1].ValidUntil)
}

func TestImport_ReportsRowFailuresAndContinues(t *testing.T) {
	ctx := context.Background()
	importer, _ := newTestImporter(t)

	doc := `{"records": [
		{"kind": "product_cost", "subject_id": "fries", "value": "4", "valid_from": "2024-01-01", "valid_until": "2024-02-01"},
		{"kind": "product_cost", "subject_id": "fries", "value": "5", "valid_from": "01/15/2024"},
		{"kind": "product_cost", "subject_id": "fries", "value": "6", "valid_from": "2024-01-15", "valid_until": "2024-03-01"},
		{"kind": "tax", "subject_id": "vat", "value": "17", "valid_from": "2024-01-01"},
		{"kind": "channel_commission", "subject_id": "rappi", "value": "18", "valid_from": "2024-01-01T12:00:00-03:00"}
	]}`

	report, err := importer.Import(ctx, []byte(doc))
	require.NoError(t, err)

	require.Len(t, report.Applied, 2)
	require.Len(t, report.Failed, 3)
	assert.Equal(t, 1, report.Failed[0].Row)
	assert.ErrorIs(t, report.Failed[0], rate.ErrRange)
	assert.Equal(t, 2, report.Failed[1].Row)
	assert.ErrorIs(t, report.Failed[1], rate.ErrOverlap)
	assert.Equal(t, 3, report.Failed[2].Row)
	assert.ErrorIs(t, report.Failed[2], rate.ErrUnknownKind)

	rappi := report.Applied[1].Record
	assert.True(t, rappi.ValidFrom.Equal(rate.Day(2024, 1, 1).Add(15*time.Hour)))
}

func TestImport_MalformedDocument(t *testing.T) {
	importer, _ := newTestImporter(t)
	_, err := importer.Import(context.Background(), []byte(`{"records": [`))
	assert.Error(t, err)
}

func TestExport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	_, src := newTestImporter(t)

	_, err := src.Costs.RegisterCost(ctx, cost.Registration{ProductID: "burger", Value: ratetest.Dec("10"), ValidFrom: rate.Day(2024, 1, 1)})
	require.NoError(t, err)
	_, err = src.Costs.RegisterCost(ctx, cost.Registration{ProductID: "burger", Value: ratetest.Dec("12.75"), ValidFrom: rate.Day(2024, 3, 1), Notes: "spring"})
	require.NoError(t, err)
	recs, err := src.Store.Load(ctx, cost.Key("burger"))
	require.NoError(t, err)

	doc := factory.Export(recs)
	assert.Equal(t, "2024-03-01", doc.Records[0].ValidUntil)
	assert.Empty(t, doc.Records[1].ValidUntil)

	dst, f := newTestImporter(t)
	report, err := dst.Apply(ctx, doc)
	require.NoError(t, err)
	require.True(t, report.OK())

	copied, err := f.Store.Load(ctx, cost.Key("burger"))
	require.NoError(t, err)
	require.Len(t, copied, 2)
	for i := range recs {
		assert.Equal(t, recs[i].Interval().String(), copied[i].Interval().String())
		assert.True(t, recs[i].Value.Equal(copied[i].Value))
		assert.Equal(t, recs[i].Notes, copied[i].Notes)
	}
}
