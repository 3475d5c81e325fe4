/*
handlers_test.go - HTTP tests for the rate API

Tests for:
- Cost and commission write, close, resolve, segments, history and trend
- Error status mapping and conflict payloads
- Unit and batch margin
- Import, export, audit, health and metrics endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ThaisFReis/mise-sub001/commission"
	"github.com/ThaisFReis/mise-sub001/cost"
	"github.com/ThaisFReis/mise-sub001/metrics"
	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/ThaisFReis/mise-sub001/rate/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	handler *Handler
	router  http.Handler
	store   *store.Memory
}

// newTestServer builds the full router over a memory store, with the clock
// fixed at 2024-06-01.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	registry := rate.NewRegistry(mem,
		rate.NewCatalog(cost.Variant{}, commission.Variant{}),
		rate.WithClock(rate.NewFakeClock(rate.Day(2024, 6, 1))),
	)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, metrics.Config{ServiceName: "rates", Environment: "test"})
	h := NewHandler(registry, zerolog.Nop(), m)
	return &testServer{
		handler: h,
		router:  NewRouter(h, RouterConfig{Gatherer: reg}),
		store:   mem,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) postCost(t *testing.T, product string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/products/"+product+"/costs", body)
}

func (s *testServer) postCommission(t *testing.T, channel string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/channels/"+channel+"/commissions", body)
}

// =============================================================================
// COST LIFECYCLE
// =============================================================================

func TestCostLifecycle(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: a cost of 10 from Jan 1st, superseded by 12 on Mar 1st
	rec := s.postCost(t, "burger", map[string]any{"value": "10", "valid_from": "2024-01-01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[RecordDTO](t, rec)
	assert.Nil(t, first.ValidUntil)

	rec = s.postCost(t, "burger", map[string]any{"value": 12, "valid_from": "2024-03-01", "supplier_ref": "sup-42"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: the history shows the first record closed at Mar 1st
	rec = s.do(t, http.MethodGet, "/api/products/burger/costs/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]RecordDTO](t, rec)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	require.NotNil(t, history[0].ValidUntil)
	assert.Equal(t, "2024-03-01", *history[0].ValidUntil)
	assert.Equal(t, string(rate.StatusExpired), history[0].Status)
	assert.Equal(t, string(rate.StatusActive), history[1].Status)
	assert.Equal(t, "sup-42", history[1].SecondaryRef)

	// AND: resolution follows the instant
	rec = s.do(t, http.MethodGet, "/api/products/burger/costs?at=2024-02-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	feb := decode[ResolveDTO](t, rec)
	require.True(t, feb.Defined)
	assert.Equal(t, "10", feb.Record.Value.String())

	rec = s.do(t, http.MethodGet, "/api/products/burger/costs?at=2024-04-01", nil)
	assert.Equal(t, "12", decode[ResolveDTO](t, rec).Record.Value.String())

	// AND: the range splits at the change
	rec = s.do(t, http.MethodGet, "/api/products/burger/costs/segments?start=2024-01-15&end=2024-03-15", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	segs := decode[[]SegmentDTO](t, rec)
	require.Len(t, segs, 2)
	assert.Equal(t, "2024-01-15", segs[0].Start)
	assert.Equal(t, "2024-03-01", segs[0].End)
	assert.Equal(t, "2024-03-01", segs[1].Start)
	assert.Equal(t, "2024-03-15", segs[1].End)
}

func TestResolve_UndefinedIsNotAnError(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/products/ghost/costs?at=2024-02-01", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[ResolveDTO](t, rec)
	assert.False(t, got.Defined)
	assert.Nil(t, got.Record)
}

func TestResolve_DefaultsToNow(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.postCommission(t, "rappi", map[string]any{"rate": "18", "valid_from": "2024-05-01"}).Code)

	rec := s.do(t, http.MethodGet, "/api/channels/rappi/commissions", nil)

	got := decode[ResolveDTO](t, rec)
	assert.Equal(t, "2024-06-01", got.At)
	require.True(t, got.Defined)
	assert.Equal(t, string(rate.StatusActive), got.Record.Status)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestCreateCost_OverlapReturnsConflictingRecord(t *testing.T) {
	s := newTestServer(t)
	existing := decode[RecordDTO](t, s.postCost(t, "fries", map[string]any{"value": "4", "valid_from": "2024-01-01"}))

	// WHEN: a closed backfill lands inside the open record
	rec := s.postCost(t, "fries", map[string]any{"value": "3.8", "valid_from": "2024-02-01", "valid_until": "2024-02-15"})

	// THEN: 409 with the colliding interval
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[ErrorResponse](t, rec)
	require.NotNil(t, body.Conflict)
	assert.Equal(t, existing.ID, body.Conflict.RecordID)
	assert.Equal(t, "2024-01-01", body.Conflict.ValidFrom)
	assert.Nil(t, body.Conflict.ValidUntil)
}

func TestCreateCost_OrderingReturnsCurrentRecord(t *testing.T) {
	s := newTestServer(t)
	current := decode[RecordDTO](t, s.postCost(t, "soda", map[string]any{"value": "2", "valid_from": "2024-03-01"}))

	rec := s.postCost(t, "soda", map[string]any{"value": "1.9", "valid_from": "2024-02-01"})

	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[ErrorResponse](t, rec)
	require.NotNil(t, body.Conflict)
	assert.Equal(t, current.ID, body.Conflict.RecordID)
}

func TestWriteValidation(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name string
		rec  *httptest.ResponseRecorder
		want int
	}{
		{"negative cost", s.postCost(t, "burger", map[string]any{"value": "-1", "valid_from": "2024-01-01"}), http.StatusBadRequest},
		{"commission above 100", s.postCommission(t, "ifood", map[string]any{"rate": "120", "valid_from": "2024-01-01"}), http.StatusBadRequest},
		{"missing valid_from", s.postCost(t, "burger", map[string]any{"value": "1"}), http.StatusBadRequest},
		{"bad date", s.postCost(t, "burger", map[string]any{"value": "1", "valid_from": "03/01/2024"}), http.StatusBadRequest},
		{"empty interval", s.postCost(t, "burger", map[string]any{"value": "1", "valid_from": "2024-03-01", "valid_until": "2024-03-01"}), http.StatusBadRequest},
		{"malformed body", s.do(t, http.MethodPost, "/api/products/burger/costs", "{"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.rec.Code, tc.rec.Body.String())
		})
	}
}

func TestClose(t *testing.T) {
	s := newTestServer(t)

	// No open record yet
	rec := s.do(t, http.MethodPost, "/api/channels/ubereats/commissions/close", CloseRequest{At: "2024-07-01"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusCreated, s.postCommission(t, "ubereats", map[string]any{"rate": "25", "valid_from": "2024-01-01"}).Code)

	// Closing at or before validFrom is a range error
	rec = s.do(t, http.MethodPost, "/api/channels/ubereats/commissions/close", CloseRequest{At: "2024-01-01"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/channels/ubereats/commissions/close", CloseRequest{At: "2024-07-01"})
	require.Equal(t, http.StatusOK, rec.Code)
	closed := decode[RecordDTO](t, rec)
	require.NotNil(t, closed.ValidUntil)
	assert.Equal(t, "2024-07-01", *closed.ValidUntil)

	// An empty body closes at the handler clock's now
	require.Equal(t, http.StatusCreated, s.postCommission(t, "rappi", map[string]any{"rate": "18", "valid_from": "2024-01-01"}).Code)
	rec = s.do(t, http.MethodPost, "/api/channels/rappi/commissions/close", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2024-06-01", *decode[RecordDTO](t, rec).ValidUntil)
}

func TestSegments_RequiresBothBounds(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/products/burger/costs/segments?start=2024-01-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/products/burger/costs/segments?start=2024-03-01&end=2024-01-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, errorStatus(&rate.RangeError{}))
	assert.Equal(t, http.StatusConflict, errorStatus(&rate.OverlapError{}))
	assert.Equal(t, http.StatusConflict, errorStatus(&rate.OrderingError{}))
	assert.Equal(t, http.StatusNotFound, errorStatus(&rate.NotFoundError{}))
	assert.Equal(t, http.StatusUnprocessableEntity, errorStatus(&rate.UndefinedRateError{}))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(context.DeadlineExceeded))
}

// =============================================================================
// MARGIN
// =============================================================================

func TestUnitMargin(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.postCost(t, "burger", map[string]any{"value": "10", "valid_from": "2024-01-01"}).Code)
	require.Equal(t, http.StatusCreated, s.postCommission(t, "ifood", map[string]any{"rate": "20", "valid_from": "2024-01-01"}).Code)

	rec := s.do(t, http.MethodPost, "/api/margin/unit", map[string]any{
		"product_id": "burger", "channel_id": "ifood", "at": "2024-02-01", "unit_price": "20",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m := decode[MarginDTO](t, rec)
	assert.Equal(t, "4", m.CommissionAmount.String())
	assert.Equal(t, "6", m.MarginAbsolute.String())
	assert.Equal(t, "30", m.MarginPercent.String())
}

func TestUnitMargin_UndefinedRate(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.postCommission(t, "ifood", map[string]any{"rate": "20", "valid_from": "2024-01-01"}).Code)

	rec := s.do(t, http.MethodPost, "/api/margin/unit", map[string]any{
		"product_id": "burger", "channel_id": "ifood", "at": "2024-02-01", "unit_price": "20",
	})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "product_cost")
}

func TestBatchMargin_RestaurantMenu(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "restaurant-menu"}).Code)

	rec := s.do(t, http.MethodPost, "/api/margin/batch", BatchMarginRequest{Sales: []SaleDTO{
		{ID: "s1", ProductID: "burger", ChannelID: "ifood", At: "2024-02-10", UnitPrice: dec("20"), Quantity: dec("2")},
		{ID: "s2", ProductID: "burger", ChannelID: "ifood", At: "2024-04-10", UnitPrice: dec("25"), Quantity: dec("1")},
		{ID: "s3", ProductID: "pizza", ChannelID: "rappi", At: "2024-01-15", UnitPrice: dec("40"), Quantity: dec("1")},
		{ID: "s4", ProductID: "fries", ChannelID: "ubereats", At: "2024-08-01", UnitPrice: dec("9"), Quantity: dec("3")},
		{ID: "s5", ProductID: "soda", ChannelID: "counter", At: "2024-05-05", UnitPrice: dec("6"), Quantity: dec("0")},
	}})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b := decode[BatchMarginDTO](t, rec)
	assert.Equal(t, 2, b.Included)
	assert.Equal(t, 3, b.Skipped)
	assert.Equal(t, 1, b.SkippedCost)
	assert.Equal(t, 1, b.SkippedCommission)
	assert.Equal(t, 1, b.SkippedInvalid)
	assert.Equal(t, "65", b.TotalRevenue.String())
	assert.Equal(t, "24.45", b.TotalMargin.String())
	assert.Equal(t, "37.6667", b.MarginPercent.String())

	require.Len(t, b.Lines, 5)
	assert.Equal(t, "s3", b.Lines[2].SaleID)
	assert.Equal(t, "undefined_cost", b.Lines[2].Skip)
	assert.Nil(t, b.Lines[2].Margin)
	require.NotNil(t, b.Lines[1].Margin)
	assert.Equal(t, "15", b.Lines[1].Margin.CommissionRate.String())
}

func TestBatchMargin_BadInstantSkipsOnlyThatLine(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "restaurant-menu"}).Code)

	rec := s.do(t, http.MethodPost, "/api/margin/batch", BatchMarginRequest{Sales: []SaleDTO{
		{ID: "good", ProductID: "burger", ChannelID: "ifood", At: "2024-02-01", UnitPrice: dec("20"), Quantity: dec("1")},
		{ID: "missing", ProductID: "burger", ChannelID: "ifood", UnitPrice: dec("20"), Quantity: dec("1")},
		{ID: "garbled", ProductID: "burger", ChannelID: "ifood", At: "02/01/2024", UnitPrice: dec("20"), Quantity: dec("1")},
	}})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[BatchMarginDTO](t, rec)
	assert.Equal(t, 1, got.Included)
	assert.Equal(t, 2, got.SkippedInvalid)
	assert.Equal(t, 0, got.SkippedCost)
	require.NotNil(t, got.Lines[0].Margin)
	assert.Equal(t, "invalid", got.Lines[1].Skip)
	assert.Equal(t, "invalid", got.Lines[2].Skip)
}

func TestCommissionTrend(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "restaurant-menu"}).Code)

	rec := s.do(t, http.MethodGet, "/api/channels/ifood/commissions/trend", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	trend := decode[[]TrendDTO](t, rec)
	require.Len(t, trend, 1)
	require.NotNil(t, trend[0].DeltaPercent)
	assert.Equal(t, "25", trend[0].DeltaPercent.String())
	assert.Equal(t, "2024-03-01", trend[0].From)
}

// =============================================================================
// BULK AND OPERATIONS
// =============================================================================

func TestImportEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/imports", `{"records": [
		{"kind": "channel_commission", "subject_id": "ifood", "value": "15", "valid_from": "2024-03-01"},
		{"kind": "channel_commission", "subject_id": "ifood", "value": "12", "valid_from": "2024-01-01"},
		{"kind": "channel_commission", "subject_id": "ifood", "value": "13", "valid_from": "2024-02-01", "valid_until": "2024-02-10"},
		{"kind": "channel_commission", "subject_id": "rappi", "value": "130", "valid_from": "2024-01-01"}
	]}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[ImportReportDTO](t, rec)
	assert.Len(t, report.Applied, 2)
	require.Len(t, report.Failed, 2)
	assert.Equal(t, 2, report.Failed[0].Row)
	assert.Equal(t, http.StatusConflict, report.Failed[0].Status)
	assert.Equal(t, 3, report.Failed[1].Row)
	assert.Equal(t, http.StatusBadRequest, report.Failed[1].Status)

	rec = s.do(t, http.MethodPost, "/api/imports", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "cost-supersede"}).Code)

	rec := s.do(t, http.MethodGet, "/api/exports/product_cost", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		Records []struct {
			SubjectID  string `json:"subject_id"`
			ValidUntil string `json:"valid_until"`
		} `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Records, 2)
	assert.Equal(t, "2024-03-01", doc.Records[0].ValidUntil)

	rec = s.do(t, http.MethodGet, "/api/exports/tax", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditEndpoint_ReportsCorruption(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.Equal(t, http.StatusCreated, s.postCost(t, "burger", map[string]any{"value": "10", "valid_from": "2024-01-01"}).Code)

	rec := s.do(t, http.MethodGet, "/api/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[AuditDTO](t, rec).Violations)

	// GIVEN: a second open record written behind the registry's back
	key := cost.Key("burger")
	require.NoError(t, s.store.WithSubjectTx(ctx, key, func(tx rate.Tx) error {
		return tx.Insert(ctx, rate.Record{
			ID: "rogue", Kind: cost.Kind, SubjectID: "burger",
			Value: dec("11"), ValidFrom: rate.Day(2024, 2, 1), CreatedAt: rate.Day(2024, 2, 1),
		})
	}))

	rec = s.do(t, http.MethodGet, "/api/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decode[AuditDTO](t, rec)
	assert.Equal(t, 1, audit.Subjects)
	rules := map[string]bool{}
	for _, v := range audit.Violations {
		rules[v.Rule] = true
	}
	assert.True(t, rules[rate.RuleOverlap])
	assert.True(t, rules[rate.RuleMultipleOpen])
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.postCost(t, "burger", map[string]any{"value": "10", "valid_from": "2024-01-01"})
	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `rates_writes_total{env="test",kind="product_cost",op="insert",outcome="ok",service="rates"} 1`), rec.Body.String())
}
