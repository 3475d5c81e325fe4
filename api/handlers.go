/*
handlers.go - HTTP API handlers for the rate engine

PURPOSE:
  Exposes cost and commission histories, point-in-time resolution, range
  segments, margins, imports and audits over REST. Handles HTTP request and
  response, JSON serialization, and delegates to the engine.

ENDPOINTS:
  Costs (kind product_cost):
    POST   /api/products/{id}/costs            Register a cost
    POST   /api/products/{id}/costs/close      Close the current cost
    GET    /api/products/{id}/costs?at=        Cost in effect at an instant
    GET    /api/products/{id}/costs/segments   ?start=&end= range sweep
    GET    /api/products/{id}/costs/history    Full history with status
    GET    /api/products/{id}/costs/trend      Deltas between versions

  Commissions (kind channel_commission):
    Same shape under /api/channels/{id}/commissions

  Margin:
    POST   /api/margin/unit                    One sale
    POST   /api/margin/batch                   Many sales, with skip counts

  Bulk:
    POST   /api/imports                        Apply a JSON rate document
    GET    /api/exports/{kind}                 Every history of a kind

  Operations:
    GET    /api/audit                          Run the invariant audit now

ERROR HANDLING:
  Errors are returned as JSON with the HTTP status of their class:
  - 400: RangeError, unknown kind, malformed body or query
  - 404: NotFoundError (close with no open record)
  - 409: OverlapError, OrderingError; the body carries the conflicting record
  - 422: UndefinedRateError (no cost or commission for the sale's instant)
  - 500: Store failures

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Fixture loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ThaisFReis/mise-sub001/commission"
	"github.com/ThaisFReis/mise-sub001/cost"
	"github.com/ThaisFReis/mise-sub001/factory"
	"github.com/ThaisFReis/mise-sub001/margin"
	"github.com/ThaisFReis/mise-sub001/metrics"
	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const maxImportBytes = 10 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Registry    *rate.Registry
	Resolver    *rate.Resolver
	Reporter    *rate.Reporter
	Calculator  *margin.Calculator
	Costs       *cost.Ledger
	Commissions *commission.Ledger
	Importer    *factory.Importer
	Auditor     *InvariantAuditor

	log     zerolog.Logger
	metrics *metrics.Metrics

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires every engine component on top of registry. m may be nil.
func NewHandler(registry *rate.Registry, logger zerolog.Logger, m *metrics.Metrics) *Handler {
	store := registry.Store()
	resolver := rate.NewResolver(store)
	auditor := NewInvariantAuditor(store, registry.Variants(), logger, m)
	auditor.Clock = registry.Clock()

	return &Handler{
		Registry:    registry,
		Resolver:    resolver,
		Reporter:    rate.NewReporter(store, registry.Clock()),
		Calculator:  margin.NewCalculator(resolver),
		Costs:       cost.NewLedger(registry),
		Commissions: commission.NewLedger(registry),
		Importer:    factory.NewImporter(registry),
		Auditor:     auditor,
		log:         logger,
		metrics:     m,
	}
}

func (h *Handler) now() time.Time { return h.Registry.Clock().Now() }

// =============================================================================
// WRITE HANDLERS
// =============================================================================

// CreateCost registers a product cost.
// POST /api/products/{id}/costs
func (h *Handler) CreateCost(w http.ResponseWriter, r *http.Request) {
	var req CreateCostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	from, until, err := parseValidity(req.ValidFrom, req.ValidUntil)
	if err != nil {
		h.writeEngineError(w, r, "Invalid validity interval", err)
		return
	}

	rec, err := h.Costs.RegisterCost(r.Context(), cost.Registration{
		ProductID:   rate.SubjectID(chi.URLParam(r, "id")),
		Value:       req.Value,
		ValidFrom:   from,
		ValidUntil:  until,
		SupplierRef: req.SupplierRef,
		Notes:       req.Notes,
	})
	h.metrics.ObserveWrite(cost.Kind, metrics.OpInsert, err)
	if err != nil {
		h.writeEngineError(w, r, "Failed to register cost", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordDTO(rec))
}

// CreateCommission registers a channel commission rate.
// POST /api/channels/{id}/commissions
func (h *Handler) CreateCommission(w http.ResponseWriter, r *http.Request) {
	var req CreateCommissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	from, until, err := parseValidity(req.ValidFrom, req.ValidUntil)
	if err != nil {
		h.writeEngineError(w, r, "Invalid validity interval", err)
		return
	}

	rec, err := h.Commissions.RegisterCommission(r.Context(), commission.Registration{
		ChannelID:  rate.SubjectID(chi.URLParam(r, "id")),
		Rate:       req.Rate,
		ValidFrom:  from,
		ValidUntil: until,
		Notes:      req.Notes,
	})
	h.metrics.ObserveWrite(commission.Kind, metrics.OpInsert, err)
	if err != nil {
		h.writeEngineError(w, r, "Failed to register commission", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordDTO(rec))
}

// Close ends the subject's open record. An empty body closes it now.
// POST /api/{products|channels}/{id}/{costs|commissions}/close
func (h *Handler) Close(kind rate.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CloseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		at, err := h.instantOrNow("at", req.At)
		if err != nil {
			h.writeEngineError(w, r, "Invalid close instant", err)
			return
		}

		key := rate.SubjectKey{Kind: kind, SubjectID: rate.SubjectID(chi.URLParam(r, "id"))}
		rec, err := h.Registry.Close(r.Context(), key, at)
		h.metrics.ObserveWrite(kind, metrics.OpClose, err)
		if err != nil {
			h.writeEngineError(w, r, "Failed to close record", err)
			return
		}
		writeJSON(w, http.StatusOK, toRecordDTO(rec))
	}
}

// =============================================================================
// READ HANDLERS
// =============================================================================

// Resolve returns the record in effect at ?at= (default now). An undefined
// rate is a 200 with defined=false; only margin treats it as an error.
// GET /api/{products|channels}/{id}/{costs|commissions}
func (h *Handler) Resolve(kind rate.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		at, err := h.instantOrNow("at", r.URL.Query().Get("at"))
		if err != nil {
			h.writeEngineError(w, r, "Invalid query", err)
			return
		}

		key := rate.SubjectKey{Kind: kind, SubjectID: rate.SubjectID(chi.URLParam(r, "id"))}
		rec, err := h.Resolver.Resolve(r.Context(), key, at)
		h.metrics.ObserveResolution(kind, rec, err)
		if err != nil {
			h.writeEngineError(w, r, "Failed to resolve rate", err)
			return
		}

		resp := ResolveDTO{
			Kind:      string(kind),
			SubjectID: string(key.SubjectID),
			At:        rate.FormatInstant(at),
			Defined:   rec != nil,
		}
		if rec != nil {
			dto := toRecordDTO(*rec)
			dto.Status = string(rec.StatusAt(h.now()))
			resp.Record = &dto
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Segments sweeps [start, end) and returns one segment per record or gap.
// GET .../segments?start=&end=
func (h *Handler) Segments(kind rate.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		start, err := parseInstantField("start", q.Get("start"))
		if err != nil {
			h.writeEngineError(w, r, "Invalid query", err)
			return
		}
		end, err := parseInstantField("end", q.Get("end"))
		if err != nil {
			h.writeEngineError(w, r, "Invalid query", err)
			return
		}

		key := rate.SubjectKey{Kind: kind, SubjectID: rate.SubjectID(chi.URLParam(r, "id"))}
		segs, err := h.Resolver.Segments(r.Context(), key, start, end)
		if err != nil {
			h.writeEngineError(w, r, "Failed to compute segments", err)
			return
		}
		writeJSON(w, http.StatusOK, toSegmentDTOs(segs.Collect()))
	}
}

// History returns every record of the subject, oldest first.
// GET .../history
func (h *Handler) History(kind rate.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := rate.SubjectKey{Kind: kind, SubjectID: rate.SubjectID(chi.URLParam(r, "id"))}
		entries, err := h.Reporter.History(r.Context(), key)
		if err != nil {
			h.writeEngineError(w, r, "Failed to load history", err)
			return
		}
		writeJSON(w, http.StatusOK, toEntryDTOs(entries))
	}
}

// Trend returns the percentage change between consecutive records.
// GET .../trend
func (h *Handler) Trend(kind rate.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := rate.SubjectKey{Kind: kind, SubjectID: rate.SubjectID(chi.URLParam(r, "id"))}
		trends, err := h.Reporter.TrendDelta(r.Context(), key)
		if err != nil {
			h.writeEngineError(w, r, "Failed to compute trend", err)
			return
		}
		writeJSON(w, http.StatusOK, toTrendDTOs(trends))
	}
}

// =============================================================================
// MARGIN HANDLERS
// =============================================================================

// UnitMargin computes the margin of one sale.
// POST /api/margin/unit
func (h *Handler) UnitMargin(w http.ResponseWriter, r *http.Request) {
	var req UnitMarginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	at, err := h.instantOrNow("at", req.At)
	if err != nil {
		h.writeEngineError(w, r, "Invalid sale instant", err)
		return
	}

	res, err := h.Calculator.UnitMargin(r.Context(), rate.SubjectID(req.ProductID), rate.SubjectID(req.ChannelID), at, req.UnitPrice)
	if err != nil {
		h.writeEngineError(w, r, "Failed to compute margin", err)
		return
	}
	writeJSON(w, http.StatusOK, toMarginDTO(res))
}

// BatchMargin computes a set of sales. Lines with an undefined rate or
// invalid input are skipped and counted, never priced at zero.
// POST /api/margin/batch
func (h *Handler) BatchMargin(w http.ResponseWriter, r *http.Request) {
	var req BatchMarginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	// A missing or malformed instant leaves At zero; the calculator skips
	// that line as invalid.
	sales := make([]margin.Sale, len(req.Sales))
	for i, s := range req.Sales {
		at, _ := parseInstantField("at", s.At)
		sales[i] = margin.Sale{
			ID:        s.ID,
			ProductID: rate.SubjectID(s.ProductID),
			ChannelID: rate.SubjectID(s.ChannelID),
			At:        at,
			UnitPrice: s.UnitPrice,
			Quantity:  s.Quantity,
		}
	}

	batch, err := h.Calculator.BatchMargin(r.Context(), sales)
	if err != nil {
		h.writeEngineError(w, r, "Failed to compute batch margin", err)
		return
	}

	h.metrics.ObserveBatchLines("", batch.Included)
	h.metrics.ObserveBatchLines(string(margin.SkipUndefinedCost), batch.SkippedCost)
	h.metrics.ObserveBatchLines(string(margin.SkipUndefinedCommission), batch.SkippedCommission)
	h.metrics.ObserveBatchLines(string(margin.SkipInvalid), batch.SkippedInvalid)

	writeJSON(w, http.StatusOK, toBatchDTO(batch))
}

// =============================================================================
// BULK HANDLERS
// =============================================================================

// Import applies a rate document. Row failures are reported in the body;
// the response is 200 unless the document itself is malformed.
// POST /api/imports
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "Failed to read document", err)
		return
	}
	doc, err := factory.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rate document", err)
		return
	}

	report, err := h.Importer.Apply(r.Context(), doc)
	if err != nil {
		h.writeEngineError(w, r, "Import interrupted", err)
		return
	}
	for _, a := range report.Applied {
		h.metrics.ObserveWrite(a.Record.Kind, metrics.OpImport, nil)
	}
	for _, f := range report.Failed {
		h.metrics.ObserveWrite(f.Key.Kind, metrics.OpImport, f.Err)
	}

	h.log.Info().
		Int("applied", len(report.Applied)).
		Int("failed", len(report.Failed)).
		Msg("rate document imported")
	writeJSON(w, http.StatusOK, toImportReportDTO(report))
}

// Export returns every history of a kind as an importable document.
// GET /api/exports/{kind}
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	kind := rate.Kind(chi.URLParam(r, "kind"))
	if _, err := h.Registry.Variants().Lookup(kind); err != nil {
		h.writeEngineError(w, r, "Unknown kind", err)
		return
	}

	store := h.Registry.Store()
	keys, err := store.Subjects(r.Context(), kind)
	if err != nil {
		h.writeEngineError(w, r, "Failed to list subjects", err)
		return
	}
	var all []rate.Record
	for _, key := range keys {
		recs, err := store.Load(r.Context(), key)
		if err != nil {
			h.writeEngineError(w, r, "Failed to load history", err)
			return
		}
		all = append(all, recs...)
	}
	writeJSON(w, http.StatusOK, factory.Export(all))
}

// Audit runs the invariant audit synchronously.
// GET /api/audit
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	res, err := h.Auditor.RunOnce(r.Context())
	if err != nil {
		h.writeEngineError(w, r, "Audit failed", err)
		return
	}
	writeJSON(w, http.StatusOK, AuditDTO{
		RanAt:      res.RanAt.Format(time.RFC3339),
		Subjects:   res.Subjects,
		Violations: toViolationDTOs(res.Violations),
	})
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func parseInstantField(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, &rate.RangeError{Field: field, Value: `""`, Reason: "is required"}
	}
	t, err := rate.ParseInstant(raw)
	if err != nil {
		return time.Time{}, &rate.RangeError{Field: field, Value: raw, Reason: err.Error()}
	}
	return t, nil
}

func (h *Handler) instantOrNow(field, raw string) (time.Time, error) {
	if raw == "" {
		return rate.Normalize(h.now()), nil
	}
	return parseInstantField(field, raw)
}

func parseValidity(fromRaw, untilRaw string) (time.Time, *time.Time, error) {
	from, err := parseInstantField("valid_from", fromRaw)
	if err != nil {
		return time.Time{}, nil, err
	}
	if untilRaw == "" {
		return from, nil, nil
	}
	until, err := parseInstantField("valid_until", untilRaw)
	if err != nil {
		return time.Time{}, nil, err
	}
	return from, &until, nil
}

// errorStatus maps an engine error to its HTTP status.
func errorStatus(err error) int {
	switch {
	case rate.IsClientError(err):
		return http.StatusBadRequest
	case rate.IsConflict(err):
		return http.StatusConflict
	case rate.IsNotFound(err):
		return http.StatusNotFound
	case rate.IsUndefined(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError writes err with its mapped status. Conflicts carry the
// colliding record so the caller can correct the requested interval.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := errorStatus(err)
	resp := ErrorResponse{Error: message, Details: err.Error()}

	var overlap *rate.OverlapError
	var ordering *rate.OrderingError
	switch {
	case errors.As(err, &overlap) && overlap.ConflictingID != "":
		resp.Conflict = &ConflictDTO{
			RecordID:   string(overlap.ConflictingID),
			ValidFrom:  rate.FormatInstant(overlap.Conflicting.From),
			ValidUntil: untilPtr(overlap.Conflicting.Until),
		}
	case errors.As(err, &ordering):
		resp.Conflict = &ConflictDTO{
			RecordID:  string(ordering.CurrentID),
			ValidFrom: rate.FormatInstant(ordering.CurrentFrom),
		}
	}

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg(message)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
