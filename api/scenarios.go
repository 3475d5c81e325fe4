/*
scenarios.go - Deterministic fixture scenarios for demos and tests

PURPOSE:

	Pre-built histories that populate the store with known data, so the
	resolution, segment, margin and trend endpoints can be exercised by
	hand or by tests against fixed expected values.

AVAILABLE SCENARIOS:

	cost-supersede:   Burger cost 10 from 2024-01-01, superseded by 12 on
	                  2024-03-01
	backfill-overlap: Fries cost history plus a rejected backfill that
	                  overlaps it
	restaurant-menu:  Four products, four channels; iFood raises its fee
	                  from 12% to 15% on 2024-03-01, Uber Eats leaves on
	                  2024-07-01
	margin-gaps:      Histories with holes, for batch skip counts

HOW SCENARIOS WORK:
 1. Reset the store (requires a store implementing rate.Resetter)
 2. Build the rows as a factory.Document
 3. Apply it through the importer, so every insert rule holds
 4. Report applied and rejected rows

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "restaurant-menu"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Import endpoint sharing the same document format
  - factory/rates.go: Document schema
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ThaisFReis/mise-sub001/commission"
	"github.com/ThaisFReis/mise-sub001/cost"
	"github.com/ThaisFReis/mise-sub001/factory"
	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/shopspring/decimal"
)

var errResetUnsupported = errors.New("store does not support reset")

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "cost-supersede",
		Name:        "Cost Supersede",
		Description: "Open-ended cost closed automatically by its successor",
		Category:    "cost",
	},
	{
		ID:          "backfill-overlap",
		Name:        "Backfill Overlap",
		Description: "Historical backfill rejected because it overlaps an existing record",
		Category:    "cost",
	},
	{
		ID:          "restaurant-menu",
		Name:        "Restaurant Menu",
		Description: "Menu costs across four delivery channels with a commission increase",
		Category:    "margin",
	},
	{
		ID:          "margin-gaps",
		Name:        "Margin Gaps",
		Description: "Sales falling outside cost and commission histories",
		Category:    "margin",
	},
}

type scenarioLoader func() factory.Document

var loaders = map[string]scenarioLoader{
	"cost-supersede":   costSupersedeScenario,
	"backfill-overlap": backfillOverlapScenario,
	"restaurant-menu":  restaurantMenuScenario,
	"margin-gaps":      marginGapsScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	report, err := h.loadScenario(r.Context(), req.ScenarioID, load)
	if errors.Is(err, errResetUnsupported) {
		writeError(w, http.StatusNotImplemented, "Scenarios need a resettable store", err)
		return
	}
	if err != nil {
		h.writeEngineError(w, r, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status   string          `json:"status"`
		Scenario string          `json:"scenario"`
		Report   ImportReportDTO `json:"report"`
	}{"loaded", req.ScenarioID, toImportReportDTO(report)})
}

// ResetDatabase empties the store.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		if errors.Is(err, errResetUnsupported) {
			writeError(w, http.StatusNotImplemented, "Store does not support reset", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) reset(ctx context.Context) error {
	resetter, ok := h.Registry.Store().(rate.Resetter)
	if !ok {
		return errResetUnsupported
	}
	if err := resetter.Reset(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return nil
}

func (h *Handler) loadScenario(ctx context.Context, id string, load scenarioLoader) (factory.Report, error) {
	if err := h.reset(ctx); err != nil {
		return factory.Report{}, err
	}
	report, err := h.Importer.Apply(ctx, load())
	if err != nil {
		return report, err
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()

	h.log.Info().
		Str("scenario", id).
		Int("applied", len(report.Applied)).
		Int("rejected", len(report.Failed)).
		Msg("scenario loaded")
	return report, nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type row struct {
	kind    rate.Kind
	subject string
	value   string
	from    string
	until   string
	ref     string
	notes   string
}

func document(rows ...row) factory.Document {
	doc := factory.Document{Records: make([]factory.RecordJSON, len(rows))}
	for i, r := range rows {
		doc.Records[i] = factory.RecordJSON{
			Kind:         string(r.kind),
			SubjectID:    r.subject,
			Value:        decimal.RequireFromString(r.value),
			ValidFrom:    r.from,
			ValidUntil:   r.until,
			SecondaryRef: r.ref,
			Notes:        r.notes,
		}
	}
	return doc
}

func costSupersedeScenario() factory.Document {
	return document(
		row{kind: cost.Kind, subject: "burger", value: "10", from: "2024-01-01"},
		row{kind: cost.Kind, subject: "burger", value: "12", from: "2024-03-01"},
	)
}

// The last row overlaps [2024-01-01, open) and is rejected.
func backfillOverlapScenario() factory.Document {
	return document(
		row{kind: cost.Kind, subject: "fries", value: "3.50", from: "2023-10-01", until: "2024-01-01", notes: "pre-season"},
		row{kind: cost.Kind, subject: "fries", value: "4", from: "2024-01-01"},
		row{kind: cost.Kind, subject: "fries", value: "3.80", from: "2024-02-01", until: "2024-02-15", notes: "promo backfill"},
	)
}

func restaurantMenuScenario() factory.Document {
	return document(
		// Costs
		row{kind: cost.Kind, subject: "burger", value: "10", from: "2024-01-01", ref: "sup-beef-01"},
		row{kind: cost.Kind, subject: "burger", value: "12", from: "2024-03-01", ref: "sup-beef-01", notes: "beef price increase"},
		row{kind: cost.Kind, subject: "fries", value: "4", from: "2024-01-01", ref: "sup-potato-07"},
		row{kind: cost.Kind, subject: "soda", value: "2.10", from: "2024-01-01", ref: "sup-bev-02"},
		row{kind: cost.Kind, subject: "soda", value: "2.35", from: "2024-05-01", ref: "sup-bev-02"},
		row{kind: cost.Kind, subject: "pizza", value: "18.40", from: "2024-02-01", ref: "sup-dough-03"},
		// Commissions
		row{kind: commission.Kind, subject: "ifood", value: "12", from: "2024-01-01"},
		row{kind: commission.Kind, subject: "ifood", value: "15", from: "2024-03-01", notes: "plan change"},
		row{kind: commission.Kind, subject: "rappi", value: "18", from: "2024-01-01"},
		row{kind: commission.Kind, subject: "counter", value: "0", from: "2024-01-01"},
		row{kind: commission.Kind, subject: "ubereats", value: "25", from: "2024-01-01", until: "2024-07-01", notes: "left the platform"},
	)
}

func marginGapsScenario() factory.Document {
	return document(
		row{kind: cost.Kind, subject: "burger", value: "10", from: "2024-03-01"},
		row{kind: cost.Kind, subject: "salad", value: "6", from: "2024-01-01", until: "2024-02-01"},
		row{kind: cost.Kind, subject: "salad", value: "6.50", from: "2024-03-01"},
		row{kind: commission.Kind, subject: "ifood", value: "12", from: "2024-01-01", until: "2024-04-01"},
		row{kind: commission.Kind, subject: "rappi", value: "18", from: "2024-02-01"},
	)
}
