/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP surface, kept apart from rate.Record and
  margin.Result so the engine types can change without breaking clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

ENCODING:
  - Values and money are decimal strings ("12.5"), never floats
  - Instants are "YYYY-MM-DD" when at midnight UTC, RFC3339 otherwise
  - A null valid_until is an open-ended record

VALIDATION:
  Done in handlers and in the engine, not here.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rates.go: Import document schema
*/
package api

import (
	"time"

	"github.com/ThaisFReis/mise-sub001/factory"
	"github.com/ThaisFReis/mise-sub001/margin"
	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/shopspring/decimal"
)

// =============================================================================
// RECORDS
// =============================================================================

type RecordDTO struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	SubjectID    string          `json:"subject_id"`
	Value        decimal.Decimal `json:"value"`
	ValidFrom    string          `json:"valid_from"`
	ValidUntil   *string         `json:"valid_until"`
	SecondaryRef string          `json:"secondary_ref,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	CreatedAt    string          `json:"created_at"`
	Status       string          `json:"status,omitempty"`
}

// CreateCostRequest is the body of POST /api/products/{id}/costs.
type CreateCostRequest struct {
	Value       decimal.Decimal `json:"value"`
	ValidFrom   string          `json:"valid_from"`
	ValidUntil  string          `json:"valid_until,omitempty"`
	SupplierRef string          `json:"supplier_ref,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

// CreateCommissionRequest is the body of POST /api/channels/{id}/commissions.
type CreateCommissionRequest struct {
	Rate       decimal.Decimal `json:"rate"`
	ValidFrom  string          `json:"valid_from"`
	ValidUntil string          `json:"valid_until,omitempty"`
	Notes      string          `json:"notes,omitempty"`
}

type CloseRequest struct {
	At string `json:"at"`
}

type ResolveDTO struct {
	Kind      string     `json:"kind"`
	SubjectID string     `json:"subject_id"`
	At        string     `json:"at"`
	Defined   bool       `json:"defined"`
	Record    *RecordDTO `json:"record"`
}

type SegmentDTO struct {
	Start  string     `json:"start"`
	End    string     `json:"end"`
	Record *RecordDTO `json:"record"`
}

type TrendDTO struct {
	PreviousID    string           `json:"previous_id"`
	CurrentID     string           `json:"current_id"`
	From          string           `json:"from"`
	PreviousValue decimal.Decimal  `json:"previous_value"`
	CurrentValue  decimal.Decimal  `json:"current_value"`
	DeltaPercent  *decimal.Decimal `json:"delta_percent"`
}

// =============================================================================
// MARGIN
// =============================================================================

type UnitMarginRequest struct {
	ProductID string          `json:"product_id"`
	ChannelID string          `json:"channel_id"`
	At        string          `json:"at"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type MarginDTO struct {
	ProductID        string          `json:"product_id"`
	ChannelID        string          `json:"channel_id"`
	At               string          `json:"at"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	Cost             decimal.Decimal `json:"cost"`
	CommissionRate   decimal.Decimal `json:"commission_rate"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	MarginAbsolute   decimal.Decimal `json:"margin_absolute"`
	MarginPercent    decimal.Decimal `json:"margin_percent"`
	CostRecordID     string          `json:"cost_record_id"`
	CommissionRecord string          `json:"commission_record_id"`
}

type SaleDTO struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	ChannelID string          `json:"channel_id"`
	At        string          `json:"at"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type BatchMarginRequest struct {
	Sales []SaleDTO `json:"sales"`
}

type LineDTO struct {
	SaleID string     `json:"sale_id"`
	Skip   string     `json:"skip,omitempty"`
	Error  string     `json:"error,omitempty"`
	Margin *MarginDTO `json:"margin,omitempty"`
}

type BatchMarginDTO struct {
	Lines             []LineDTO       `json:"lines"`
	Included          int             `json:"included"`
	Quantity          decimal.Decimal `json:"quantity"`
	TotalRevenue      decimal.Decimal `json:"total_revenue"`
	TotalMargin       decimal.Decimal `json:"total_margin"`
	MarginPercent     decimal.Decimal `json:"margin_percent"`
	Skipped           int             `json:"skipped"`
	SkippedCost       int             `json:"skipped_cost"`
	SkippedCommission int             `json:"skipped_commission"`
	SkippedInvalid    int             `json:"skipped_invalid"`
}

// =============================================================================
// IMPORT / AUDIT / SCENARIOS
// =============================================================================

type ImportRowErrorDTO struct {
	Row       int    `json:"row"`
	Kind      string `json:"kind"`
	SubjectID string `json:"subject_id"`
	Status    int    `json:"status"`
	Error     string `json:"error"`
}

type ImportReportDTO struct {
	Applied []RecordDTO         `json:"applied"`
	Failed  []ImportRowErrorDTO `json:"failed"`
}

type ViolationDTO struct {
	Kind      string   `json:"kind"`
	SubjectID string   `json:"subject_id"`
	Rule      string   `json:"rule"`
	Records   []string `json:"records"`
	Detail    string   `json:"detail"`
}

type AuditDTO struct {
	RanAt      string         `json:"ran_at"`
	Subjects   int            `json:"subjects"`
	Violations []ViolationDTO `json:"violations"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ConflictDTO is the record a rejected write collided with.
type ConflictDTO struct {
	RecordID   string  `json:"record_id"`
	ValidFrom  string  `json:"valid_from"`
	ValidUntil *string `json:"valid_until"`
}

type ErrorResponse struct {
	Error    string       `json:"error"`
	Details  string       `json:"details,omitempty"`
	Conflict *ConflictDTO `json:"conflict,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func untilPtr(u *time.Time) *string {
	if u == nil {
		return nil
	}
	s := rate.FormatInstant(*u)
	return &s
}

func toRecordDTO(r rate.Record) RecordDTO {
	return RecordDTO{
		ID:           string(r.ID),
		Kind:         string(r.Kind),
		SubjectID:    string(r.SubjectID),
		Value:        r.Value,
		ValidFrom:    rate.FormatInstant(r.ValidFrom),
		ValidUntil:   untilPtr(r.ValidUntil),
		SecondaryRef: r.SecondaryRef,
		Notes:        r.Notes,
		CreatedAt:    rate.FormatInstant(r.CreatedAt),
	}
}

func toEntryDTOs(entries []rate.Entry) []RecordDTO {
	out := make([]RecordDTO, len(entries))
	for i, e := range entries {
		out[i] = toRecordDTO(e.Record)
		out[i].Status = string(e.Status)
	}
	return out
}

func toSegmentDTOs(segs []rate.Segment) []SegmentDTO {
	out := make([]SegmentDTO, len(segs))
	for i, s := range segs {
		out[i] = SegmentDTO{Start: rate.FormatInstant(s.Start), End: rate.FormatInstant(s.End)}
		if s.Defined() {
			rec := toRecordDTO(*s.Record)
			out[i].Record = &rec
		}
	}
	return out
}

func toTrendDTOs(trends []rate.Trend) []TrendDTO {
	out := make([]TrendDTO, len(trends))
	for i, t := range trends {
		out[i] = TrendDTO{
			PreviousID:    string(t.Previous.ID),
			CurrentID:     string(t.Current.ID),
			From:          rate.FormatInstant(t.Current.ValidFrom),
			PreviousValue: t.Previous.Value,
			CurrentValue:  t.Current.Value,
			DeltaPercent:  t.DeltaPercent,
		}
	}
	return out
}

func toMarginDTO(r margin.Result) MarginDTO {
	return MarginDTO{
		ProductID:        string(r.ProductID),
		ChannelID:        string(r.ChannelID),
		At:               rate.FormatInstant(r.At),
		UnitPrice:        r.UnitPrice,
		Cost:             r.Cost,
		CommissionRate:   r.CommissionRate,
		CommissionAmount: r.CommissionAmount,
		MarginAbsolute:   r.MarginAbsolute,
		MarginPercent:    r.MarginPercent.Round(4),
		CostRecordID:     string(r.CostRecord),
		CommissionRecord: string(r.CommissionRecord),
	}
}

func toBatchDTO(b margin.Batch) BatchMarginDTO {
	out := BatchMarginDTO{
		Lines:             make([]LineDTO, len(b.Lines)),
		Included:          b.Included,
		Quantity:          b.Quantity,
		TotalRevenue:      b.TotalRevenue,
		TotalMargin:       b.TotalMargin,
		MarginPercent:     b.MarginPercent.Round(4),
		Skipped:           b.Skipped,
		SkippedCost:       b.SkippedCost,
		SkippedCommission: b.SkippedCommission,
		SkippedInvalid:    b.SkippedInvalid,
	}
	for i, l := range b.Lines {
		line := LineDTO{SaleID: l.Sale.ID, Skip: string(l.Skip)}
		if l.Err != nil {
			line.Error = l.Err.Error()
		}
		if l.Result != nil {
			m := toMarginDTO(*l.Result)
			line.Margin = &m
		}
		out.Lines[i] = line
	}
	return out
}

func toImportReportDTO(r factory.Report) ImportReportDTO {
	out := ImportReportDTO{
		Applied: make([]RecordDTO, len(r.Applied)),
		Failed:  make([]ImportRowErrorDTO, len(r.Failed)),
	}
	for i, a := range r.Applied {
		out.Applied[i] = toRecordDTO(a.Record)
	}
	for i, f := range r.Failed {
		out.Failed[i] = ImportRowErrorDTO{
			Row:       f.Row,
			Kind:      string(f.Key.Kind),
			SubjectID: string(f.Key.SubjectID),
			Status:    errorStatus(f.Err),
			Error:     f.Err.Error(),
		}
	}
	return out
}

func toViolationDTOs(vs []rate.Violation) []ViolationDTO {
	out := make([]ViolationDTO, len(vs))
	for i, v := range vs {
		ids := make([]string, len(v.Records))
		for j, id := range v.Records {
			ids[j] = string(id)
		}
		out[i] = ViolationDTO{
			Kind:      string(v.Key.Kind),
			SubjectID: string(v.Key.SubjectID),
			Rule:      v.Rule,
			Records:   ids,
			Detail:    v.Detail,
		}
	}
	return out
}
