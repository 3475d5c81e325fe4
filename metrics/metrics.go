/*
Package metrics exposes the rates service's Prometheus instruments.

PURPOSE:
  Low-cardinality counters for writes, resolutions and batch margin lines,
  plus the invariant auditor's run counter and violation gauge. Labels
  carry kinds, operations and outcome classes, never subject ids.

USAGE:
  m := metrics.New(prometheus.DefaultRegisterer, metrics.Config{ServiceName: "rates", Environment: "production"})
  m.ObserveWrite(cost.Kind, metrics.OpInsert, err)

SEE ALSO:
  - api/handlers.go: Records write, resolution and batch outcomes
  - api/auditor.go: Records audit runs and violations
*/
package metrics

import (
	"errors"
	"strings"

	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	OpInsert = "insert"
	OpClose  = "close"
	OpImport = "import"
)

const (
	OutcomeOK        = "ok"
	OutcomeRange     = "range"
	OutcomeOverlap   = "overlap"
	OutcomeOrdering  = "ordering"
	OutcomeNotFound  = "not_found"
	OutcomeUndefined = "undefined"
	OutcomeError     = "error"
)

type Config struct {
	ServiceName string
	Environment string
}

type Metrics struct {
	writes      *prometheus.CounterVec
	resolutions *prometheus.CounterVec
	batchLines  *prometheus.CounterVec
	auditRuns   *prometheus.CounterVec
	violations  *prometheus.GaugeVec
}

// New builds and registers every instrument on registerer (the default
// registerer when nil). Registering twice on the same registerer panics.
func New(registerer prometheus.Registerer, cfg Config) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "rates"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rates_writes_total",
			Help:        "Rate record writes by kind, operation and outcome.",
			ConstLabels: constLabels,
		}, []string{"kind", "op", "outcome"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rates_resolutions_total",
			Help:        "Point-in-time rate resolutions by kind and outcome.",
			ConstLabels: constLabels,
		}, []string{"kind", "outcome"}),
		batchLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rates_margin_batch_lines_total",
			Help:        "Batch margin sale lines, included or skipped by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		auditRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rates_audit_runs_total",
			Help:        "Invariant audit runs by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		violations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "rates_invariant_violations",
			Help:        "Invariant violations found by the last audit run.",
			ConstLabels: constLabels,
		}, []string{"kind", "rule"}),
	}

	registerer.MustRegister(m.writes, m.resolutions, m.batchLines, m.auditRuns, m.violations)
	return m
}

// Outcome classifies err into one of the Outcome* labels.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, rate.ErrRange), errors.Is(err, rate.ErrUnknownKind):
		return OutcomeRange
	case errors.Is(err, rate.ErrOverlap):
		return OutcomeOverlap
	case errors.Is(err, rate.ErrOrdering):
		return OutcomeOrdering
	case errors.Is(err, rate.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, rate.ErrUndefinedRate):
		return OutcomeUndefined
	default:
		return OutcomeError
	}
}

func (m *Metrics) ObserveWrite(kind rate.Kind, op string, err error) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(string(kind), op, Outcome(err)).Inc()
}

// ObserveResolution records one resolution. A nil record with a nil error
// is an undefined rate.
func (m *Metrics) ObserveResolution(kind rate.Kind, rec *rate.Record, err error) {
	if m == nil {
		return
	}
	outcome := Outcome(err)
	if err == nil && rec == nil {
		outcome = OutcomeUndefined
	}
	m.resolutions.WithLabelValues(string(kind), outcome).Inc()
}

// ObserveBatchLines adds n lines under reason; "" counts as included.
func (m *Metrics) ObserveBatchLines(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	if reason == "" {
		reason = "included"
	}
	m.batchLines.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) ObserveAuditRun(err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.auditRuns.WithLabelValues(outcome).Inc()
}

// SetViolations replaces the gauge for kind with the counts per rule of
// the latest audit. Rules absent from counts are reset to zero.
func (m *Metrics) SetViolations(kind rate.Kind, counts map[string]int) {
	if m == nil {
		return
	}
	for _, rule := range []string{rate.RuleEmptyInterval, rate.RuleOverlap, rate.RuleMultipleOpen} {
		m.violations.WithLabelValues(string(kind), rule).Set(float64(counts[rule]))
	}
}
