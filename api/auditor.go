/*
auditor.go - Periodic invariant audit of every rate history

PURPOSE:
  Re-checks the stored histories against the history invariants (no
  overlap, at most one open record, non-empty intervals). Writes already
  enforce them, so a violation means the store was modified behind the
  engine's back: a manual SQL fix, a partial restore, a second writer
  without the subject lock.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on Start
  - Each run walks every subject of every registered kind
  - Violations are logged at warn level and exported as a gauge per
    kind and rule; the gauge is replaced on every run

CONFIGURATION:
  - Interval: How often to run (default: 5 minutes)
  - Enabled: Whether Start launches the loop (default: true)

USAGE:
  auditor := NewInvariantAuditor(store, catalog, logger, m)
  auditor.Start()
  // ... later
  auditor.Stop()

SEE ALSO:
  - rate/invariants.go: CheckInvariants
  - handlers.go: GET /api/audit (on-demand run)
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThaisFReis/mise-sub001/metrics"
	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/rs/zerolog"
)

// AuditResult is the outcome of one audit run.
type AuditResult struct {
	RanAt      time.Time
	Subjects   int
	Violations []rate.Violation
}

// InvariantAuditor audits stored histories on a ticker.
type InvariantAuditor struct {
	Store    rate.Store
	Catalog  *rate.Catalog
	Clock    rate.Clock
	Interval time.Duration
	Enabled  bool

	log     zerolog.Logger
	metrics *metrics.Metrics

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewInvariantAuditor(store rate.Store, catalog *rate.Catalog, logger zerolog.Logger, m *metrics.Metrics) *InvariantAuditor {
	return &InvariantAuditor{
		Store:    store,
		Catalog:  catalog,
		Clock:    rate.SystemClock{},
		Interval: 5 * time.Minute,
		Enabled:  true,
		log:      logger.With().Str("component", "auditor").Logger(),
		metrics:  m,
	}
}

// Start launches the audit loop. Calling Start twice is a no-op.
func (a *InvariantAuditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.Enabled {
		a.log.Info().Msg("disabled, not starting")
		return
	}
	if a.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.stop = make(chan struct{})
	a.ticker = time.NewTicker(a.Interval)
	a.wg.Add(1)
	go a.run(ctx)

	a.log.Info().Dur("interval", a.Interval).Msg("started")
}

// Running reports whether the audit loop is active.
func (a *InvariantAuditor) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ticker != nil
}

// Stop ends the loop and waits for an in-flight run to return.
func (a *InvariantAuditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker == nil {
		return
	}
	a.ticker.Stop()
	a.cancel()
	close(a.stop)
	a.wg.Wait()
	a.ticker = nil
	a.log.Info().Msg("stopped")
}

func (a *InvariantAuditor) run(ctx context.Context) {
	defer a.wg.Done()

	a.runLogged(ctx)
	for {
		select {
		case <-a.ticker.C:
			a.runLogged(ctx)
		case <-a.stop:
			return
		}
	}
}

func (a *InvariantAuditor) runLogged(ctx context.Context) {
	res, err := a.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Error().Err(err).Msg("audit run failed")
		}
		return
	}
	evt := a.log.Debug()
	if len(res.Violations) > 0 {
		evt = a.log.Warn()
	}
	evt.Int("subjects", res.Subjects).Int("violations", len(res.Violations)).Msg("audit run completed")
}

// RunOnce audits every subject of every registered kind.
func (a *InvariantAuditor) RunOnce(ctx context.Context) (AuditResult, error) {
	res := AuditResult{RanAt: a.Clock.Now()}
	counts := make(map[rate.Kind]map[string]int)

	for _, kind := range a.Catalog.Kinds() {
		counts[kind] = map[string]int{}
		keys, err := a.Store.Subjects(ctx, kind)
		if err != nil {
			a.metrics.ObserveAuditRun(err)
			return res, fmt.Errorf("list %s subjects: %w", kind, err)
		}
		for _, key := range keys {
			recs, err := a.Store.Load(ctx, key)
			if err != nil {
				a.metrics.ObserveAuditRun(err)
				return res, fmt.Errorf("load %s: %w", key, err)
			}
			res.Subjects++
			for _, v := range rate.CheckInvariants(recs) {
				counts[kind][v.Rule]++
				res.Violations = append(res.Violations, v)
				a.log.Warn().
					Str("subject", v.Key.String()).
					Str("rule", v.Rule).
					Strs("records", recordIDs(v.Records)).
					Msg(v.Detail)
			}
		}
	}

	for kind, byRule := range counts {
		a.metrics.SetViolations(kind, byRule)
	}
	a.metrics.ObserveAuditRun(nil)
	return res, nil
}

func recordIDs(ids []rate.RecordID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
