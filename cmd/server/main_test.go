package main

import (
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/ThaisFReis/mise-sub001/api"
	"github.com/ThaisFReis/mise-sub001/commission"
	"github.com/ThaisFReis/mise-sub001/cost"
	"github.com/ThaisFReis/mise-sub001/metrics"
	"github.com/ThaisFReis/mise-sub001/rate"
	"github.com/ThaisFReis/mise-sub001/rate/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuditor(t *testing.T) *api.InvariantAuditor {
	t.Helper()
	registry := rate.NewRegistry(store.NewMemory(), rate.NewCatalog(cost.Variant{}, commission.Variant{}))
	m := metrics.New(prometheus.NewRegistry(), metrics.Config{ServiceName: "rates", Environment: "test"})
	h := api.NewHandler(registry, zerolog.Nop(), m)
	h.Auditor.Interval = time.Hour
	h.Auditor.Start()
	require.True(t, h.Auditor.Running())
	return h.Auditor
}

// serveWithin fails the test when serve does not return in time.
func serveWithin(t *testing.T, server *http.Server, a *api.InvariantAuditor, quit chan os.Signal) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- serve(server, a, quit, zerolog.Nop()) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
		return nil
	}
}

func TestServe_ListenerFailureStopsAuditor(t *testing.T) {
	a := newTestAuditor(t)
	server := &http.Server{Addr: "127.0.0.1:-1", Handler: http.NotFoundHandler()}

	err := serveWithin(t, server, a, make(chan os.Signal, 1))

	assert.Error(t, err)
	assert.False(t, a.Running())
}

func TestServe_SignalShutsDownCleanly(t *testing.T) {
	a := newTestAuditor(t)
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	quit := make(chan os.Signal, 1)
	quit <- os.Interrupt

	err := serveWithin(t, server, a, quit)

	assert.NoError(t, err)
	assert.False(t, a.Running())
}
