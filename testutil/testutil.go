// Package testutil provides shared test utilities for geostore tests.
package testutil

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/geostore/geostore/internal/metrics"
	"github.com/geostore/geostore/internal/store"
)

// OpenStore opens a store in a per-test temporary directory and closes
// it when the test finishes.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// FreshMetrics swaps in a clean Prometheus registry for the duration of
// the test and returns a metrics set registered against it. Without the
// swap, a second InitMetrics in the same binary would panic on
// duplicate registration.
func FreshMetrics(t *testing.T) *metrics.NodeMetrics {
	t.Helper()
	oldRegistry := metrics.Registry
	metrics.Registry = prometheus.NewRegistry()
	t.Cleanup(func() { metrics.Registry = oldRegistry })
	return metrics.InitMetrics("test-node", "http://localhost:50001", "test")
}
