// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRegisterOnInjectedRegistry(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m := New(registry)
	m.Turns.WithLabelValues(OutcomeCompleted).Inc()
	m.AdmissionRejections.WithLabelValues("normal", "user").Add(2)

	if got := testutil.ToFloat64(m.Turns.WithLabelValues(OutcomeCompleted)); got != 1 {
		t.Errorf("turns{completed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AdmissionRejections.WithLabelValues("normal", "user")); got != 2 {
		t.Errorf("admission_rejections{normal,user} = %v, want 2", got)
	}

	// A second set on a fresh registry must not collide.
	_ = New(prometheus.NewRegistry())
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	New(registry).CacheSize.Set(3)

	var readyErr error
	server := httptest.NewServer(Handler(registry, func() error { return readyErr }))
	defer server.Close()

	response, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if !strings.Contains(string(body), "chatrelay_fragment_cache_size 3") {
		t.Errorf("/metrics missing cache size gauge:\n%s", body)
	}

	response, err = http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", response.StatusCode)
	}
}

func TestHandlerUnhealthy(t *testing.T) {
	t.Parallel()

	handler := Handler(prometheus.NewRegistry(), func() error { return errors.New("sync stalled") })
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Errorf("/healthz status = %d, want 503", recorder.Code)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, listener, Handler(prometheus.NewRegistry(), nil), discardLogger())
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
