package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/control_core/internal/auth"
	"github.com/austindbirch/control_core/internal/config"
	"github.com/austindbirch/control_core/internal/delivery"
	"github.com/austindbirch/control_core/internal/eventlog"
	"github.com/austindbirch/control_core/internal/health"
	"github.com/austindbirch/control_core/internal/metrics"
	"github.com/austindbirch/control_core/internal/queue"
	"github.com/austindbirch/control_core/internal/relay"
)

func newTestServer(t *testing.T) (*httptest.Server, *relay.Service, *health.Handler) {
	t.Helper()
	log, err := eventlog.Open(filepath.Join(t.TempDir(), "relay.jsonl"), eventlog.Options{})
	if err != nil {
		t.Fatalf("eventlog.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	svc := relay.NewService(relay.Config{
		Workers: 1,
		Targets: []delivery.Target{{Name: "intelligence", URL: "http://127.0.0.1:1/api/relay/receive"}},
	}, log, queue.New(0), delivery.NewSender(time.Second), metrics.NewCounters())

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	hh := health.NewHandler(svc)

	srv := httptest.NewServer(newMux(svc, auth.NewAuthenticator("k", nil), hh, reg))
	t.Cleanup(srv.Close)
	return srv, svc, hh
}

func TestMuxRoutes(t *testing.T) {
	srv, _, hh := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/events", strings.NewReader(`{"client_id":"c1","action":"login"}`))
	req.Header.Set(auth.APIKeyHeader, "k")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/events: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /api/events status = %d, want 202", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	var stats map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode /metrics: %v", err)
	}
	resp.Body.Close()
	if stats["enqueued"] != 1 || stats["queue_depth"] != 1 {
		t.Errorf("/metrics = %v, want enqueued 1 and queue_depth 1", stats)
	}

	resp, err = http.Get(srv.URL + "/metrics/prometheus")
	if err != nil {
		t.Fatalf("GET /metrics/prometheus: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read /metrics/prometheus: %v", err)
	}
	if !strings.Contains(string(body), "control_core_events_enqueued_total") {
		t.Errorf("prometheus output missing enqueued counter")
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var st health.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !st.OK || st.QueueDepth != 1 {
		t.Errorf("/healthz = %d %+v, want 200 ok with depth 1", resp.StatusCode, st)
	}

	resp, err = http.Get(srv.URL + overviewPath)
	if err != nil {
		t.Fatalf("GET %s: %v", overviewPath, err)
	}
	var ov relay.Overview
	if err := json.NewDecoder(resp.Body).Decode(&ov); err != nil {
		t.Fatalf("decode overview: %v", err)
	}
	resp.Body.Close()
	intel, ok := ov.Services["intelligence"]
	if !ok || intel.OK || intel.Error == "" {
		t.Errorf("overview intelligence = %+v, want an unreachable target", intel)
	}
	if ov.Metrics.Enqueued != 1 || ov.Metrics.UniqueClients != 1 || ov.Timestamp.IsZero() {
		t.Errorf("overview = %+v", ov)
	}

	hh.SetShuttingDown()
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/healthz while stopping = %d, want 503", resp.StatusCode)
	}
}

func TestNewAuthenticator(t *testing.T) {
	cfg := config.Config{SysAPIKey: "k"}
	if _, err := newAuthenticator(cfg); err != nil {
		t.Fatalf("newAuthenticator() without jwt error = %v", err)
	}

	cfg.JWT.PublicKey = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := newAuthenticator(cfg); err == nil {
		t.Fatal("newAuthenticator() with a missing key file error = nil")
	}

	cfg.JWT.PublicKey = "-----BEGIN PUBLIC KEY-----\nbm90IGEga2V5\n-----END PUBLIC KEY-----\n"
	if _, err := newAuthenticator(cfg); err == nil {
		t.Fatal("newAuthenticator() with a bad key error = nil")
	}
}
