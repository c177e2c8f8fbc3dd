package main

import (
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/austindbirch/control_core/internal/config"
	"github.com/austindbirch/control_core/internal/delivery"
	"github.com/austindbirch/control_core/internal/logging"
)

const receivePath = "/api/relay/receive"

// receiver simulates a downstream service with configurable flakiness
type receiver struct {
	failFirstN int
	alwaysFail bool
	secret     string
	apiKey     string
	maxSkew    time.Duration
	delay      time.Duration
	now        func() time.Time

	reqCount atomic.Int64
	logger   *logging.Logger
}

func newReceiver(cfg config.FakeReceiver, apiKey string) *receiver {
	return &receiver{
		failFirstN: cfg.FailFirstN,
		alwaysFail: cfg.AlwaysFail,
		secret:     cfg.EndpointSecret,
		apiKey:     apiKey,
		maxSkew:    time.Duration(cfg.SigningLeewaySeconds) * time.Second,
		delay:      time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		now:        time.Now,
		logger:     logging.New("fake-receiver"),
	}
}

func main() {
	logger := logging.New("fake-receiver")
	cfg, err := config.FromEnv()
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	rc := newReceiver(cfg.FakeReceiver, cfg.SysAPIKey)
	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": rc.failFirstN,
		"always_fail":  rc.alwaysFail,
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("POST "+receivePath, rc.handleReceive)
	return mux
}

func (rc *receiver) handleReceive(w http.ResponseWriter, r *http.Request) {
	n := rc.reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if rc.delay > 0 {
		time.Sleep(rc.delay)
	}

	if rc.apiKey != "" && r.Header.Get(delivery.DefaultAuthHeader) != rc.apiKey {
		http.Error(w, "invalid system API key", http.StatusUnauthorized)
		return
	}
	if rc.secret != "" {
		ts, sig := r.Header.Get(delivery.TimestampHeader), r.Header.Get(delivery.SignatureHeader)
		if ok, msg := verifySignature(rc.secret, b, ts, sig, rc.maxSkew, rc.now()); !ok {
			rc.logger.Plain().WithField("reason", msg).Warn("fake-receiver failed to verify signature")
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	var ev delivery.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}

	entry := rc.logger.Plain().WithEvent(ev.ID).WithClient(ev.ClientID).WithFields(map[string]any{
		"request": n,
		"attempt": r.Header.Get(delivery.AttemptHeader),
		"action":  ev.Action,
		"body":    truncate(string(b), 160),
	})

	// Simulate flakiness: first N requests, or all of them, get a 500
	if rc.alwaysFail || n <= int64(rc.failFirstN) {
		entry.Warn("fake-receiver failing request")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	entry.Info("fake-receiver received relayed event")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":      "ack",
		"received_at": rc.now().UTC().Format(time.RFC3339),
	})
}

func verifySignature(secret string, body []byte, ts, sigHeaderVal string, leeway time.Duration, now time.Time) (bool, string) {
	if ts == "" || sigHeaderVal == "" {
		return false, "missing headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "invalid timestamp"
	}
	// reject if timestamp is too old/new
	if abs64(now.Unix()-unix) > int64(leeway.Seconds()) {
		return false, "timestamp too far from now (outside leeway)"
	}
	want := delivery.Sign(secret, body, ts)
	if !hmac.Equal([]byte(sigHeaderVal), []byte(want)) {
		return false, "sig mismatch"
	}
	return true, ""
}

// abs64 returns the absolute value of an int64
func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
