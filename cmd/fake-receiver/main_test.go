package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/control_core/internal/config"
	"github.com/austindbirch/control_core/internal/delivery"
)

var fixedNow = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func TestVerifySignature(t *testing.T) {
	secret := "test-secret"
	body := []byte(`{"client_id":"c1","action":"login"}`)
	ts := strconv.FormatInt(fixedNow.Unix(), 10)
	validSig := delivery.Sign(secret, body, ts)
	leeway := 5 * time.Minute

	tests := []struct {
		name        string
		secret      string
		timestamp   string
		signature   string
		expectValid bool
		expectedMsg string
	}{
		{"valid signature", secret, ts, validSig, true, ""},
		{"missing timestamp", secret, "", validSig, false, "missing headers"},
		{"missing signature", secret, ts, "", false, "missing headers"},
		{"invalid timestamp", secret, "yesterday", validSig, false, "invalid timestamp"},
		{"stale timestamp", secret, strconv.FormatInt(fixedNow.Add(-10*time.Minute).Unix(), 10), validSig, false, "timestamp too far from now (outside leeway)"},
		{"wrong secret", "other-secret", ts, validSig, false, "sig mismatch"},
		{"bare hex without prefix", secret, ts, strings.TrimPrefix(validSig, "sha256="), false, "sig mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, msg := verifySignature(tt.secret, body, tt.timestamp, tt.signature, leeway, fixedNow)
			if ok != tt.expectValid || msg != tt.expectedMsg {
				t.Errorf("verifySignature() = %v, %q, want %v, %q", ok, msg, tt.expectValid, tt.expectedMsg)
			}
		})
	}
}

func TestAbs64(t *testing.T) {
	tests := []struct {
		input    int64
		expected int64
	}{
		{42, 42},
		{-42, 42},
		{0, 0},
		{-9223372036854775807, 9223372036854775807},
	}
	for _, tt := range tests {
		if got := abs64(tt.input); got != tt.expected {
			t.Errorf("abs64(%d) = %d, want %d", tt.input, got, tt.expected)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		length   int
		expected string
	}{
		{"shorter than limit", "hello", 10, "hello"},
		{"equal to limit", "hello", 5, "hello"},
		{"longer than limit", "hello world", 5, "hello..."},
		{"empty string", "", 5, ""},
		{"zero length limit", "hello", 0, "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.input, tt.length); got != tt.expected {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.length, got, tt.expected)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	rc := newReceiver(config.FakeReceiver{}, "")
	w := httptest.NewRecorder()
	rc.routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK || w.Body.String() != `{"ok":true}` {
		t.Errorf("healthz = %d %q", w.Code, w.Body.String())
	}
}

func eventBody(t *testing.T) []byte {
	t.Helper()
	ev := delivery.Event{ClientID: "c1", Action: "login"}
	ev.Stamp(fixedNow)
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestHandleReceive(t *testing.T) {
	body := eventBody(t)
	ts := strconv.FormatInt(fixedNow.Unix(), 10)

	tests := []struct {
		name                 string
		cfg                  config.FakeReceiver
		apiKey               string
		body                 string
		headers              map[string]string
		expectedStatus       int
		expectedBodyContains string
	}{
		{
			name:                 "acknowledged",
			body:                 string(body),
			expectedStatus:       http.StatusOK,
			expectedBodyContains: `"status":"ack"`,
		},
		{
			name:                 "fail first request",
			cfg:                  config.FakeReceiver{FailFirstN: 1},
			body:                 string(body),
			expectedStatus:       http.StatusInternalServerError,
			expectedBodyContains: "temporary failure",
		},
		{
			name:                 "always fail",
			cfg:                  config.FakeReceiver{AlwaysFail: true},
			body:                 string(body),
			expectedStatus:       http.StatusInternalServerError,
			expectedBodyContains: "temporary failure",
		},
		{
			name:                 "not an event",
			body:                 "test payload",
			expectedStatus:       http.StatusBadRequest,
			expectedBodyContains: "invalid event payload",
		},
		{
			name:                 "wrong api key",
			apiKey:               "k",
			body:                 string(body),
			headers:              map[string]string{delivery.DefaultAuthHeader: "x"},
			expectedStatus:       http.StatusUnauthorized,
			expectedBodyContains: "invalid system API key",
		},
		{
			name:                 "missing signature with secret configured",
			cfg:                  config.FakeReceiver{EndpointSecret: "test-secret", SigningLeewaySeconds: 300},
			body:                 string(body),
			headers:              map[string]string{delivery.TimestampHeader: ts},
			expectedStatus:       http.StatusUnauthorized,
			expectedBodyContains: "invalid signature",
		},
		{
			name: "valid signature with secret",
			cfg:  config.FakeReceiver{EndpointSecret: "test-secret", SigningLeewaySeconds: 300},
			body: string(body),
			headers: map[string]string{
				delivery.TimestampHeader: ts,
				delivery.SignatureHeader: delivery.Sign("test-secret", body, ts),
			},
			expectedStatus:       http.StatusOK,
			expectedBodyContains: "ack",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := newReceiver(tt.cfg, tt.apiKey)
			rc.now = func() time.Time { return fixedNow }

			req := httptest.NewRequest(http.MethodPost, receivePath, strings.NewReader(tt.body))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			rc.routes().ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.expectedStatus)
			}
			if !strings.Contains(w.Body.String(), tt.expectedBodyContains) {
				t.Errorf("body = %q, want to contain %q", w.Body.String(), tt.expectedBodyContains)
			}
		})
	}
}

func TestFailFirstNRecovers(t *testing.T) {
	rc := newReceiver(config.FakeReceiver{FailFirstN: 2}, "")
	body := string(eventBody(t))

	want := []int{http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK}
	for i, code := range want {
		w := httptest.NewRecorder()
		rc.routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, receivePath, strings.NewReader(body)))
		if w.Code != code {
			t.Errorf("request %d status = %d, want %d", i+1, w.Code, code)
		}
	}
}

func TestSenderAgainstReceiver(t *testing.T) {
	rc := newReceiver(config.FakeReceiver{EndpointSecret: "s3cret", SigningLeewaySeconds: 300}, "k")
	srv := httptest.NewServer(rc.routes())
	defer srv.Close()

	ev := delivery.Event{ClientID: "c1", Action: "login"}
	ev.Stamp(time.Now())
	res := delivery.NewSender(time.Second).Send(t.Context(), delivery.Target{
		Name:       "fake",
		URL:        srv.URL + receivePath,
		Credential: "k",
		Secret:     "s3cret",
	}, ev)
	if !res.OK() {
		t.Fatalf("Send() = %+v, want a 2xx", res)
	}
}
