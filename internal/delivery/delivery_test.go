package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr string
	}{
		{"valid", Event{ClientID: "c1", Action: "login"}, ""},
		{"missing client", Event{Action: "login"}, "client_id required"},
		{"missing action", Event{ClientID: "c1"}, "action required"},
		{"missing both", Event{}, "client_id and action required"},
		{"whitespace only", Event{ClientID: " ", Action: "\t"}, "client_id and action required"},
		{"object metadata", Event{ClientID: "c1", Action: "login", Metadata: json.RawMessage(`{"n":1}`)}, ""},
		{"null metadata", Event{ClientID: "c1", Action: "login", Metadata: json.RawMessage(`null`)}, ""},
		{"array metadata", Event{ClientID: "c1", Action: "login", Metadata: json.RawMessage(`[1,2]`)}, "metadata must be a JSON object"},
		{"scalar metadata", Event{ClientID: "c1", Action: "login", Metadata: json.RawMessage(`"x"`)}, "metadata must be a JSON object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("Validate() error = %v, want ErrInvalidEvent", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestEventStamp(t *testing.T) {
	now := time.Date(2025, 3, 4, 5, 6, 7, 8, time.FixedZone("x", 3600))

	ev := Event{ClientID: "c1", Action: "login", Attempts: 4}
	ev.Stamp(now)
	if ev.ID == "" {
		t.Error("Stamp() left ID empty")
	}
	if ev.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", ev.Attempts)
	}
	if !ev.EnqueuedAt.Equal(now) || ev.EnqueuedAt.Location() != time.UTC {
		t.Errorf("EnqueuedAt = %v, want %v in UTC", ev.EnqueuedAt, now)
	}
	if ev.Timestamp != now.UTC().Format(time.RFC3339Nano) {
		t.Errorf("Timestamp = %q", ev.Timestamp)
	}

	kept := Event{ClientID: "c1", Action: "login", ID: "given", Timestamp: "2020-01-01T00:00:00Z"}
	kept.Stamp(now)
	if kept.ID != "given" || kept.Timestamp != "2020-01-01T00:00:00Z" {
		t.Errorf("Stamp() overwrote supplied fields: %+v", kept)
	}
}

func TestEventKeyStableAcrossAttempts(t *testing.T) {
	ev := Event{ClientID: "c1", Action: "login"}
	ev.Stamp(time.Now())

	next := ev.NextAttempt()
	if next.Attempts != 1 || ev.Attempts != 0 {
		t.Fatalf("NextAttempt() attempts = %d (orig %d), want 1 (0)", next.Attempts, ev.Attempts)
	}
	if next.Key() != ev.Key() {
		t.Errorf("Key() changed across attempts: %q vs %q", ev.Key(), next.Key())
	}

	other := Event{ClientID: "c1", Action: "login", EnqueuedAt: ev.EnqueuedAt}
	other.Stamp(ev.EnqueuedAt)
	if other.Key() == ev.Key() {
		t.Error("events with the same client, action and time share a key")
	}
}

func TestNewDeadLetter(t *testing.T) {
	ev := Event{ID: "e1", ClientID: "c1", Action: "login", Attempts: 6}
	dl := NewDeadLetter(ev, "target a: unexpected status 500", "max retries exceeded")

	if dl.Type != DLQType || dl.Version != "v1" {
		t.Errorf("Type/Version = %q/%q", dl.Type, dl.Version)
	}
	if dl.Attempts != 6 || dl.Event.ID != "e1" {
		t.Errorf("dead letter = %+v", dl)
	}
	if _, err := time.Parse(time.RFC3339Nano, dl.At); err != nil {
		t.Errorf("At = %q is not RFC3339: %v", dl.At, err)
	}

	b, err := json.Marshal(dl)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{`"type":"relay.dead_letter"`, `"last_error"`, `"event":{`} {
		if !strings.Contains(string(b), field) {
			t.Errorf("JSON %s missing %s", b, field)
		}
	}
}

func TestSign(t *testing.T) {
	sig := Sign("secret", []byte("body"), "1700000000")
	if !strings.HasPrefix(sig, "sha256=") || len(sig) != len("sha256=")+64 {
		t.Fatalf("Sign() = %q", sig)
	}
	if Sign("secret", []byte("body"), "1700000001") == sig {
		t.Error("signature does not depend on the timestamp")
	}
	if Sign("other", []byte("body"), "1700000000") == sig {
		t.Error("signature does not depend on the secret")
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		err    error
		status int
		want   string
	}{
		{errors.New("Client.Timeout exceeded while awaiting headers"), 0, "timeout"},
		{context.DeadlineExceeded, 0, "timeout"},
		{errors.New("dial tcp: connection refused"), 0, "connection_refused"},
		{errors.New("dial tcp: lookup x: no such host"), 0, "dns_error"},
		{errors.New("broken pipe"), 0, "network"},
		{nil, 503, "http_5xx"},
		{nil, 429, "http_429"},
		{nil, 404, "http_4xx"},
		{nil, 302, "other"},
	}
	for _, tt := range tests {
		if got := ClassifyReason(tt.err, tt.status); got != tt.want {
			t.Errorf("ClassifyReason(%v, %d) = %q, want %q", tt.err, tt.status, got, tt.want)
		}
	}
}

func TestResult(t *testing.T) {
	ok := Result{Target: "a", StatusCode: 204}
	if !ok.OK() || ok.Error() != nil || ok.Reason() != "ok" {
		t.Errorf("204 result: OK=%v Error=%v Reason=%q", ok.OK(), ok.Error(), ok.Reason())
	}

	bad := Result{Target: "a", StatusCode: 500}
	if bad.OK() || bad.Reason() != "http_5xx" {
		t.Errorf("500 result: OK=%v Reason=%q", bad.OK(), bad.Reason())
	}
	if err := bad.Error(); err == nil || !strings.Contains(err.Error(), "target a") {
		t.Errorf("500 result Error() = %v", err)
	}

	netErr := Result{Target: "b", Err: errors.New("connection refused")}
	if netErr.OK() || !strings.Contains(netErr.Error().Error(), "connection refused") {
		t.Errorf("network result: %v", netErr.Error())
	}
}

func TestSenderSend(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSender(time.Second)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	ev := Event{ClientID: "c1", Action: "login", User: "alice", Metadata: json.RawMessage(`{"ip":"10.0.0.1","order_id":9007199254740993}`)}
	ev.Stamp(time.Now())
	ev.Attempts = 2

	res := s.Send(context.Background(), Target{
		Name:       "intelligence",
		URL:        srv.URL,
		Credential: "sys-key",
		Secret:     "s3cret",
	}, ev)

	if !res.OK() || res.StatusCode != http.StatusAccepted || res.Target != "intelligence" {
		t.Fatalf("Send() = %+v", res)
	}

	var decoded Event
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body is not an event: %v", err)
	}
	if decoded.ID != ev.ID || decoded.User != "alice" || string(decoded.Metadata) != `{"ip":"10.0.0.1","order_id":9007199254740993}` {
		t.Errorf("delivered event = %+v", decoded)
	}

	checks := map[string]string{
		"Content-Type":    "application/json",
		DefaultAuthHeader: "sys-key",
		EventIDHeader:     ev.ID,
		AttemptHeader:     "3",
		TimestampHeader:   "1700000000",
		SignatureHeader:   Sign("s3cret", gotBody, "1700000000"),
	}
	for h, want := range checks {
		if got := gotHeaders.Get(h); got != want {
			t.Errorf("header %s = %q, want %q", h, got, want)
		}
	}
}

func TestSenderCustomAuthHeader(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	ev := Event{ClientID: "c1", Action: "login"}
	ev.Stamp(time.Now())
	res := NewSender(time.Second).Send(context.Background(),
		Target{Name: "a", URL: srv.URL, AuthHeader: "X-Api-Key", Credential: "abc"}, ev)
	if !res.OK() {
		t.Fatalf("Send() = %+v", res)
	}
	if got.Get("X-Api-Key") != "abc" || got.Get(DefaultAuthHeader) != "" {
		t.Errorf("auth headers = %v", got)
	}
	if got.Get(SignatureHeader) != "" {
		t.Error("signature sent without a secret")
	}
}

func TestSenderFailures(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()

	refused := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	refusedURL := refused.URL
	refused.Close()

	ev := Event{ClientID: "c1", Action: "login"}
	ev.Stamp(time.Now())

	tests := []struct {
		name       string
		url        string
		wantReason string
	}{
		{"timeout", slow.URL, "timeout"},
		{"connection refused", refusedURL, "connection_refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewSender(50*time.Millisecond).Send(context.Background(), Target{Name: "a", URL: tt.url}, ev)
			if res.OK() {
				t.Fatal("Send() succeeded")
			}
			if res.Reason() != tt.wantReason {
				t.Errorf("Reason() = %q (err %v), want %q", res.Reason(), res.Err, tt.wantReason)
			}
		})
	}

	res := NewSender(time.Second).Send(context.Background(), Target{Name: "a", URL: "://bad"}, ev)
	if res.Err == nil || !strings.Contains(res.Err.Error(), "create request") {
		t.Errorf("bad url Send() = %+v", res)
	}
}
