package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/control_core/internal/tracing"
)

const (
	DefaultAuthHeader = "X-SYS-API-KEY"
	SignatureHeader   = "X-Relay-Signature" // sha256=<hex>
	TimestampHeader   = "X-Relay-Timestamp" // unix seconds
	EventIDHeader     = "X-Relay-Event-ID"
	AttemptHeader     = "X-Relay-Attempt"

	maxDrainBody = 64 << 10
)

// Target is a downstream service that receives relayed events
type Target struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	AuthHeader string `json:"auth_header,omitempty"`
	Credential string `json:"-"`
	Secret     string `json:"-"` // optional HMAC signing secret
}

// Result holds the outcome of one delivery attempt to one target
type Result struct {
	Target     string
	StatusCode int
	Err        error
	Latency    time.Duration
}

// OK reports whether the target accepted the event
func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Reason classifies a failed result for metrics and logs
func (r Result) Reason() string {
	if r.OK() {
		return "ok"
	}
	return ClassifyReason(r.Err, r.StatusCode)
}

// Error describes a failed result, nil when the target accepted the event
func (r Result) Error() error {
	if r.OK() {
		return nil
	}
	if r.Err != nil {
		return fmt.Errorf("target %s: %w", r.Target, r.Err)
	}
	return fmt.Errorf("target %s: unexpected status %d", r.Target, r.StatusCode)
}

// Sender performs HTTP delivery of events to targets
type Sender struct {
	client *http.Client
	now    func() time.Time
}

// NewSender creates a sender whose every call is bounded by timeout
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Send posts the full event JSON to the target
func (s *Sender) Send(ctx context.Context, t Target, ev Event) Result {
	res := Result{Target: t.Name}

	body, err := json.Marshal(ev)
	if err != nil {
		res.Err = fmt.Errorf("marshal event: %w", err)
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		res.Err = fmt.Errorf("create request: %w", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "control-core-relay/1.0")
	req.Header.Set(EventIDHeader, ev.ID)
	req.Header.Set(AttemptHeader, strconv.Itoa(ev.Attempts+1))

	if t.Credential != "" {
		header := t.AuthHeader
		if header == "" {
			header = DefaultAuthHeader
		}
		req.Header.Set(header, t.Credential)
	}
	if t.Secret != "" {
		ts := strconv.FormatInt(s.now().Unix(), 10)
		req.Header.Set(TimestampHeader, ts)
		req.Header.Set(SignatureHeader, Sign(t.Secret, body, ts))
	}
	tracing.InjectHTTPHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := s.client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Err = err
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBody))

	res.StatusCode = resp.StatusCode
	return res
}

// Sign computes the HMAC over body||timestamp, in the form sha256=<hex>
func Sign(secret string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ClassifyReason maps a delivery error or status to a low-cardinality reason
func ClassifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
