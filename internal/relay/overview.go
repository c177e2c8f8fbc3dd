package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/control_core/internal/tracing"
)

const (
	defaultHealthTimeout = 5 * time.Second
	maxHealthBody        = 64 << 10
	// HealthPath is requested on the base URL of every target
	HealthPath = "/healthz"
)

// TargetHealth is the result of checking one target's health endpoint
type TargetHealth struct {
	URL       string          `json:"url"`
	OK        bool            `json:"ok"`
	Status    int             `json:"status,omitempty"`
	LatencyMS int64           `json:"latency_ms"`
	Body      json.RawMessage `json:"body,omitempty"` // the target's own report when it is JSON
	Error     string          `json:"error,omitempty"`
}

// Overview aggregates relay state with the health of every downstream target
type Overview struct {
	Timestamp time.Time               `json:"timestamp"`
	Services  map[string]TargetHealth `json:"services"`
	Metrics   Stats                   `json:"metrics"`
}

// HealthURL returns the health endpoint on the scheme and host of a target URL
func HealthURL(targetURL string) (string, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return "", fmt.Errorf("parse target url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("target url %q has no scheme or host", targetURL)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: HealthPath}).String(), nil
}

// Overview checks every target concurrently and returns their status with Stats.
// A failed check is reported per target, never as an error.
func (s *Service) Overview(ctx context.Context) Overview {
	ctx, span := tracing.StartSpan(ctx, "relay.overview")
	defer span.End()

	results := make([]TargetHealth, len(s.targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range s.targets {
		g.Go(func() error {
			results[i] = s.checkTarget(gctx, t.URL)
			return nil
		})
	}
	_ = g.Wait()

	services := make(map[string]TargetHealth, len(s.targets))
	for i, t := range s.targets {
		services[t.Name] = results[i]
	}
	return Overview{
		Timestamp: s.now().UTC(),
		Services:  services,
		Metrics:   s.Stats(),
	}
}

func (s *Service) checkTarget(ctx context.Context, targetURL string) TargetHealth {
	healthURL, err := HealthURL(targetURL)
	if err != nil {
		return TargetHealth{URL: targetURL, Error: err.Error()}
	}
	th := TargetHealth{URL: healthURL}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		th.Error = err.Error()
		return th
	}
	tracing.InjectHTTPHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := s.healthClient.Do(req)
	th.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		th.Error = err.Error()
		return th
	}
	defer resp.Body.Close()

	th.Status = resp.StatusCode
	th.OK = resp.StatusCode >= 200 && resp.StatusCode < 300
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err == nil && json.Valid(body) {
		th.Body = body
	}
	if !th.OK {
		th.Error = "unhealthy: HTTP " + http.StatusText(resp.StatusCode)
	}
	return th
}
