package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestUpdate(t *testing.T) {
	testCases := []struct {
		name          string
		payload       string
		status        int
		wantErr       bool
		wantBacklog   float64
		wantPublished float64
		wantDepth     map[string]float64
		wantInflight  map[string]float64
	}{
		{
			name: "dlq topic with channels",
			payload: `{
				"topics": [
					{"topic_name": "other", "depth": 99, "message_count": 99, "channels": []},
					{
						"topic_name": "control_core_dlq",
						"depth": 2,
						"message_count": 17,
						"channels": [
							{"channel_name": "archive", "depth": 5, "in_flight_count": 1},
							{"channel_name": "alerts", "depth": 0, "in_flight_count": 0}
						]
					}
				]
			}`,
			wantBacklog:   7,
			wantPublished: 17,
			wantDepth:     map[string]float64{"archive": 5, "alerts": 0},
			wantInflight:  map[string]float64{"archive": 1},
		},
		{
			name:        "topic not created yet",
			payload:     `{"topics": []}`,
			wantBacklog: 0,
		},
		{
			name:    "invalid payload returns error",
			payload: `invalid-json`,
			wantErr: true,
		},
		{
			name:    "non-200 returns error",
			status:  http.StatusInternalServerError,
			payload: `{}`,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/stats" || r.URL.Query().Get("topic") != "control_core_dlq" {
					t.Errorf("unexpected request %q", r.URL.String())
				}
				if tc.status != 0 {
					w.WriteHeader(tc.status)
				}
				_, _ = w.Write([]byte(tc.payload))
			}))
			defer server.Close()

			m := newMonitor(strings.TrimPrefix(server.URL, "http://"), "control_core_dlq", prometheus.NewRegistry())
			err := m.update(context.Background())
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("update returned error: %v", err)
			}

			if got := testutil.ToFloat64(m.backlog); got != tc.wantBacklog {
				t.Errorf("backlog = %v, want %v", got, tc.wantBacklog)
			}
			if got := testutil.ToFloat64(m.published); got != tc.wantPublished {
				t.Errorf("published = %v, want %v", got, tc.wantPublished)
			}
			for ch, want := range tc.wantDepth {
				if got := testutil.ToFloat64(m.channelDepth.WithLabelValues(ch)); got != want {
					t.Errorf("channelDepth[%s] = %v, want %v", ch, got, want)
				}
			}
			for ch, want := range tc.wantInflight {
				if got := testutil.ToFloat64(m.channelInflight.WithLabelValues(ch)); got != want {
					t.Errorf("channelInflight[%s] = %v, want %v", ch, got, want)
				}
			}
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"topics": []}`))
	}))
	defer server.Close()

	m := newMonitor(strings.TrimPrefix(server.URL, "http://"), "control_core_dlq", prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.run(ctx, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("stats polled %d times, want 1 before the first tick", n)
	}
}
