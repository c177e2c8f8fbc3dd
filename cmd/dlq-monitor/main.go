// Command dlq-monitor polls nsqd for the dead-letter topic and exposes its
// backlog as Prometheus gauges.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/control_core/internal/config"
	"github.com/austindbirch/control_core/internal/logging"
)

// nsqStats is the subset of the nsqd /stats JSON the monitor reads
type nsqStats struct {
	Topics []struct {
		TopicName    string `json:"topic_name"`
		Depth        int64  `json:"depth"`
		MessageCount int64  `json:"message_count"`
		Channels     []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

type monitor struct {
	statsURL string
	topic    string
	client   *http.Client

	backlog         prometheus.Gauge
	published       prometheus.Gauge
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
}

func newMonitor(nsqdHTTPAddr, topic string, reg prometheus.Registerer) *monitor {
	m := &monitor{
		statsURL: fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHTTPAddr, topic),
		topic:    topic,
		client:   &http.Client{Timeout: 5 * time.Second},
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "control_core_dlq_backlog",
			Help: "Dead letters waiting in the topic and its channels",
		}),
		published: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "control_core_dlq_messages",
			Help: "Dead letters published to the topic since nsqd started",
		}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "control_core_dlq_channel_depth",
			Help: "Depth of dead-letter channels",
		}, []string{"channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "control_core_dlq_channel_inflight",
			Help: "In-flight dead letters per channel",
		}, []string{"channel"}),
	}
	reg.MustRegister(m.backlog, m.published, m.channelDepth, m.channelInflight)
	return m
}

func (m *monitor) update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get nsqd stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats returned HTTP %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode nsqd stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		backlog := topic.Depth
		for _, ch := range topic.Channels {
			backlog += ch.Depth
			m.channelDepth.WithLabelValues(ch.ChannelName).Set(float64(ch.Depth))
			m.channelInflight.WithLabelValues(ch.ChannelName).Set(float64(ch.InFlightCount))
		}
		m.backlog.Set(float64(backlog))
		m.published.Set(float64(topic.MessageCount))
		return nil
	}
	// topic is created on first publish
	m.backlog.Set(0)
	return nil
}

func (m *monitor) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.update(ctx); err != nil && ctx.Err() == nil {
			logging.Plain().WithError(err).Warn("Error updating DLQ metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.Plain().WithError(err).Fatal("Invalid configuration")
	}
	logging.SetDefaultService("dlq-monitor")
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		logging.Plain().WithError(err).Fatal("Invalid log level")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.NSQ); err != nil {
		logging.Plain().WithError(err).Fatal("dlq-monitor failed")
	}
}

func run(ctx context.Context, cfg config.NSQ) error {
	reg := prometheus.NewRegistry()
	m := newMonitor(cfg.NsqdHTTPAddr, cfg.DLQTopic, reg)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: cfg.MonitorPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logging.Plain().WithFields(map[string]any{
		"addr":     cfg.MonitorPort,
		"nsqd":     cfg.NsqdHTTPAddr,
		"topic":    cfg.DLQTopic,
		"interval": cfg.MonitorInterval.String(),
	}).Info("DLQ monitor starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.run(gctx, cfg.MonitorInterval)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
