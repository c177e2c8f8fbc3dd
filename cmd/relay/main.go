package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/control_core/internal/auth"
	"github.com/austindbirch/control_core/internal/config"
	"github.com/austindbirch/control_core/internal/delivery"
	"github.com/austindbirch/control_core/internal/eventlog"
	"github.com/austindbirch/control_core/internal/health"
	"github.com/austindbirch/control_core/internal/ingest"
	"github.com/austindbirch/control_core/internal/logging"
	"github.com/austindbirch/control_core/internal/metrics"
	"github.com/austindbirch/control_core/internal/queue"
	"github.com/austindbirch/control_core/internal/relay"
	"github.com/austindbirch/control_core/internal/tracing"
)

const (
	shutdownTimeout = 15 * time.Second
	overviewPath    = "/api/system/overview"
)

func main() {
	logger := logging.New("control-core")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}
	logging.SetDefaultService(cfg.ServiceName)
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		logger.Plain().WithError(err).Warn("unknown log level, keeping info")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Plain().WithError(err).Fatal("control core exited with error")
	}
	logger.Plain().Info("control core stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.ServiceName)

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	authn, err := newAuthenticator(cfg)
	if err != nil {
		return err
	}

	log, err := eventlog.Open(cfg.Log.Path, eventlog.Options{
		Sync:             cfg.Log.Sync,
		CompactThreshold: cfg.Log.CompactThreshold,
	})
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer func() {
		if err := log.Close(); err != nil {
			logger.Plain().WithError(err).Error("event log close failed")
		}
	}()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	relayCfg := relay.Config{
		Workers:       cfg.Relay.Workers,
		Targets:       cfg.Targets,
		HealthTimeout: cfg.Relay.HTTPTimeout,
		Retry: relay.RetryPolicy{
			MaxRetries: cfg.Relay.MaxRetries,
			BaseDelay:  cfg.Relay.BackoffBase,
			MaxBackoff: cfg.Relay.MaxBackoff,
		},
	}
	var producer *nsq.Producer
	if cfg.NSQ.PublishDLQ {
		producer, err = nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			return fmt.Errorf("nsq producer for DLQ: %w", err)
		}
		defer producer.Stop()
		relayCfg.DeadLetters = producer
		relayCfg.DeadLetterTopic = cfg.NSQ.DLQTopic
	}

	svc := relay.NewService(relayCfg, log, queue.New(cfg.Relay.QueueHighWater),
		delivery.NewSender(cfg.Relay.HTTPTimeout), metrics.NewCounters())
	hh := health.NewHandler(svc)
	if producer != nil {
		hh.AddCheck("nsq", producer.Ping)
	}

	if _, err := svc.Recover(ctx); err != nil {
		return fmt.Errorf("recover event log: %w", err)
	}
	svc.Start(context.WithoutCancel(ctx))

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newMux(svc, authn, hh, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithFields(map[string]any{
			"addr":    srv.Addr,
			"targets": len(cfg.Targets),
			"workers": cfg.Relay.Workers,
		}).Info("control core listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().Info("shutting down control core")
		hh.SetShuttingDown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		svc.Shutdown()
		return err
	})
	return g.Wait()
}

func newAuthenticator(cfg config.Config) (*auth.Authenticator, error) {
	if cfg.JWT.PublicKey == "" {
		return auth.NewAuthenticator(cfg.SysAPIKey, nil), nil
	}
	pemData, err := auth.LoadPublicKey(cfg.JWT.PublicKey)
	if err != nil {
		return nil, err
	}
	v, err := auth.NewJWTValidator(pemData, cfg.JWT.Issuer, cfg.JWT.Audience)
	if err != nil {
		return nil, fmt.Errorf("jwt validator: %w", err)
	}
	return auth.NewAuthenticator(cfg.SysAPIKey, v), nil
}

func newMux(svc *relay.Service, authn *auth.Authenticator, hh *health.Handler, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	ingest.NewHandler(svc).Register(mux, authn)
	mux.Handle("GET /healthz", hh)
	mux.Handle("GET /metrics", svc.StatsHandler())
	mux.Handle("GET /metrics/prometheus", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET "+overviewPath, svc.OverviewHandler())
	return mux
}
