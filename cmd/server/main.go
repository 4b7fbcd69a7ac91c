package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"consentline/internal/broker"
	consenthandler "consentline/internal/consent/handler"
	consentservice "consentline/internal/consent/service"
	"consentline/internal/events"
	"consentline/internal/expiry"
	jwttoken "consentline/internal/jwt_token"
	"consentline/internal/ops"
	"consentline/internal/platform/config"
	"consentline/internal/platform/httpserver"
	"consentline/internal/platform/infra"
	"consentline/internal/platform/logger"
	"consentline/internal/webhook/classifier"
	"consentline/internal/webhook/dispatcher"
	webhookservice "consentline/internal/webhook/service"
)

// main wires high-level dependencies and runs every pipeline stage plus the
// ops server until a shutdown signal arrives.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("consentline exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	infraCtx, err := infra.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := infraCtx.Close(); err != nil {
			log.Error("failed to release infrastructure", "error", err)
		}
	}()

	consents, err := consentservice.New(infraCtx.Consent, infraCtx.Catalog,
		consentservice.WithLogger(log),
		consentservice.WithMetrics(infraCtx.Metrics),
		consentservice.WithTx(infraCtx.Tx),
	)
	if err != nil {
		return err
	}

	b := infraCtx.Broker
	processorPub := broker.NewSessionPublisher(b)
	defer processorPub.Close()
	classifierPub := broker.NewSessionPublisher(b)
	defer classifierPub.Close()
	reconcilerPub := broker.NewSessionPublisher(b)
	defer reconcilerPub.Close()

	processor := events.NewProcessor(consents, infraCtx.Audit, processorPub, events.WithLogger(log))
	webhooks := infraCtx.Webhooks
	classify := classifier.New(webhooks, webhooks, classifierPub,
		classifier.WithLogger(log),
		classifier.WithMetrics(infraCtx.Metrics),
	)
	dispatch := dispatcher.New(webhooks, webhooks,
		dispatcher.WithHTTPClient(&http.Client{Timeout: cfg.Webhook.RequestTimeout}),
		dispatcher.WithRateLimit(cfg.Webhook.RateLimitPerSec),
		dispatcher.WithBreaker(cfg.Webhook.BreakerFailures, cfg.Webhook.BreakerOpenFor),
		dispatcher.WithLogger(log),
		dispatcher.WithMetrics(infraCtx.Metrics),
	)

	consumerOpts := func(maxRetries int, timeout time.Duration) []broker.ConsumerOption {
		return []broker.ConsumerOption{
			broker.WithMaxRetries(maxRetries),
			broker.WithPrefetch(cfg.Router.Prefetch),
			broker.WithRestartDelay(cfg.Router.RestartDelay),
			broker.WithHandlerTimeout(timeout),
			broker.WithLogger(log),
			broker.WithMetrics(infraCtx.Metrics),
		}
	}
	consumers := []*broker.Consumer{
		broker.NewConsumer(b, broker.ProcessingRoute, events.NewProcessingHandler(processor, log),
			consumerOpts(cfg.Router.MaxRetries, cfg.Router.HandlerTimeout)...),
		broker.NewConsumer(b, broker.EventsRoute, classify,
			consumerOpts(cfg.Router.MaxRetries, cfg.Router.HandlerTimeout)...),
		broker.NewConsumer(b, broker.WebhookRoute, dispatch,
			consumerOpts(cfg.Webhook.MaxRetries, cfg.Webhook.DeliveryTimeout)...),
	}

	scanner := expiry.New(infraCtx.Consent, b,
		expiry.WithInterval(cfg.Scanner.Interval),
		expiry.WithWindows(cfg.Scanner.ConsentWindow, cfg.Scanner.RetentionWindow),
		expiry.WithLogger(log),
		expiry.WithMetrics(infraCtx.Metrics),
	)
	reconciler := expiry.NewReconciler(infraCtx.Consent, reconcilerPub,
		expiry.WithSchedule(cfg.Scanner.ReconcileSpec),
		expiry.WithGrace(cfg.Scanner.ReconcileGrace),
		expiry.WithReconcilerLogger(log),
		expiry.WithReconcilerMetrics(infraCtx.Metrics),
	)

	jwtService := jwttoken.NewJWTService(cfg.Server.OpsJWTKey, cfg.Server.OpsJWTIssuer, jwttoken.OpsAudience)
	opsHandler := ops.New(ops.Deps{
		Webhooks:    webhookservice.New(webhooks, webhookservice.WithLogger(log)),
		Tester:      dispatch,
		Audit:       infraCtx.Audit,
		Artifacts:   consents,
		DeadLetters: b,
		Validator:   jwttoken.NewJWTServiceAdapter(jwtService),
		Metrics:     infraCtx.Metrics,
		Gatherer:    promhttp.HandlerFor(infraCtx.Registry, promhttp.HandlerOpts{}),
		Health:      infraCtx.Health,
		Mounts:      []ops.Mounter{consenthandler.New(consents, log)},
	}, log)
	srv := httpserver.New(cfg.Server, opsHandler.Router(), log)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		g.Go(func() error { return c.Run(gctx) })
	}
	g.Go(func() error { return scanner.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error {
		log.Info("starting consentline ops server", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("consentline stopped")
	return err
}
