// Package main is the entry point for the operator relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/operator-relay/internal/config"
	"github.com/capitalize-ai/operator-relay/internal/handler"
	"github.com/capitalize-ai/operator-relay/internal/middleware"
	"github.com/capitalize-ai/operator-relay/internal/model"
	natsclient "github.com/capitalize-ai/operator-relay/internal/nats"
	"github.com/capitalize-ai/operator-relay/internal/policy"
	"github.com/capitalize-ai/operator-relay/internal/service"
	"github.com/capitalize-ai/operator-relay/internal/store"
	"github.com/capitalize-ai/operator-relay/internal/telegram"
	"github.com/capitalize-ai/operator-relay/internal/webchat"
	"github.com/capitalize-ai/operator-relay/pkg/logger"
	"github.com/capitalize-ai/operator-relay/pkg/metrics"
	"github.com/capitalize-ai/operator-relay/pkg/tracing"
)

func main() {
	cfg := config.Load()

	var (
		log *logger.Logger
		err error
	)
	if cfg.Development() {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel, cfg.LogFormat)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("relay stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("relay stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting relay")

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "operator-relay", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	pol, err := cfg.Policy()
	if err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	holder := policy.NewHolder(pol)

	st, err := store.OpenBolt(cfg.BoltPath)
	if err != nil {
		return err
	}
	defer st.Close()

	g, ctx := errgroup.WithContext(ctx)

	// Audit stream
	var (
		hooks  service.Hooks
		health handler.Connection
	)
	if cfg.NATSEnabled {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "operator-relay",
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()
		health = nc

		audit := natsclient.NewStreamManager(nc, natsclient.StreamConfig{MaxAge: cfg.AuditMaxAge}, log)
		if err := audit.EnsureStream(ctx); err != nil {
			return err
		}
		hooks = service.Hooks{OnForward: audit.OnForward, OnDelivery: audit.OnDelivery}
		g.Go(func() error {
			audit.Run(ctx)
			return nil
		})
		g.Go(func() error {
			every(ctx, time.Minute, func() {
				if err := audit.RecordStreamStats(ctx); err != nil {
					log.Debug("failed to record stream stats", zap.Error(err))
				}
			})
			return nil
		})
	}

	router := service.NewRouter(st, holder, log,
		service.WithHooks(hooks),
		service.WithRetry(service.RetryConfig{
			MaxAttempts:     cfg.DeliveryMaxAttempts,
			InitialInterval: cfg.DeliveryInitialInterval,
			MaxInterval:     cfg.DeliveryMaxInterval,
		}),
	)

	for _, id := range cfg.OperatorIDs {
		op, err := router.RegisterOperator(ctx, id, "")
		if err != nil {
			return fmt.Errorf("failed to register operator %s: %w", id, err)
		}
		log.Info("operator registered", zap.Uint64("operator_id", op.ID), zap.String("native_id", id))
	}

	// Channels
	hub := webchat.NewHub(cfg.AllowedOrigins, log)
	defer hub.Close()
	router.RegisterSender(model.ChannelWeb, hub)

	if cfg.TelegramToken != "" {
		bot, err := telegram.New(telegram.Config{
			Token:       cfg.TelegramToken,
			PollTimeout: cfg.TelegramPollTimeout,
		}, router, log)
		if err != nil {
			return err
		}
		router.RegisterSender(model.ChannelTelegram, bot)
		router.RegisterNotifier(bot)
		g.Go(func() error {
			bot.Run(ctx)
			return nil
		})
	} else {
		log.Warn("TELEGRAM_TOKEN not set, operators will not receive forwards")
	}

	g.Go(func() error {
		router.RunSweeper(ctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		reloadOnHangup(ctx, cfg, holder, log)
		return nil
	})

	// HTTP
	sessions := middleware.NewSessions(cfg.JWTSecret, cfg.JWTExpiration)
	chatHandler := handler.NewChatHandler(router, hub, sessions, log)
	healthHandler := handler.NewHealthHandler(st, health)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/chat", chatHandler.Routes(handler.RateLimits{
		Requests: cfg.RateLimitRequests,
		Window:   cfg.RateLimitWindow,
	}))

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     r,
		ReadTimeout: cfg.ServerReadTimeout,
		// No WriteTimeout: /chat/ws connections are long-lived.
		IdleTimeout: 120 * time.Second,
	}

	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		hub.Close()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// reloadOnHangup swaps in a freshly built policy on SIGHUP. A bad policy is
// logged and the current one stays.
func reloadOnHangup(ctx context.Context, cfg *config.Config, holder *policy.Holder, log *logger.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			p, err := cfg.Policy()
			if err != nil {
				metrics.PolicyReloadsTotal.WithLabelValues("failed").Inc()
				log.Error("policy reload failed", zap.Error(err))
				continue
			}
			holder.Store(p)
			metrics.PolicyReloadsTotal.WithLabelValues("ok").Inc()
			log.Info("policy reloaded",
				zap.String("verification", string(p.Verification.Kind)),
				zap.Bool("quiet_hours", p.QuietHours.Enabled),
			)
		}
	}
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
