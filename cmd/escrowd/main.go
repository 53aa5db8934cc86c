package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"escrowledger/config"
	"escrowledger/core"
	"escrowledger/gateway/middleware"
	"escrowledger/gateway/routes"
	"escrowledger/native/common"
	"escrowledger/observability"
	"escrowledger/observability/logging"
	telemetry "escrowledger/observability/otel"
	"escrowledger/services/audit"
	"escrowledger/services/notify"
	"escrowledger/storage"
)

const retentionInterval = time.Hour

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./escrow.toml", "path to ledger configuration (TOML or YAML)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger, logCloser := logging.Setup(logging.Options{
		Service:     "escrowd",
		Environment: cfg.Logging.Environment,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("escrowd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func openDatabase(cfg config.Storage) (storage.Database, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	switch cfg.Backend {
	case config.BackendBolt:
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "ledger.bolt"), nil)
	default:
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "escrowd",
		Environment: cfg.Logging.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	db, err := openDatabase(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	regions, err := storage.OpenRegions(db, storage.LedgerRegions)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("open regions: %w", err)
	}

	auditLog, err := audit.Open(regions, logger.With(slog.String("component", "audit")))
	if err != nil {
		_ = regions.Close()
		return fmt.Errorf("open audit log: %w", err)
	}
	if verified, err := auditLog.VerifyChain(); err != nil {
		logger.Error("audit chain verification failed", slog.Int("verified", verified), slog.Any("error", err))
	}

	var (
		queue      *notify.Queue
		dispatcher *notify.Dispatcher
		attempts   *notify.AttemptLog
	)
	if len(cfg.Webhooks.Endpoints) > 0 {
		queue = notify.NewQueue(
			notify.WithCapacity(cfg.Webhooks.QueueCapacity),
			notify.WithTTL(time.Duration(cfg.Webhooks.QueueTTLSecs)*time.Second),
		)
		attemptsPath := cfg.Webhooks.AttemptsDB
		if attemptsPath == "" {
			attemptsPath = filepath.Join(cfg.Storage.DataDir, "webhook_attempts.db")
		}
		attempts, err = notify.OpenAttemptLog(attemptsPath)
		if err != nil {
			_ = regions.Close()
			return fmt.Errorf("open webhook attempt log: %w", err)
		}
		defer attempts.Close()
		endpoints := make([]notify.Endpoint, 0, len(cfg.Webhooks.Endpoints))
		for _, ep := range cfg.Webhooks.Endpoints {
			endpoints = append(endpoints, notify.Endpoint{URL: ep.URL, Secret: ep.Secret, Events: ep.Events, RatePerMinute: ep.RatePerMinute})
			logger.Info("webhook endpoint registered", slog.String("url", ep.URL), logging.MaskField("secret", ep.Secret))
		}
		dispatcher = notify.NewDispatcher(queue, endpoints, attempts,
			notify.WithLogger(logger.With(slog.String("component", "webhooks"))),
			notify.WithMaxAttempts(cfg.Webhooks.MaxAttempts),
			notify.WithBackoff(time.Duration(cfg.Webhooks.BackoffMillis)*time.Millisecond),
			notify.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Webhooks.DeliveryTimeout) * time.Second}),
		)
	}
	center, err := notify.Open(regions, queue, logger.With(slog.String("component", "notify")))
	if err != nil {
		_ = regions.Close()
		return fmt.Errorf("open notifications: %w", err)
	}

	metrics := observability.Ledger()
	svc, err := core.NewService(regions, core.Options{
		Currency:                 cfg.Ledger.Currency,
		FeeBps:                   cfg.Ledger.FeeBps,
		MinAmount:                cfg.Ledger.MinAmount,
		MaxAmount:                cfg.Ledger.MaxAmount,
		Treasury:                 cfg.Ledger.Treasury,
		RequireRecipientApproval: cfg.Ledger.RequireRecipientApproval,
		Quota: common.Quota{
			MaxCreatesPerMinute: cfg.Quota.MaxCreatesPerMinute,
			MaxVolumePerEpoch:   cfg.Quota.MaxVolumePerEpoch,
			EpochSeconds:        cfg.Quota.EpochSeconds,
		},
		Admins:   core.NewStaticAdmins(cfg.API.Admins...),
		Notifier: center,
		Auditor:  auditLog,
		Emitter:  observability.NewEventEmitter(),
		Metrics:  metrics,
		Logger:   logger.With(slog.String("component", "ledger")),
	})
	if err != nil {
		_ = regions.Close()
		return fmt.Errorf("start ledger: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("close ledger", slog.Any("error", err))
		}
	}()

	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RequestsPerMinute: cfg.API.RateLimitPerMinute,
		Burst:             cfg.API.Burst,
	}, logger)
	limiter.OnReject(func(string) { metrics.RecordThrottle("rate_limit") })

	handler := routes.New(routes.Config{
		Service:       svc,
		Notifications: center,
		Audit:         auditLog,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret:    cfg.API.JWTSecret,
			Issuer:        cfg.API.Issuer,
			Audience:      cfg.API.Audience,
			OptionalPaths: []string{"/healthz", "/metrics"},
		}, logger),
		RateLimiter:   limiter,
		Observability: middleware.NewObservability(cfg.API.LogRequests, logger),
		Logger:        logger,
		Tracing:       cfg.Telemetry.Traces,
	})

	server := &http.Server{
		Addr:              cfg.API.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(cfg.API.ReadTimeoutSecs) * time.Second,
		WriteTimeout:      time.Duration(cfg.API.WriteTimeoutSecs) * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	workers, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if dispatcher != nil {
			go dispatcher.Run(workers)
		}
		runRetention(workers, cfg.Ledger, svc, auditLog, logger)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("escrow API listening", slog.String("addr", cfg.API.ListenAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
	}
	cancelWorkers()
	<-done
	return nil
}

// runRetention prunes balance history and audit records past their retention
// windows until ctx is cancelled. A zero retention keeps everything.
func runRetention(ctx context.Context, cfg config.Ledger, svc *core.Service, auditLog *audit.Log, logger *slog.Logger) {
	if cfg.HistoryRetentionDays == 0 && cfg.AuditRetentionDays == 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		now := time.Now()
		if cfg.HistoryRetentionDays > 0 {
			cutoff := now.Add(-time.Duration(cfg.HistoryRetentionDays) * 24 * time.Hour)
			if removed, err := svc.RetainHistory(uint64(cutoff.UnixNano())); err != nil {
				logger.Error("history retention failed", slog.Any("error", err))
			} else if removed > 0 {
				logger.Info("history retention", slog.Int("removed", removed))
			}
		}
		if cfg.AuditRetentionDays > 0 {
			cutoff := now.Add(-time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour)
			if removed, err := auditLog.CleanupBefore(uint64(cutoff.UnixNano())); err != nil {
				logger.Error("audit retention failed", slog.Any("error", err))
			} else if removed > 0 {
				logger.Info("audit retention", slog.Int("removed", removed))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	cfgPath := fs.String("config", "./escrow.toml", "path to ledger configuration")
	subject := fs.String("subject", "", "account the token authenticates")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("token: -subject is required")
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	token, err := middleware.IssueToken(cfg.API.JWTSecret, cfg.API.Issuer, cfg.API.Audience, *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
