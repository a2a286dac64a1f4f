package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wa-dispatch/internal/authz"
	"wa-dispatch/internal/billing"
	"wa-dispatch/internal/cache"
	"wa-dispatch/internal/config"
	"wa-dispatch/internal/dispatch"
	"wa-dispatch/internal/httpserver"
	"wa-dispatch/internal/identity"
	"wa-dispatch/internal/ledger"
	"wa-dispatch/internal/logging"
	"wa-dispatch/internal/media"
	"wa-dispatch/internal/metrics"
	"wa-dispatch/internal/notify"
	"wa-dispatch/internal/repo"
	"wa-dispatch/internal/wa"
	"wa-dispatch/migrations"

	"golang.org/x/time/rate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Store, error) {
	if cfg.DatabaseDriver == "sqlite" {
		return repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	}
	return repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting wa-dispatch", "env", cfg.AppEnv, "database", cfg.DatabaseDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	connector, err := wa.NewConnector(wa.Config{
		StoreDir: cfg.WhatsAppStoreDir,
		LogLevel: cfg.WhatsAppLogLevel,
		Metrics:  metricRegistry,
	}, logger)
	if err != nil {
		return fmt.Errorf("init whatsapp connector: %w", err)
	}

	loop := dispatch.NewLoop(repository, media.NewDir(cfg.AttachmentsDir), dispatch.LoopConfig{
		CountryCode:     cfg.WhatsAppCountryCode,
		ClaimLease:      cfg.DispatchClaimLease,
		SendTimeout:     cfg.DispatchSendTimeout,
		RefundOnFailure: cfg.DispatchRefundOnFailure,
	}, metricRegistry, logger)

	manager := dispatch.NewManager(dispatch.ManagerConfig{
		IdleGrace:       cfg.SessionIdleGrace,
		MaxPairAttempts: cfg.SessionMaxPairAttempts,
		PairTimeout:     cfg.SessionPairTimeout,
		PollInterval:    cfg.DispatchPollInterval,
		SendRate:        rate.Limit(cfg.DispatchSendRate),
		SendBurst:       cfg.DispatchSendBurst,
		LogoutOnIdle:    cfg.WhatsAppLogoutOnIdle,
	}, repository, connector, loop, metricRegistry, logger)

	var notifier dispatch.Notifier = notify.NewLocal(manager.Wake)
	if cfg.RedisAddr != "" {
		redisClient := cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}

		fanout := notify.NewRedis(redisClient, cfg.NotifyChannel, logger)
		notifier = fanout
		go func() {
			if err := fanout.Listen(ctx, manager.Wake); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("enqueue listener stopped", "error", err)
			}
		}()
	}

	guard := authz.NewGuard(repository)
	credits := ledger.New(repository, metricRegistry, logger)
	service := dispatch.NewService(repository, guard, credits, manager, notifier, metricRegistry, logger)
	directory := dispatch.NewDirectory(repository, guard, cfg.CompanyInitialCredits, logger)

	if cfg.BillingWebhookUsernameMD5 == "" || cfg.BillingWebhookPasswordMD5 == "" {
		logger.Warn("billing webhook credentials not configured; purchases will be rejected")
	}
	webhookHandler := billing.NewWebhookHandler(logger, metricRegistry, cfg.BillingWebhookUsernameMD5, cfg.BillingWebhookPasswordMD5, credits)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Dependencies{
		Service:   service,
		Directory: directory,
		Verifier:  identity.NewJWTVerifier(cfg.AuthJWTSecret, cfg.AuthJWTIssuer),
	}, httpserver.Handlers{
		BillingWebhook: webhookHandler,
	}, cfg.PublicBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("session shutdown error", "error", err)
	}

	return nil
}
