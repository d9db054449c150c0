package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"outbound-caller/internal/audit"
	"outbound-caller/internal/auth"
	"outbound-caller/internal/calls"
	"outbound-caller/internal/config"
	"outbound-caller/internal/dialer"
	"outbound-caller/internal/httpapi"
	"outbound-caller/internal/ingest"
	"outbound-caller/internal/metrics"
	"outbound-caller/internal/notify"
	"outbound-caller/internal/reconcile"
	"outbound-caller/internal/reporting"
	"outbound-caller/internal/scheduler"
	"outbound-caller/internal/telephony"
	"outbound-caller/pkg/logger"
	"outbound-caller/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error(".env load failed", "err", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, logger.Options{File: cfg.Log.File})
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := calls.NewPostgresRepo(db)
	if err := repo.EnsureSchema(rootCtx); err != nil {
		log.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	provider, err := newProvider(cfg, log)
	if err != nil {
		log.Error("provider init failed", "provider", cfg.Provider, "err", err)
		os.Exit(1)
	}

	mtr := metrics.New()
	hub := notify.NewHub(log)
	defer hub.Close()

	// Without Redis everything stays in this process: in-memory slots and
	// direct hub delivery.
	var (
		slots    dialer.Slots    = dialer.NewMemorySlots(cfg.Queue.SlotTTL)
		notifier notify.Notifier = hub
	)
	if cfg.HasRedis() {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		slots = dialer.NewRedisSlots(rdb, cfg.Queue.SlotTTL)
		notifier = notify.NewRedisPublisher(rdb, cfg.Notify.RedisChannel, log)
		go func() {
			if err := notify.Relay(rootCtx, rdb, cfg.Notify.RedisChannel, hub, log); err != nil {
				log.Error("notify relay stopped", "err", err)
			}
		}()
	}

	queue := scheduler.NewQueue(scheduler.RealClock{}, log)
	defer queue.Close()

	processor := dialer.NewProcessor(dialer.Deps{
		Repo:     repo,
		Provider: provider,
		Queue:    queue,
		Slots:    slots,
		Notifier: notifier,
		Metrics:  mtr,
		Log:      log,
	}, dialer.Config{
		DefaultMaxConcurrent: cfg.Queue.DefaultMaxConcurrent,
		DefaultDelay:         cfg.Queue.DefaultDelay,
		Stagger:              cfg.Queue.Stagger,
		BatchLimit:           cfg.Queue.BatchLimit,
	})

	engine := reconcile.NewEngine(reconcile.Deps{
		Repo:     repo,
		Provider: provider,
		Notifier: notifier,
		Metrics:  mtr,
		Log:      log,
	}, reconcile.Config{
		RecordingWindow: cfg.Sync.RecordingWindow,
		EventsPageSize:  cfg.Sync.EventsPageSize,
		EventsMaxPages:  cfg.Sync.EventsMaxPages,
	})
	retrier := reconcile.NewRetrier(engine, queue, cfg.Sync.RetryDelays, log)
	engine.AddObserver(processor)
	engine.AddObserver(retrier)

	ingestor := ingest.New(ingest.Deps{
		Repo:      repo,
		Provider:  provider,
		Notifier:  notifier,
		Observers: calls.TerminalObservers{processor, retrier},
		Metrics:   mtr,
		Log:       log,
	})

	webhooks := ingest.WebhookHandlers{Events: ingestor, PublicBaseURL: cfg.App.PublicBaseURL}
	if cfg.Provider == config.ProviderTwilio && cfg.Twilio.ValidateSignatures {
		v := telephony.NewTwilioSignatureValidator(cfg.Twilio.AuthToken)
		webhooks.TwilioValidator = &v
	}

	api := httpapi.Handlers{
		Auth:      authManager,
		Repo:      repo,
		Campaigns: processor,
		Syncer:    engine,
		Reports:   reporting.NewService(repo),
		Provider:  provider,
		Audit:     audit.NewService(audit.NewPostgresRepo(db)),
		Notifier:  notifier,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz", "/metrics"))
	r.Use(mtr.Middleware())

	registerRoutes(r, routeDeps{
		auth:     authManager,
		api:      api,
		webhooks: webhooks,
		hub:      hub,
		metrics:  mtr,
		health: func(ctx context.Context) error {
			return utils.HealthCheck(ctx, db, 2*time.Second)
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "provider", provider.Name(), "redis", cfg.HasRedis())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

func newProvider(cfg config.Config, log *slog.Logger) (telephony.Provider, error) {
	switch cfg.Provider {
	case config.ProviderTwilio:
		return telephony.NewTwilioProvider(telephony.TwilioOptions{
			AccountSID:        cfg.Twilio.AccountSID,
			AuthToken:         cfg.Twilio.AuthToken,
			StatusCallbackURL: cfg.App.PublicBaseURL + twilioStatusPath,
		}, log)
	default:
		return telephony.NewTelnyxProvider(telephony.TelnyxOptions{
			APIKey:     cfg.Telnyx.APIKey,
			BaseURL:    cfg.Telnyx.BaseURL,
			TeXMLAppID: cfg.Telnyx.TeXMLApp,
			Timeout:    cfg.Telnyx.Timeout,
			RateLimit:  cfg.Telnyx.RateLimit,
		}, log)
	}
}
