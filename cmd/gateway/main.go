package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/gemini-gateway/internal/api"
	"github.com/felipepmaragno/gemini-gateway/internal/auth"
	"github.com/felipepmaragno/gemini-gateway/internal/config"
	"github.com/felipepmaragno/gemini-gateway/internal/crypto"
	"github.com/felipepmaragno/gemini-gateway/internal/dispatcher"
	"github.com/felipepmaragno/gemini-gateway/internal/httputil"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
	"github.com/felipepmaragno/gemini-gateway/internal/notifications"
	"github.com/felipepmaragno/gemini-gateway/internal/pool"
	"github.com/felipepmaragno/gemini-gateway/internal/provider"
	"github.com/felipepmaragno/gemini-gateway/internal/queue"
	"github.com/felipepmaragno/gemini-gateway/internal/ratelimit"
	"github.com/felipepmaragno/gemini-gateway/internal/repository"
	"github.com/felipepmaragno/gemini-gateway/internal/research"
	"github.com/felipepmaragno/gemini-gateway/internal/secrets"
	"github.com/felipepmaragno/gemini-gateway/internal/session"
	"github.com/felipepmaragno/gemini-gateway/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.SecretsName != "" {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			fatal("failed to create secrets client", err)
		}
		bundle, err := secrets.Load(ctx, store, cfg.SecretsName)
		if err != nil {
			fatal("failed to load secrets", err)
		}
		bundle.Apply(cfg)
		slog.Info("secrets loaded", "name", cfg.SecretsName)
	}

	slog.Info("starting gemini gateway", "addr", cfg.Addr, "version", api.Version)

	shutdownTracing, err := telemetry.Init(ctx, "gemini-gateway", cfg.OTLPEndpoint)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	initial := config.DefaultSnapshot()
	if cfg.SettingsFile != "" {
		if initial, err = config.LoadSnapshotFile(cfg.SettingsFile); err != nil {
			fatal("failed to load settings", err)
		}
	}
	settings := config.NewStore(initial, cfg.SettingsFile)

	var sealer repository.Sealer
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			fatal("invalid encryption key", err)
		}
		sealer = enc
	}

	var checkers []api.HealthChecker

	var accountRepo repository.AccountRepository
	var db *sql.DB
	switch {
	case cfg.DatabaseURL != "":
		db, err = repository.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal("failed to connect to postgres", err)
		}
		accountRepo = repository.NewPostgresAccountRepository(db, sealer)
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres account repository")
	case cfg.AccountsFile != "":
		accountRepo = repository.NewFileAccountRepository(cfg.AccountsFile, sealer)
		slog.Info("using file account repository", "path", cfg.AccountsFile)
	default:
		accountRepo = repository.NewInMemoryAccountRepository()
		slog.Warn("no account source configured, pool starts empty")
	}

	poolOpts := []pool.Option{
		pool.WithPolicy(func() config.RetryPolicy { return settings.Current().Retry }),
	}
	if cfg.EvictionTopicARN != "" {
		notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.EvictionTopicARN)
		if err != nil {
			fatal("failed to create SNS notifier", err)
		}
		poolOpts = append(poolOpts, pool.WithNotifier(notifier))
	}

	var credentials pool.CredentialSource
	if cfg.RefreshQueueURL != "" || cfg.CredentialsQueueURL != "" {
		q, err := queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.RefreshQueueURL, cfg.CredentialsQueueURL)
		if err != nil {
			fatal("failed to create SQS queue", err)
		}
		if cfg.RefreshQueueURL != "" {
			poolOpts = append(poolOpts, pool.WithRefreshPublisher(q))
		}
		if cfg.CredentialsQueueURL != "" {
			credentials = q
		}
	}

	accountPool := pool.NewManager(accountRepo, poolOpts...)
	if err := accountPool.Sync(ctx, true); err != nil {
		fatal("failed to load accounts", err)
	}
	counts := accountPool.Counts()
	slog.Info("account pool loaded", "counts", counts)
	checkers = append(checkers, api.NewPoolHealthChecker(accountPool))

	var sessionStore interface {
		session.Store
		Close() error
	}
	var rateLimiter ratelimit.RateLimiter
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		rs, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			fatal("failed to connect to redis", err)
		}
		redisClient = rs.Client()
		sessionStore = rs
		rateLimiter = ratelimit.NewRedisRateLimiterWithClient(redisClient)
		checkers = append(checkers, api.NewRedisHealthCheckerWithClient(redisClient))
		slog.Info("using redis session store and rate limiter")
	} else {
		sessionStore = session.NewInMemoryStore()
		rateLimiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory session store and rate limiter")
	}
	sessions := session.NewCache(sessionStore, func() time.Duration { return settings.Current().Retry.SessionTTL() })

	client := provider.New(httputil.NewClientSet(), settings.Current, provider.WithBaseURL(cfg.ProviderBaseURL))
	d := dispatcher.New(accountPool, pool.NewTokenSource(accountPool, client), sessions, client, research.NewPoller(client), settings.Current)

	var adminAuth *auth.Middleware
	if cfg.AdminAuthEnabled {
		if cfg.AdminPasswordHash == "" {
			fatal("admin auth enabled without a password hash", errors.New("ADMIN_PASSWORD_HASH is empty"))
		}
		users := []auth.AdminUser{{Username: cfg.AdminUser, PasswordHash: cfg.AdminPasswordHash, Role: auth.RoleAdmin}}
		if cfg.OperatorUser != "" && cfg.OperatorPasswordHash != "" {
			users = append(users, auth.AdminUser{Username: cfg.OperatorUser, PasswordHash: cfg.OperatorPasswordHash, Role: auth.RoleOperator})
		}
		adminAuth = auth.NewMiddleware(auth.NewUsers(users...))
	} else {
		slog.Warn("admin API is unauthenticated")
	}

	mux := http.NewServeMux()
	mux.Handle("/admin/", api.NewAdminHandler(accountPool, settings, adminAuth, api.WithSessionLister(d)))
	mux.Handle("/", api.NewHandler(api.HandlerConfig{
		Dispatcher:  d,
		Settings:    settings.Current,
		Keys:        crypto.NewKeySet(cfg.APIKeys),
		RateLimiter: rateLimiter,
		ClientRPM:   cfg.ClientRPM,
		Checkers:    checkers,
	}))

	hostname, _ := os.Hostname()
	metrics.InitInstanceMetrics(hostname, api.Version, strconv.FormatInt(settings.Current().Version, 10))

	var background sync.WaitGroup
	runBackground := func(fn func()) {
		background.Add(1)
		go func() {
			defer background.Done()
			fn()
		}()
	}

	syncInterval := cfg.AccountSyncInterval
	if syncInterval <= 0 {
		syncInterval = settings.Current().Retry.AutoRefresh()
	}
	runBackground(func() { accountPool.Run(ctx, syncInterval) })
	if credentials != nil {
		runBackground(func() { accountPool.ConsumeCredentials(ctx, credentials, 5*time.Second) })
	}

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("server error", err)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig != syscall.SIGHUP {
			break
		}
		snap, err := settings.Reload()
		if err != nil {
			slog.Error("settings reload failed", "error", err)
			continue
		}
		slog.Info("settings reloaded", "version", snap.Version)
	}

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	cancel()
	waitFor(&background, cfg.DrainTimeout)

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}
	if err := sessionStore.Close(); err != nil {
		slog.Warn("session store close failed", "error", err)
	}
	if db != nil {
		db.Close()
	}

	slog.Info("server stopped")
}

// waitFor gives background loops up to d to notice cancellation.
func waitFor(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		slog.Warn("background workers did not stop in time", "timeout", d)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
