package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/moemail/moemail/internal/apikeys"
	"github.com/moemail/moemail/internal/app"
	"github.com/moemail/moemail/internal/auth"
	"github.com/moemail/moemail/internal/cardkeys"
	"github.com/moemail/moemail/internal/mailboxes"
	"github.com/moemail/moemail/internal/observability"
	"github.com/moemail/moemail/internal/platform/cache"
	"github.com/moemail/moemail/internal/platform/db"
	"github.com/moemail/moemail/internal/quota"
	"github.com/moemail/moemail/internal/rbac"
	"github.com/moemail/moemail/internal/settings"
	"github.com/moemail/moemail/internal/shared"
	"github.com/moemail/moemail/internal/users"
	"github.com/moemail/moemail/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if cfg.RunMigrations {
		if err := db.Migrate(ctx, dbpool); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			os.Exit(1)
		}
	}

	redisOpts := cache.Options{Addr: cfg.RedisAddr}
	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	quotaLoc, err := cfg.QuotaLocation()
	if err != nil {
		logger.Error("quota timezone", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	userQueries := users.NewQueries(dbpool)
	keyQueries := apikeys.NewQueries(dbpool)
	mailboxQueries := mailboxes.NewQueries(dbpool)

	settingsService := settings.NewService(settings.NewRepository(dbpool), redisClient, cfg.SettingsCacheTTL, logger)
	userService := users.NewService(userQueries, auditLogger, logger)
	authService := auth.NewService(userQueries, userService)
	keyService := apikeys.NewService(keyQueries)

	jobClient := jobs.NewClient(redisOpts.AsynqOpt())
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	ledger := quota.NewLedger(redisClient, quotaLoc, quota.WithRecorder(metrics))
	mailboxService := mailboxes.NewService(mailboxQueries, ledger, jobClient, logger)
	engine := cardkeys.NewEngine(cardkeys.NewRepository(dbpool), auditLogger, logger, cardkeys.WithRecorder(metrics))

	resolver := auth.NewResolver(keyQueries, userQueries, sessionManager, logger)
	gate := rbac.NewGate(resolver, rbac.DefaultRules(), logger)

	inspector := asynq.NewInspector(redisOpts.AsynqOpt())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		SessionManager:   sessionManager,
		CSRFManager:      csrfManager,
		Gate:             gate,
		Metrics:          metrics,
		AuthHandler:      auth.NewHandler(logger, authService, settingsService, sessionManager, csrfManager),
		SettingsHandler:  settings.NewHandler(logger, settingsService),
		APIKeysHandler:   apikeys.NewHandler(logger, keyService),
		UsersHandler:     users.NewHandler(logger, userService),
		RolesHandler:     rbac.NewHandler(),
		MailboxesHandler: mailboxes.NewHandler(logger, mailboxService, settingsService),
		CardKeysHandler:  cardkeys.NewHandler(logger, engine, settingsService, sessionManager, csrfManager, idempotencyStore),
		JobHandler:       jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
