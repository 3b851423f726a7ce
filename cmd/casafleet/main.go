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
	"github.com/redis/go-redis/v9"

	"github.com/casafleet/casafleet/internal/app"
	"github.com/casafleet/casafleet/internal/auth"
	"github.com/casafleet/casafleet/internal/authz"
	"github.com/casafleet/casafleet/internal/impersonation"
	"github.com/casafleet/casafleet/internal/observability"
	"github.com/casafleet/casafleet/internal/platform/db"
	"github.com/casafleet/casafleet/internal/shared"
	"github.com/casafleet/casafleet/internal/token"
	"github.com/casafleet/casafleet/internal/users"
	"github.com/casafleet/casafleet/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "casafleet_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(authRepo)
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager)

	authzRepo := authz.NewRepository(dbpool)
	authzService := authz.NewService(authzRepo, auditLogger, metrics, logger)
	authzMiddleware := authz.Middleware{Checker: authzService, Logger: logger}
	authzHandler := authz.NewHandler(logger, authzService, authzMiddleware)

	if err := authzService.InitializeCatalog(ctx); err != nil {
		logger.Error("initialize catalog", slog.Any("error", err))
		os.Exit(1)
	}

	usersRepo := users.NewRepository(dbpool)
	usersService := users.NewService(usersRepo)
	usersHandler := users.NewHandler(logger, usersService, authzMiddleware)

	issuer := token.NewIssuer(cfg.TokenSecret, cfg.TokenIssuer)
	impRepo := impersonation.NewRepository(dbpool)
	impManager := impersonation.NewManager(impRepo, authzService, usersService, issuer, auditLogger, metrics, logger, cfg.AccessTokenTTL)
	impHandler := impersonation.NewHandler(logger, impManager, authzMiddleware)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:               logger,
		Config:               cfg,
		SessionManager:       sessionManager,
		CSRFManager:          csrfManager,
		Metrics:              metrics,
		AuthHandler:          authHandler,
		UsersHandler:         usersHandler,
		AuthzHandler:         authzHandler,
		ImpersonationHandler: impHandler,
		JobsHandler:          jobHandler,
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
