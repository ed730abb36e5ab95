// Package main is the entry point for the trip confirmation API server.
// Its sole responsibility is wiring dependencies together and starting the
// server and background workers. No business logic belongs here.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver for database/sql
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tripcrew/confirmation/internal/client"
	"github.com/tripcrew/confirmation/internal/config"
	"github.com/tripcrew/confirmation/internal/handler"
	"github.com/tripcrew/confirmation/internal/middleware"
	"github.com/tripcrew/confirmation/internal/repo"
	"github.com/tripcrew/confirmation/internal/service"
	"github.com/tripcrew/confirmation/migrations"
)

// maxBodyBytes caps request bodies. The largest legitimate payload is an
// initiate request with trip details, well under this.
const maxBodyBytes = 1 << 20 // 1 MiB

func main() {
	// --- Config -----------------------------------------------------------
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	// --- Logger -----------------------------------------------------------
	// JSON handler for log aggregators in production; tint for a readable
	// colored console during development (LOG_FORMAT=text).
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logLevel = slog.LevelInfo
	}
	var logHandler slog.Handler
	if cfg.LogFormat == "text" {
		logHandler = tint.NewHandler(os.Stdout, &tint.Options{Level: logLevel})
	} else {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	// --- Database ---------------------------------------------------------
	// pgxpool manages a pool of Postgres connections.
	// New() does not open connections immediately — the first query does.
	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Verify the DB is reachable before accepting traffic.
	if err := pool.Ping(context.Background()); err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	slog.Info("database connection established")

	// --- Migrations -------------------------------------------------------
	// goose applies the embedded SQL migrations on startup so the schema is
	// always current. It needs a database/sql handle, not the pgx pool.
	if err := migrate(cfg.DatabaseURL); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations up to date")

	// --- Dependencies -----------------------------------------------------
	store := repo.NewStore(pool)

	membership := client.NewMembershipClient(cfg.MembershipURL)
	activation := client.NewActivationClient(cfg.ActivationURL)
	notify := client.NewNotificationClient(cfg.NotificationURL)
	gateway := client.NewGatewayClient(cfg.GatewayURL)

	policy := service.DefaultPolicy()
	policy.ConfirmationHours = cfg.ConfirmationHours
	policy.UpfrontPercent = cfg.UpfrontPercent
	policy.DecisionHours = cfg.DecisionHours
	policy.ExtensionHours = cfg.ExtensionHours

	confirmations := service.NewConfirmationService(store, membership, policy)
	payments := service.NewPaymentService(store, policy)
	sweeper := service.NewSweeper(store, policy, cfg.SweepInterval, logger)
	dispatcher := service.NewDispatcher(store, activation, notify, gateway, cfg.OutboxInterval, logger)

	// --- Router -----------------------------------------------------------
	// Middleware order matters: RequestID and RealIP first so every later
	// layer (logger, rate limiter) sees the trace ID and real client IP.
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewSlogLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.NewCORSHandler(cfg.CORSOrigins))
	r.Use(httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute))
	r.Use(middleware.NewMaxBodySizeHandler(maxBodyBytes))
	r.Use(middleware.NewMetrics())

	srvHandler := handler.NewServer(confirmations, payments, pool)
	srvHandler.Routes(r)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// --- Background workers -----------------------------------------------
	// The sweeper enforces deadlines; the dispatcher drains the outbox.
	// Both stop when workerCtx is cancelled during shutdown.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go sweeper.Run(workerCtx)
	go dispatcher.Run(workerCtx)

	// --- HTTP Server ------------------------------------------------------
	// Explicit timeouts prevent slowloris and resource exhaustion attacks.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown: wait for OS signal, then give in-flight requests
	// up to 15 seconds to complete before forcefully closing.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-stop
	slog.Info("shutting down server")
	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// migrate applies all pending embedded migrations.
func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}
