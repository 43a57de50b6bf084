package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/tpcell/attempt-runner/internal/attempt"
	"github.com/tpcell/attempt-runner/internal/config"
	"github.com/tpcell/attempt-runner/internal/database"
	"github.com/tpcell/attempt-runner/internal/handler"
	"github.com/tpcell/attempt-runner/internal/logger"
	"github.com/tpcell/attempt-runner/internal/middleware"
	"github.com/tpcell/attempt-runner/internal/portal"
	"github.com/tpcell/attempt-runner/internal/repository"
	"github.com/tpcell/attempt-runner/internal/router"
	"github.com/tpcell/attempt-runner/internal/service"
	"github.com/tpcell/attempt-runner/internal/validator"
	"github.com/tpcell/attempt-runner/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("portal", cfg.PortalBaseURL).
		Msg("Starting attempt runner")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	answerCache := repository.NewAnswerCache(rdb)
	resultRepo := repository.NewResultRepository(pool)

	// ─── Portal Client ─────────────────────────────────────────────────
	portalClient := portal.NewClient(portal.Config{
		BaseURL: cfg.PortalBaseURL,
		Timeout: cfg.PortalTimeout,
		Logger:  log,
	})
	backendFor := func(token string) attempt.Backend {
		return portalClient.WithToken(token)
	}

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	attemptService := service.NewAttemptService(backendFor, answerCache, service.AttemptServiceConfig{
		TickInterval:    cfg.TickInterval,
		RedirectDelay:   cfg.RedirectDelay,
		Retention:       cfg.SessionRetention,
		JanitorInterval: cfg.JanitorInterval,
	}, log)
	resultService := service.NewResultService(resultRepo)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Attempt: handler.NewAttemptHandler(attemptService, log),
		WS:      handler.NewWSHandler(attemptService, log, cfg.AllowedOrigins),
		Result:  handler.NewResultHandler(resultService, attemptService, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	var wg sync.WaitGroup
	sessionCtx, sessionCancel := context.WithCancel(context.Background())
	workerCtx, workerCancel := context.WithCancel(context.Background())

	resultWorker := worker.NewResultWorker(answerCache, resultRepo, log)

	wg.Add(1)
	go func() {
		defer wg.Done()
		attemptService.Run(sessionCtx)
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		resultWorker.Start(workerCtx)
	}()

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute)
	defer limiter.Stop()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg, limiter)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Close every live session so no countdown fires after this point.
	sessionCancel()
	wg.Wait()

	// 3. Stop the result worker and wait for its final flush.
	workerCancel()
	select {
	case <-workerDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Result worker did not drain in time")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
