package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"safety-timer/internal/api"
	"safety-timer/internal/config"
	"safety-timer/internal/delivery"
	"safety-timer/internal/lifecycle"
	"safety-timer/internal/logging"
	"safety-timer/internal/queue"
	"safety-timer/internal/ratelimit"
	"safety-timer/internal/scheduler"
	"safety-timer/internal/store"
	"safety-timer/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Register()

	st, err := store.Open(ctx, store.Config{Driver: cfg.StoreDriver, PostgresDSN: cfg.PostgresDSN, SQLitePath: cfg.SQLitePath})
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store")
	}
	defer st.Close()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
	}

	// The API only arms and disarms jobs; firing happens in the worker.
	sched := scheduler.New(q, scheduler.OptionsFromConfig(cfg), log)
	prober := delivery.NewEngine(nil, delivery.OptionsFromConfig(cfg), log)
	svc := lifecycle.NewService(st, sched, lifecycle.OptionsFromConfig(cfg), log, lifecycle.WithProber(prober))
	limiter := ratelimit.NewTokenBucket(q.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, svc, limiter, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Str("store", cfg.StoreDriver).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("api stopped")
}
