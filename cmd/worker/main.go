package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"safety-timer/internal/archive"
	"safety-timer/internal/config"
	"safety-timer/internal/delivery"
	"safety-timer/internal/escalation"
	"safety-timer/internal/logging"
	"safety-timer/internal/notify"
	"safety-timer/internal/queue"
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

	var procOpts []escalation.Option
	arch, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init escalation archive")
	}
	if arch != nil {
		procOpts = append(procOpts, escalation.WithArchiver(arch))
	}

	engine := delivery.NewEngine(st, delivery.OptionsFromConfig(cfg), log)
	email, err := notify.NewFromConfig(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("smtp_host", cfg.SMTPHost).Msg("init email sender")
	}
	proc := escalation.NewProcessor(st, engine, email, log, procOpts...)

	sched := scheduler.New(q, scheduler.OptionsFromConfig(cfg), log)
	sched.OnFire(proc.Handle)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return sched.RunReconciler(gctx, st) })
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	log.Info().
		Str("store", cfg.StoreDriver).
		Int("concurrency", cfg.WorkerConcurrency).
		Dur("poll_interval", cfg.WorkerPollInterval).
		Dur("visibility", q.VisibilityTimeout()).
		Str("metrics_addr", cfg.MetricsAddr).
		Bool("archive", arch != nil).
		Msg("worker started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
	log.Info().Msg("worker stopped")
}
