// Package scheduler runs delayed fire jobs, one per timer, on top of the
// Redis queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"safety-timer/internal/config"
	"safety-timer/internal/models"
	"safety-timer/internal/store"
	"safety-timer/internal/telemetry"
)

// Handler is invoked once per claimed fire job. A nil error acks the job; any
// error schedules a retry.
type Handler func(ctx context.Context, timerID string) error

// Queue is the job storage the scheduler drives.
type Queue interface {
	Schedule(ctx context.Context, timerID string, fireAt time.Time) error
	Cancel(ctx context.Context, timerID string) (bool, error)
	ClaimDue(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ExtendLease(ctx context.Context, timerID string, extension time.Duration) error
	Ack(ctx context.Context, timerID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Retry(ctx context.Context, timerID string, runAt time.Time) (int, error)
	Attempts(ctx context.Context, timerID string) (int, error)
	DLQPush(ctx context.Context, timerID, reason string) error
	Pending(ctx context.Context, timerID string) (bool, error)
	ScheduledDepth(ctx context.Context) (int64, error)
	// VisibilityTimeout is the lease a claimed job holds before it is requeued.
	VisibilityTimeout() time.Duration
}

// TimerSource supplies the timers that should have a pending job and the
// current state of any one of them.
type TimerSource interface {
	ListActive(ctx context.Context, limit int) ([]models.Timer, error)
	GetTimer(ctx context.Context, id string) (models.Timer, error)
}

type Options struct {
	Concurrency       int
	PollInterval      time.Duration
	BatchSize         int
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	ReconcileInterval time.Duration
	ReconcileLimit    int
}

// OptionsFromConfig maps worker settings onto scheduler options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.WorkerPollInterval,
		BatchSize:         cfg.ScheduledBatchSize,
		MaxAttempts:       cfg.FireMaxAttempts,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		ReconcileInterval: cfg.ReconcileInterval,
	}
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 2 * time.Second
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 5 * time.Minute
	}
	if o.ReconcileLimit <= 0 {
		o.ReconcileLimit = 10000
	}
	return o
}

// Scheduler owns delayed fire jobs keyed by timer id.
type Scheduler struct {
	queue Queue
	opts  Options
	lease time.Duration
	log   zerolog.Logger
	now   func() time.Time

	mu      sync.RWMutex
	handler Handler
	active  atomic.Int64
}

func New(q Queue, opts Options, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		queue: q,
		opts:  opts.withDefaults(),
		lease: q.VisibilityTimeout(),
		log:   log.With().Str("component", "scheduler").Logger(),
		now:   time.Now,
	}
}

// OnFire registers the handler invoked for due jobs. The last call wins.
func (s *Scheduler) OnFire(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Scheduler) currentHandler() Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

// Schedule arranges for the handler to run for timerID at or after fireAt,
// replacing any job already scheduled for that id.
func (s *Scheduler) Schedule(ctx context.Context, timerID string, fireAt time.Time) error {
	if err := s.queue.Schedule(ctx, timerID, fireAt); err != nil {
		return fmt.Errorf("schedule %s: %w", timerID, err)
	}
	s.log.Debug().Str("timer_id", timerID).Time("fire_at", fireAt).Msg("fire scheduled")
	return nil
}

// Cancel removes the pending job for timerID and reports whether one was
// removed. It never fails: queue errors are logged and reported as false.
func (s *Scheduler) Cancel(ctx context.Context, timerID string) bool {
	found, err := s.queue.Cancel(ctx, timerID)
	if err != nil {
		s.log.Warn().Err(err).Str("timer_id", timerID).Msg("cancel scheduled fire failed")
		return false
	}
	s.log.Debug().Str("timer_id", timerID).Bool("found", found).Msg("fire cancelled")
	return found
}

// Run polls for due jobs until ctx is cancelled, keeping at most
// Concurrency handlers running. In-flight handlers finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.currentHandler() == nil {
		return errors.New("scheduler: no fire handler registered")
	}
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.poll(ctx, &g); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("poll failed")
		}
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one poll and waits for the handlers it started. It returns how
// many jobs were dispatched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	if s.currentHandler() == nil {
		return 0, errors.New("scheduler: no fire handler registered")
	}
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	n, err := s.poll(ctx, &g)
	_ = g.Wait()
	return n, err
}

func (s *Scheduler) poll(ctx context.Context, g *errgroup.Group) (int, error) {
	now := s.now()
	if reclaimed, err := s.queue.RequeueExpired(ctx, now, int64(s.opts.BatchSize)); err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	} else if len(reclaimed) > 0 {
		s.log.Warn().Strs("timer_ids", reclaimed).Msg("reclaimed expired leases")
	}
	if depth, err := s.queue.ScheduledDepth(ctx); err == nil {
		telemetry.ScheduledGauge.Set(float64(depth))
	}

	free := s.opts.Concurrency - int(s.active.Load())
	if free <= 0 {
		return 0, nil
	}
	limit := min(free, s.opts.BatchSize)
	ids, err := s.queue.ClaimDue(ctx, now, int64(limit))
	if err != nil {
		return 0, fmt.Errorf("claim due: %w", err)
	}
	for _, id := range ids {
		s.active.Add(1)
		g.Go(func() error {
			defer s.active.Add(-1)
			s.dispatch(ctx, id)
			return nil
		})
	}
	return len(ids), nil
}

func (s *Scheduler) dispatch(ctx context.Context, timerID string) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	log := s.log.With().Str("timer_id", timerID).Logger()

	stop := s.keepLease(ctx, timerID)
	err := s.invoke(ctx, timerID)
	stop()

	if err == nil {
		if ackErr := s.queue.Ack(ctx, timerID); ackErr != nil {
			log.Error().Err(ackErr).Msg("ack failed")
		}
		return
	}

	prev, aerr := s.queue.Attempts(ctx, timerID)
	if aerr != nil {
		log.Warn().Err(aerr).Msg("read attempts failed")
	}
	attempt := prev + 1
	if attempt >= s.opts.MaxAttempts {
		if dlqErr := s.queue.DLQPush(ctx, timerID, err.Error()); dlqErr != nil {
			log.Error().Err(dlqErr).Msg("dead-letter failed")
		}
		telemetry.FireDeadLetter.Inc()
		log.Error().Err(err).Int("attempt", attempt).Msg("fire dead-lettered")
		return
	}
	next := s.now().Add(backoffWithJitter(s.opts.BackoffInitial, s.opts.BackoffMax, attempt))
	if _, rerr := s.queue.Retry(ctx, timerID, next); rerr != nil {
		log.Error().Err(rerr).Msg("schedule retry failed")
	}
	telemetry.FireRetries.Inc()
	log.Warn().Err(err).Int("attempt", attempt).Time("next_run", next).Msg("fire failed, retry scheduled")
}

func (s *Scheduler) invoke(ctx context.Context, timerID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("timer_id", timerID).Bytes("stack", debug.Stack()).Msgf("fire handler panic: %v", r)
			err = fmt.Errorf("fire handler panic: %v", r)
		}
	}()
	h := s.currentHandler()
	if h == nil {
		return errors.New("no fire handler registered")
	}
	return h(ctx, timerID)
}

// keepLease extends the job's lease at half the queue's visibility timeout
// until the returned stop function is called.
func (s *Scheduler) keepLease(ctx context.Context, timerID string) func() {
	leaseCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.lease / 2)
		defer ticker.Stop()
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				if err := s.queue.ExtendLease(leaseCtx, timerID, s.lease); err != nil && leaseCtx.Err() == nil {
					s.log.Warn().Err(err).Str("timer_id", timerID).Msg("extend lease failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Reconcile schedules a fire for every ACTIVE timer that has no pending job,
// which covers jobs lost when the queue itself lost state. Overdue timers fire
// on the next poll. The listing is a snapshot, so each restored job is checked
// against the timer's current status and withdrawn if the timer has left
// ACTIVE in the meantime.
func (s *Scheduler) Reconcile(ctx context.Context, lister TimerSource) (int, error) {
	timers, err := lister.ListActive(ctx, s.opts.ReconcileLimit)
	if err != nil {
		return 0, fmt.Errorf("list active timers: %w", err)
	}
	restored := 0
	for _, t := range timers {
		pending, err := s.queue.Pending(ctx, t.ID)
		if err != nil {
			return restored, fmt.Errorf("check pending %s: %w", t.ID, err)
		}
		if pending {
			continue
		}
		if err := s.queue.Schedule(ctx, t.ID, t.ExpiresAt); err != nil {
			return restored, fmt.Errorf("reschedule %s: %w", t.ID, err)
		}
		current, err := lister.GetTimer(ctx, t.ID)
		if err != nil || current.Status != models.StatusActive {
			if _, cerr := s.queue.Cancel(ctx, t.ID); cerr != nil {
				return restored, fmt.Errorf("withdraw %s: %w", t.ID, cerr)
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return restored, fmt.Errorf("recheck %s: %w", t.ID, err)
			}
			s.log.Debug().Str("timer_id", t.ID).Str("status", string(current.Status)).Msg("timer left active during reconcile")
			continue
		}
		restored++
		telemetry.Reconciled.Inc()
		s.log.Warn().Str("timer_id", t.ID).Time("fire_at", t.ExpiresAt).Msg("restored missing fire job")
	}
	return restored, nil
}

// RunReconciler reconciles immediately and then every ReconcileInterval.
func (s *Scheduler) RunReconciler(ctx context.Context, lister TimerSource) error {
	ticker := time.NewTicker(s.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		if n, err := s.Reconcile(ctx, lister); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("reconcile failed")
		} else if n > 0 {
			s.log.Info().Int("restored", n).Msg("reconcile complete")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}
