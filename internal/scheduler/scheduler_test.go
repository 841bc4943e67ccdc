package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"safety-timer/internal/models"
	"safety-timer/internal/queue"
	"safety-timer/internal/store"
)

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewWithClient(client, queue.Options{VisibilityTimeout: time.Minute})
	return New(q, opts, zerolog.Nop()), q
}

type recorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recorder) handle(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	return r.err
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestTickFiresDueJobsOnce(t *testing.T) {
	ctx := context.Background()
	s, q := newTestScheduler(t, Options{Concurrency: 4})
	rec := &recorder{}
	s.OnFire(rec.handle)

	now := time.Now()
	_ = s.Schedule(ctx, "due", now.Add(-time.Second))
	_ = s.Schedule(ctx, "later", now.Add(time.Hour))

	n, err := s.Tick(ctx)
	if err != nil || n != 1 {
		t.Fatalf("tick: n=%d err=%v", n, err)
	}
	if got := rec.ids(); len(got) != 1 || got[0] != "due" {
		t.Fatalf("unexpected fires %v", got)
	}
	if pending, _ := q.Pending(ctx, "due"); pending {
		t.Fatalf("successful fire should be acked")
	}

	if n, _ := s.Tick(ctx); n != 0 {
		t.Fatalf("second tick should fire nothing, got %d", n)
	}
}

func TestCancelBeforeFire(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t, Options{})
	rec := &recorder{}
	s.OnFire(rec.handle)

	_ = s.Schedule(ctx, "t1", time.Now().Add(-time.Second))
	if !s.Cancel(ctx, "t1") {
		t.Fatalf("expected pending job to be found")
	}
	if s.Cancel(ctx, "t1") {
		t.Fatalf("second cancel should report false")
	}
	if s.Cancel(ctx, "unknown") {
		t.Fatalf("unknown id should report false")
	}
	if n, _ := s.Tick(ctx); n != 0 || len(rec.ids()) != 0 {
		t.Fatalf("cancelled job fired")
	}
}

type brokenQueue struct{ Queue }

func (brokenQueue) VisibilityTimeout() time.Duration { return time.Minute }

func (brokenQueue) Cancel(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestCancelSwallowsQueueErrors(t *testing.T) {
	s := New(brokenQueue{}, Options{}, zerolog.Nop())
	if s.Cancel(context.Background(), "t1") {
		t.Fatalf("queue error should report false")
	}
}

func TestHandlerErrorSchedulesRetryThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	s, q := newTestScheduler(t, Options{MaxAttempts: 2, BackoffInitial: time.Second, BackoffMax: time.Second})
	rec := &recorder{err: errors.New("store unavailable")}
	s.OnFire(rec.handle)

	now := time.Now()
	s.now = func() time.Time { return now }
	_ = s.Schedule(ctx, "t1", now.Add(-time.Second))

	if n, _ := s.Tick(ctx); n != 1 {
		t.Fatalf("expected one fire")
	}
	if attempts, _ := q.Attempts(ctx, "t1"); attempts != 1 {
		t.Fatalf("attempts = %d", attempts)
	}
	fireAt, ok, _ := q.FireAt(ctx, "t1")
	if !ok || !fireAt.After(now) {
		t.Fatalf("retry should be scheduled in the future, got %s ok=%v", fireAt, ok)
	}

	now = now.Add(2 * time.Second)
	if n, _ := s.Tick(ctx); n != 1 {
		t.Fatalf("expected retry fire")
	}
	dlq, _ := q.DLQPeek(ctx, 10)
	if len(dlq) != 1 || dlq[0] != "t1" {
		t.Fatalf("expected t1 dead-lettered, got %v", dlq)
	}
	if pending, _ := q.Pending(ctx, "t1"); pending {
		t.Fatalf("dead-lettered job should not be pending")
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	ctx := context.Background()
	s, q := newTestScheduler(t, Options{MaxAttempts: 3})
	s.OnFire(func(context.Context, string) error { panic("boom") })

	_ = s.Schedule(ctx, "t1", time.Now().Add(-time.Second))
	if _, err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if attempts, _ := q.Attempts(ctx, "t1"); attempts != 1 {
		t.Fatalf("panic should count as a failed attempt, got %d", attempts)
	}
}

func TestTickRequiresHandler(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	if _, err := s.Tick(context.Background()); err == nil {
		t.Fatalf("expected error without handler")
	}
}

func TestConcurrencyBoundsClaims(t *testing.T) {
	ctx := context.Background()
	s, q := newTestScheduler(t, Options{Concurrency: 2})
	s.OnFire(func(context.Context, string) error { return nil })

	for _, id := range []string{"a", "b", "c"} {
		_ = s.Schedule(ctx, id, time.Now().Add(-time.Second))
	}
	if n, _ := s.Tick(ctx); n != 2 {
		t.Fatalf("expected 2 claims with concurrency 2, got %d", n)
	}
	if depth, _ := q.ScheduledDepth(ctx); depth != 1 {
		t.Fatalf("expected one job left, got %d", depth)
	}
}

// fakeLister returns a fixed listing; status overrides what GetTimer reports
// so a listing can be made stale.
type fakeLister struct {
	timers []models.Timer
	status map[string]models.Status
}

func (f fakeLister) ListActive(context.Context, int) ([]models.Timer, error) {
	return f.timers, nil
}

func (f fakeLister) GetTimer(_ context.Context, id string) (models.Timer, error) {
	for _, t := range f.timers {
		if t.ID != id {
			continue
		}
		t.Status = models.StatusActive
		if st, ok := f.status[id]; ok {
			t.Status = st
		}
		return t, nil
	}
	return models.Timer{}, store.ErrNotFound
}

func TestReconcileRestoresMissingJobs(t *testing.T) {
	ctx := context.Background()
	s, q := newTestScheduler(t, Options{})
	now := time.Now()

	_ = s.Schedule(ctx, "kept", now.Add(time.Hour))
	lister := fakeLister{timers: []models.Timer{
		{ID: "kept", ExpiresAt: now.Add(time.Hour)},
		{ID: "lost", ExpiresAt: now.Add(10 * time.Minute)},
	}}

	n, err := s.Reconcile(ctx, lister)
	if err != nil || n != 1 {
		t.Fatalf("reconcile: n=%d err=%v", n, err)
	}
	at, ok, _ := q.FireAt(ctx, "lost")
	if !ok || at.UnixMilli() != lister.timers[1].ExpiresAt.UnixMilli() {
		t.Fatalf("lost job not restored at expiry: %s ok=%v", at, ok)
	}

	if n, _ := s.Reconcile(ctx, lister); n != 0 {
		t.Fatalf("second reconcile should be a no-op, got %d", n)
	}
}

func TestReconcileWithdrawsJobForTimerThatLeftActive(t *testing.T) {
	ctx := context.Background()
	s, q := newTestScheduler(t, Options{})
	now := time.Now()

	// The listing was taken while both timers were ACTIVE; one was checked in
	// and one deleted before the reconcile pass reached them.
	lister := fakeLister{
		timers: []models.Timer{
			{ID: "checked-in", ExpiresAt: now.Add(time.Minute)},
			{ID: "still-active", ExpiresAt: now.Add(time.Minute)},
		},
		status: map[string]models.Status{"checked-in": models.StatusCheckedIn},
	}
	n, err := s.Reconcile(ctx, lister)
	if err != nil || n != 1 {
		t.Fatalf("reconcile: n=%d err=%v", n, err)
	}
	if pending, _ := q.Pending(ctx, "checked-in"); pending {
		t.Fatalf("checked-in timer must not be re-armed")
	}
	if pending, _ := q.Pending(ctx, "still-active"); !pending {
		t.Fatalf("active timer should be restored")
	}

	deleted := staleListing{listing: []models.Timer{{ID: "deleted", ExpiresAt: now.Add(time.Minute)}}}
	n, err = s.Reconcile(ctx, deleted)
	if err != nil || n != 0 {
		t.Fatalf("reconcile missing timer: n=%d err=%v", n, err)
	}
	if pending, _ := q.Pending(ctx, "deleted"); pending {
		t.Fatalf("missing timer must not be re-armed")
	}
}

// staleListing lists timers from one snapshot and looks them up in another.
type staleListing struct {
	listing []models.Timer
	source  fakeLister
}

func (s staleListing) ListActive(context.Context, int) ([]models.Timer, error) {
	return s.listing, nil
}

func (s staleListing) GetTimer(ctx context.Context, id string) (models.Timer, error) {
	return s.source.GetTimer(ctx, id)
}

func TestLeaseFollowsQueueVisibilityTimeout(t *testing.T) {
	s, q := newTestScheduler(t, Options{})
	if s.lease != q.VisibilityTimeout() || s.lease != time.Minute {
		t.Fatalf("lease = %s, queue visibility = %s", s.lease, q.VisibilityTimeout())
	}

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	def := New(queue.NewWithClient(client, queue.Options{}), Options{}, zerolog.Nop())
	if def.lease != 2*time.Minute {
		t.Fatalf("default lease = %s", def.lease)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _ := newTestScheduler(t, Options{PollInterval: 10 * time.Millisecond})
	fired := make(chan string, 1)
	s.OnFire(func(_ context.Context, id string) error {
		fired <- id
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Schedule(ctx, "t1", time.Now())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case id := <-fired:
		if id != "t1" {
			t.Fatalf("fired %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not fire")
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*time.Second || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if b := backoffWithJitter(base, max, 60); b < max/2 || b > max {
		t.Fatalf("backoff should be capped, got %s", b)
	}
}
