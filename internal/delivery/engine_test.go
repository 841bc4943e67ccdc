package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"safety-timer/internal/models"
)

type memRecorder struct {
	mu       sync.Mutex
	attempts []models.DeliveryAttempt
	err      error
}

func (m *memRecorder) AppendDeliveryAttempt(_ context.Context, a models.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return m.err
}

func (m *memRecorder) list() []models.DeliveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.DeliveryAttempt(nil), m.attempts...)
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func newTestEngine(rec Recorder, sl *sleepLog, opts Options) *Engine {
	return NewEngine(rec, opts, zerolog.Nop(), WithSleep(sl.sleep))
}

func TestDeliverAlwaysFailingTargetMakesThreeAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "internal error")
	}))
	defer srv.Close()

	rec := &memRecorder{}
	sl := &sleepLog{}
	e := newTestEngine(rec, sl, Options{})

	res := e.Deliver(context.Background(), "t1", srv.URL, map[string]string{"timerId": "t1"})
	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Attempts != 3 || hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, result=%d hits=%d", res.Attempts, hits.Load())
	}
	if res.HTTPStatus != 500 || res.ErrorKind != models.ErrorKindRejected {
		t.Fatalf("final result should carry the third failure: %+v", res)
	}

	attempts := rec.list()
	if len(attempts) != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.AttemptNumber != i+1 || a.HTTPStatus != 500 || a.TimerID != "t1" || a.TargetURL != srv.URL {
			t.Fatalf("unexpected attempt %d: %+v", i, a)
		}
		if a.ResponseExcerpt != "internal error" {
			t.Fatalf("response excerpt = %q", a.ResponseExcerpt)
		}
	}

	if len(sl.delays) != 2 || sl.delays[0] != 2*time.Second || sl.delays[1] != 4*time.Second {
		t.Fatalf("expected backoff 2s then 4s, got %v", sl.delays)
	}
}

func TestDeliverSuccessSendsJSONWithUserAgent(t *testing.T) {
	var (
		gotUA, gotCT string
		gotBody      map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCT = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	sl := &sleepLog{}
	e := newTestEngine(rec, sl, Options{UserAgent: "test-agent"})

	res := e.Deliver(context.Background(), "t1", srv.URL, map[string]string{"timerId": "t1"})
	if !res.Success || res.Attempts != 1 || res.HTTPStatus != http.StatusAccepted {
		t.Fatalf("unexpected result %+v", res)
	}
	if gotUA != "test-agent" || gotCT != "application/json" {
		t.Fatalf("headers ua=%q ct=%q", gotUA, gotCT)
	}
	if gotBody["timerId"] != "t1" {
		t.Fatalf("body = %v", gotBody)
	}
	if len(sl.delays) != 0 {
		t.Fatalf("no backoff expected on success")
	}
	if attempts := rec.list(); len(attempts) != 1 || !attempts[0].Succeeded() {
		t.Fatalf("expected one successful attempt recorded, got %+v", attempts)
	}
}

func TestDeliverRecoversOnSecondAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	sl := &sleepLog{}
	res := newTestEngine(rec, sl, Options{}).Deliver(context.Background(), "t1", srv.URL, struct{}{})
	if !res.Success || res.Attempts != 2 || res.ErrorKind != models.ErrorKindNone {
		t.Fatalf("unexpected result %+v", res)
	}
	attempts := rec.list()
	if len(attempts) != 2 || attempts[0].HTTPStatus != 502 || attempts[1].HTTPStatus != 200 {
		t.Fatalf("both attempts should be kept: %+v", attempts)
	}
	if len(sl.delays) != 1 || sl.delays[0] != 2*time.Second {
		t.Fatalf("delays = %v", sl.delays)
	}
}

func TestDeliverUnreachableTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := srv.URL
	srv.Close()

	rec := &memRecorder{}
	res := newTestEngine(rec, &sleepLog{}, Options{}).Deliver(context.Background(), "t1", target, struct{}{})
	if res.Success || res.ErrorKind != models.ErrorKindUnreachable {
		t.Fatalf("expected unreachable, got %+v", res)
	}
	for _, a := range rec.list() {
		if a.HTTPStatus != 0 || a.ErrorMessage == "" {
			t.Fatalf("transport failures record status 0 and an error: %+v", a)
		}
	}
}

func TestDeliverTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	rec := &memRecorder{}
	e := newTestEngine(rec, &sleepLog{}, Options{Timeout: 50 * time.Millisecond, MaxAttempts: 1})
	res := e.Deliver(context.Background(), "t1", srv.URL, struct{}{})
	if res.Success || res.ErrorKind != models.ErrorKindTimeout || res.Attempts != 1 {
		t.Fatalf("expected one timed out attempt, got %+v", res)
	}
}

func TestDeliverInvalidURL(t *testing.T) {
	rec := &memRecorder{}
	res := newTestEngine(rec, &sleepLog{}, Options{}).Deliver(context.Background(), "t1", "ftp://example.com/hook", struct{}{})
	if res.Success || res.ErrorKind != models.ErrorKindInvalidURL {
		t.Fatalf("expected invalid_url, got %+v", res)
	}
	if len(rec.list()) != 3 {
		t.Fatalf("every attempt is recorded, got %d", len(rec.list()))
	}
}

func TestDeliverTruncatesExcerpt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, strings.Repeat("x", 5000))
	}))
	defer srv.Close()

	rec := &memRecorder{}
	res := newTestEngine(rec, &sleepLog{}, Options{}).Deliver(context.Background(), "t1", srv.URL, struct{}{})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if got := len(rec.list()[0].ResponseExcerpt); got != excerptLimit {
		t.Fatalf("excerpt length = %d", got)
	}
}

func TestDeliverSurvivesRecorderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &memRecorder{err: errors.New("db down")}
	res := newTestEngine(rec, &sleepLog{}, Options{}).Deliver(context.Background(), "t1", srv.URL, struct{}{})
	if !res.Success {
		t.Fatalf("recorder failure must not change the delivery result: %+v", res)
	}
}

func TestDeliverStopsWhenContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	rec := &memRecorder{}
	e := NewEngine(rec, Options{}, zerolog.Nop(), WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	res := e.Deliver(ctx, "t1", srv.URL, struct{}{})
	if res.Success || res.Attempts != 1 {
		t.Fatalf("expected to stop after first attempt, got %+v", res)
	}
	if len(rec.list()) != 1 {
		t.Fatalf("first attempt should still be recorded")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want models.ErrorKind
	}{
		{context.DeadlineExceeded, models.ErrorKindTimeout},
		{&net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}, models.ErrorKindDNS},
		{&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, models.ErrorKindUnreachable},
		{syscall.ECONNRESET, models.ErrorKindUnreachable},
		{errors.New("tls: handshake failure"), models.ErrorKindTransport},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Classify(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestValidateTarget(t *testing.T) {
	ok := []string{"https://hooks.example.com/x", "http://localhost:3000/api/webhook", "http://127.0.0.1:9000/h"}
	for _, u := range ok {
		if err := ValidateTarget(u, true); err != nil {
			t.Fatalf("%s: %v", u, err)
		}
	}
	bad := []string{"", "hooks.example.com", "ftp://example.com", "http://example.com/x", "https://user:pw@example.com", "https://"}
	for _, u := range bad {
		if err := ValidateTarget(u, true); err == nil {
			t.Fatalf("%q should be rejected", u)
		}
	}
	if err := ValidateTarget("http://example.com/x", false); err != nil {
		t.Fatalf("plain http allowed when https not required: %v", err)
	}
}

func TestProbeDoesNotRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	a := newTestEngine(rec, &sleepLog{}, Options{}).Probe(context.Background(), srv.URL, map[string]string{"status": "TEST"})
	if !a.Succeeded() || a.HTTPStatus != http.StatusNoContent {
		t.Fatalf("unexpected probe result %+v", a)
	}
	if len(rec.list()) != 0 {
		t.Fatalf("probe must not be recorded")
	}
}
