package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"safety-timer/internal/apperr"
	"safety-timer/internal/config"
	"safety-timer/internal/lifecycle"
	"safety-timer/internal/models"
	"safety-timer/internal/queue"
	"safety-timer/internal/ratelimit"
	"safety-timer/internal/scheduler"
	"safety-timer/internal/store"
)

func newTestServer(t *testing.T, capacity int) http.Handler {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.RunMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sched := scheduler.New(queue.NewWithClient(client, queue.Options{}), scheduler.Options{}, zerolog.Nop())
	svc := lifecycle.NewService(st, sched, lifecycle.Options{RequireHTTPS: true}, zerolog.Nop())
	limiter := ratelimit.NewTokenBucket(client, capacity, 0, time.Hour)
	cfg := config.Config{CORSAllowedOrigins: []string{"https://app.example.com"}}
	return New(cfg, svc, limiter, zerolog.Nop()).Router()
}

func do(t *testing.T, h http.Handler, method, path, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const createBody = `{"duration":1,"notify_emails":["ana@example.com","bo@example.com"],"notify_names":["Ana","Bo"]}`

func decodeTimer(t *testing.T, rec *httptest.ResponseRecorder) models.Timer {
	t.Helper()
	var tm models.Timer
	if err := json.Unmarshal(rec.Body.Bytes(), &tm); err != nil {
		t.Fatalf("decode timer: %v body=%s", err, rec.Body.String())
	}
	return tm
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error: %v body=%s", err, rec.Body.String())
	}
	return e
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, 10)
	rec := do(t, h, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}
}

func TestTimersRequireOwner(t *testing.T) {
	h := newTestServer(t, 10)
	rec := do(t, h, http.MethodGet, "/timers", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateCheckInFlow(t *testing.T) {
	h := newTestServer(t, 10)

	rec := do(t, h, http.MethodGet, "/timers", "u1", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "null" {
		t.Fatalf("expected null active timer, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/timers", "u1", createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	created := decodeTimer(t, rec)
	if created.Status != models.StatusActive || rec.Header().Get("Location") != "/timers/"+created.ID {
		t.Fatalf("unexpected create response %+v location=%s", created, rec.Header().Get("Location"))
	}

	rec = do(t, h, http.MethodPost, "/timers", "u1", createBody)
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != apperr.CodeConflict {
		t.Fatalf("expected conflict, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/timers", "u1", "")
	if active := decodeTimer(t, rec); active.ID != created.ID {
		t.Fatalf("active = %+v", active)
	}

	rec = do(t, h, http.MethodPost, "/timers/"+created.ID+"/checkin", "u2", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another owner, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/timers/"+created.ID+"/checkin", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("checkin: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(headerApplied) != "true" || rec.Header().Get(headerJobRemoved) != "true" {
		t.Fatalf("unexpected headers %v", rec.Header())
	}
	if got := decodeTimer(t, rec); got.Status != models.StatusCheckedIn || got.CheckedInAt == nil {
		t.Fatalf("unexpected snapshot %+v", got)
	}

	rec = do(t, h, http.MethodPost, "/timers/"+created.ID+"/cancel", "u1", "")
	if rec.Code != http.StatusOK || rec.Header().Get(headerApplied) != "false" {
		t.Fatalf("cancel after check-in should be a no-op: %d %v", rec.Code, rec.Header())
	}
	if got := decodeTimer(t, rec); got.Status != models.StatusCheckedIn {
		t.Fatalf("status changed to %s", got.Status)
	}

	rec = do(t, h, http.MethodGet, "/timers/"+created.ID+"/deliveries", "u1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"attempts":[]`) {
		t.Fatalf("deliveries: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateValidationError(t *testing.T) {
	h := newTestServer(t, 10)
	rec := do(t, h, http.MethodPost, "/timers", "u1", `{"duration":0,"notify_emails":["a@example.com"],"notify_names":["A"]}`)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != apperr.CodeValidation {
		t.Fatalf("expected validation error, got %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/timers", "u1", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rec.Code)
	}
}

func TestUnknownTimer(t *testing.T) {
	h := newTestServer(t, 10)
	rec := do(t, h, http.MethodGet, "/timers/nope", "u1", "")
	if rec.Code != http.StatusNotFound || decodeError(t, rec).Code != apperr.CodeNotFound {
		t.Fatalf("expected 404, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateRateLimited(t *testing.T) {
	h := newTestServer(t, 1)
	if rec := do(t, h, http.MethodPost, "/timers", "u1", createBody); rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/timers", "u1", createBody)
	if rec.Code != http.StatusTooManyRequests || decodeError(t, rec).Code != apperr.CodeRateLimited {
		t.Fatalf("expected 429, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/timers", "u2", createBody); rec.Code != http.StatusCreated {
		t.Fatalf("other owner should not be limited, got %d", rec.Code)
	}
}

func TestWebhookDebugAndTest(t *testing.T) {
	h := newTestServer(t, 10)
	rec := do(t, h, http.MethodGet, "/webhooks/debug", "u1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"recent_logs":[]`) {
		t.Fatalf("debug: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/webhooks/test", "u1", `{"webhook_url":"localhost:3000"}`)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), `"valid":false`) {
		t.Fatalf("invalid probe target: %d %s", rec.Code, rec.Body.String())
	}
}

func TestEcho(t *testing.T) {
	h := newTestServer(t, 10)
	rec := do(t, h, http.MethodPost, "/webhooks/echo", "", `{"timerId":"t1","userId":"u1","status":"ESCALATED","contacts":[]}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"success":true`) {
		t.Fatalf("echo: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/webhooks/echo", "", `nope`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, 10)
	req := httptest.NewRequest(http.MethodOptions, "/timers", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", OwnerHeader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow origin = %q (status %d)", got, rec.Code)
	}
}
