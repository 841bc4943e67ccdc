package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"safety-timer/internal/apperr"
	"safety-timer/internal/config"
	"safety-timer/internal/lifecycle"
	"safety-timer/internal/models"
	"safety-timer/internal/telemetry"
)

// Timers is the lifecycle surface the HTTP layer exposes.
type Timers interface {
	Create(ctx context.Context, ownerID string, in lifecycle.CreateInput) (models.Timer, error)
	CheckIn(ctx context.Context, ownerID, timerID string) (lifecycle.Transition, error)
	Cancel(ctx context.Context, ownerID, timerID string) (lifecycle.Transition, error)
	Active(ctx context.Context, ownerID string) (*models.Timer, error)
	Get(ctx context.Context, ownerID, timerID string) (models.Timer, error)
	Deliveries(ctx context.Context, ownerID, timerID string) (lifecycle.Deliveries, error)
	WebhookDebug(ctx context.Context, ownerID string) (lifecycle.DebugReport, error)
	TestWebhook(ctx context.Context, ownerID, target string) (lifecycle.ProbeReport, error)
}

// Limiter throttles timer creation per owner.
type Limiter interface {
	AllowOwner(ctx context.Context, ownerID string) (bool, float64, error)
}

// Server wires HTTP handlers for the lifecycle API.
type Server struct {
	cfg     config.Config
	timers  Timers
	limiter Limiter
	log     zerolog.Logger
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(cfg config.Config, timers Timers, limiter Limiter, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		timers:  timers,
		limiter: limiter,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.accessLog)
	r.Use(chimw.Recoverer)
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		r.Use(corsHandler(s.cfg.CORSAllowedOrigins))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/echo", s.handleEcho)

	r.Group(func(r chi.Router) {
		r.Use(requireOwner)

		r.Route("/timers", func(r chi.Router) {
			r.Post("/", s.handleCreate)
			r.Get("/", s.handleActive)
			r.Get("/{id}", s.handleGet)
			r.Post("/{id}/checkin", s.handleCheckIn)
			r.Post("/{id}/cancel", s.handleCancel)
			r.Get("/{id}/deliveries", s.handleDeliveries)
		})

		r.Get("/webhooks/debug", s.handleWebhookDebug)
		r.Post("/webhooks/test", s.handleWebhookTest)
	})
	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := apperr.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", chimw.GetReqID(r.Context())).
			Str("path", r.URL.Path).Msg("request failed")
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
