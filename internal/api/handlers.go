package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"safety-timer/internal/apperr"
	"safety-timer/internal/lifecycle"
	"safety-timer/internal/models"
	"safety-timer/internal/telemetry"
)

const (
	headerApplied    = "X-Transition-Applied"
	headerJobRemoved = "X-Job-Removed"

	maxBodyBytes = 64 << 10
)

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("invalid json body")
	}
	return nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	var in lifecycle.CreateInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowOwner(r.Context(), owner)
		if err != nil {
			s.writeError(w, r, apperr.Unavailable(err, "rate limiter unavailable"))
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			s.writeError(w, r, apperr.RateLimited())
			return
		}
	}

	t, err := s.timers.Create(r.Context(), owner, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/timers/"+t.ID)
	writeJSON(w, http.StatusCreated, t)
}

// handleActive answers with the caller's active timer or JSON null.
func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	t, err := s.timers.Active(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.timers.Get(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	tr, err := s.timers.CheckIn(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	s.writeTransition(w, r, tr, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	tr, err := s.timers.Cancel(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	s.writeTransition(w, r, tr, err)
}

// writeTransition returns the timer snapshot in every case; whether this call
// moved the timer is carried in headers.
func (s *Server) writeTransition(w http.ResponseWriter, r *http.Request, tr lifecycle.Transition, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set(headerApplied, strconv.FormatBool(tr.Applied))
	w.Header().Set(headerJobRemoved, strconv.FormatBool(tr.JobRemoved))
	writeJSON(w, http.StatusOK, tr.Timer)
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	d, err := s.timers.Deliveries(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleWebhookDebug(w http.ResponseWriter, r *http.Request) {
	report, err := s.timers.WebhookDebug(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type webhookTestRequest struct {
	WebhookURL string `json:"webhook_url"`
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	var req webhookTestRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.timers.TestWebhook(r.Context(), ownerFrom(r.Context()), req.WebhookURL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.Valid {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, report)
}

type echoResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// handleEcho is a local webhook receiver for trying out escalations.
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	var p models.WebhookPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error(), Code: apperr.CodeValidation})
		return
	}
	s.log.Info().
		Str("timer_id", p.TimerID).
		Str("user_id", p.UserID).
		Str("status", string(p.Status)).
		Float64("duration", p.Duration).
		Bool("has_location", p.Location != nil).
		Int("contacts", len(p.Contacts)).
		Str("user_agent", r.UserAgent()).
		Msg("webhook received")
	writeJSON(w, http.StatusOK, echoResponse{Success: true, Message: "Webhook received successfully", Timestamp: time.Now().UTC()})
}
