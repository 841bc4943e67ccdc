package models

import "time"

// Outcome of one escalation episode.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// WebhookPayload is the JSON body posted to a timer's webhook.
type WebhookPayload struct {
	TimerID     string    `json:"timerId"`
	UserID      string    `json:"userId"`
	Status      Status    `json:"status"`
	Duration    float64   `json:"duration"`
	ExpiresAt   time.Time `json:"expiresAt"`
	EscalatedAt time.Time `json:"escalatedAt"`
	Location    *Location `json:"location"`
	Contacts    []Contact `json:"contacts"`
}

// NewWebhookPayload builds the payload from a post-transition snapshot.
func NewWebhookPayload(t Timer) WebhookPayload {
	p := WebhookPayload{
		TimerID:   t.ID,
		UserID:    t.OwnerID,
		Status:    t.Status,
		Duration:  t.DurationMinutes(),
		ExpiresAt: t.ExpiresAt,
		Location:  t.Location,
		Contacts:  append([]Contact(nil), t.Contacts...),
	}
	if t.EscalatedAt != nil {
		p.EscalatedAt = *t.EscalatedAt
	}
	return p
}

// WebhookResult is what the delivery engine reports after its retry chain.
type WebhookResult struct {
	URL        string    `json:"url"`
	Success    bool      `json:"success"`
	Attempts   int       `json:"attempts"`
	HTTPStatus int       `json:"status"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ContactResult is the outcome of notifying one contact.
type ContactResult struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Sent  bool   `json:"sent"`
	Error string `json:"error,omitempty"`
}

// EscalationResult aggregates every channel of one escalation.
type EscalationResult struct {
	TimerID     string          `json:"timer_id"`
	OwnerID     string          `json:"owner_id"`
	Outcome     Outcome         `json:"outcome"`
	Webhook     *WebhookResult  `json:"webhook,omitempty"`
	Contacts    []ContactResult `json:"contacts"`
	EscalatedAt time.Time       `json:"escalated_at"`
}

// Informed reports whether at least one channel reached someone.
func (r EscalationResult) Informed() bool {
	if r.Webhook != nil && r.Webhook.Success {
		return true
	}
	for _, c := range r.Contacts {
		if c.Sent {
			return true
		}
	}
	return false
}
