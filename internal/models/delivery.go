package models

import "time"

// ErrorKind classifies why a webhook attempt failed.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindRejected    ErrorKind = "rejected"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindDNS         ErrorKind = "dns"
	ErrorKindUnreachable ErrorKind = "unreachable"
	ErrorKindInvalidURL  ErrorKind = "invalid_url"
	ErrorKindTransport   ErrorKind = "transport"
)

// DeliveryAttempt is one logged try at delivering the webhook notification.
// Rows are append-only.
type DeliveryAttempt struct {
	ID              string    `json:"id"`
	TimerID         string    `json:"timer_id"`
	AttemptNumber   int       `json:"attempt"`
	TargetURL       string    `json:"url"`
	HTTPStatus      int       `json:"status"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`
	ResponseExcerpt string    `json:"response,omitempty"`
	ErrorMessage    string    `json:"error,omitempty"`
	DurationMS      int64     `json:"duration_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

// Succeeded reports whether the attempt got a 2xx response.
func (a DeliveryAttempt) Succeeded() bool {
	return a.HTTPStatus >= 200 && a.HTTPStatus < 300
}

// NotificationLog records one per-contact notification on a non-webhook channel.
type NotificationLog struct {
	ID        string    `json:"id"`
	TimerID   string    `json:"timer_id"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Name      string    `json:"name"`
	Sent      bool      `json:"sent"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DeliveryStats aggregates webhook attempts for an owner's timers.
type DeliveryStats struct {
	Total       int64   `json:"total"`
	Successful  int64   `json:"successful"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}
