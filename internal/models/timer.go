package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status enumerates timer lifecycle states persisted in the store.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCheckedIn Status = "CHECKED_IN"
	StatusCancelled Status = "CANCELLED"
	StatusEscalated Status = "ESCALATED"
)

// Terminal reports whether no transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCheckedIn, StatusCancelled, StatusEscalated:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	return s == StatusActive || s.Terminal()
}

// ParseStatus accepts any casing of a known status.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown timer status %q", v)
	}
	return s, nil
}

// Contact is one emergency contact. Order in Timer.Contacts is significant.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Location is the optional position snapshot taken when the timer was armed.
type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// Timer represents an armed countdown persisted in the store.
type Timer struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"owner_id"`
	Status      Status        `json:"status"`
	Duration    time.Duration `json:"-"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	CheckedInAt *time.Time    `json:"checked_in_at,omitempty"`
	CancelledAt *time.Time    `json:"cancelled_at,omitempty"`
	EscalatedAt *time.Time    `json:"escalated_at,omitempty"`
	Contacts    []Contact     `json:"contacts"`
	WebhookURL  string        `json:"webhook_url,omitempty"`
	Location    *Location     `json:"location,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// DurationMinutes is the armed duration as the API exposes it.
func (t Timer) DurationMinutes() float64 {
	return t.Duration.Minutes()
}

func (t Timer) MarshalJSON() ([]byte, error) {
	type alias Timer
	return json.Marshal(struct {
		alias
		DurationMinutes float64 `json:"duration_minutes"`
	}{alias: alias(t), DurationMinutes: t.DurationMinutes()})
}

// StatusChange is the only mutation a timer accepts after creation.
// The store sets the timestamp column that belongs to To.
type StatusChange struct {
	To Status
	At time.Time
}
