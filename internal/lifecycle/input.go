package lifecycle

import (
	"fmt"
	"math"
	"net/mail"
	"strings"
	"time"

	"safety-timer/internal/apperr"
	"safety-timer/internal/delivery"
	"safety-timer/internal/models"
)

// CreateInput is the request to arm a timer. Duration is in minutes and may
// be fractional. Contact names and emails pair up by index.
type CreateInput struct {
	Duration     float64  `json:"duration"`
	NotifyEmails []string `json:"notify_emails"`
	NotifyNames  []string `json:"notify_names"`
	WebhookURL   string   `json:"webhook_url,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	Accuracy     *float64 `json:"accuracy,omitempty"`
}

func (in CreateInput) timer(opts Options) (models.Timer, error) {
	if math.IsNaN(in.Duration) || math.IsInf(in.Duration, 0) || in.Duration <= 0 {
		return models.Timer{}, apperr.Validation("duration must be a positive number of minutes")
	}
	if in.Duration > opts.MaxDuration.Minutes() {
		return models.Timer{}, apperr.Validation(fmt.Sprintf("duration must not exceed %g minutes", opts.MaxDuration.Minutes()))
	}
	duration := time.Duration(in.Duration * float64(time.Minute))
	if duration < time.Millisecond {
		return models.Timer{}, apperr.Validation("duration is too short")
	}

	contacts, err := pairContacts(in.NotifyNames, in.NotifyEmails)
	if err != nil {
		return models.Timer{}, err
	}

	webhook := strings.TrimSpace(in.WebhookURL)
	if webhook != "" {
		if err := delivery.ValidateTarget(webhook, opts.RequireHTTPS); err != nil {
			return models.Timer{}, apperr.Validation(err.Error())
		}
	}

	loc, err := location(in.Latitude, in.Longitude, in.Accuracy)
	if err != nil {
		return models.Timer{}, err
	}

	return models.Timer{
		Duration:   duration.Round(time.Millisecond),
		Contacts:   contacts,
		WebhookURL: webhook,
		Location:   loc,
	}, nil
}

func pairContacts(names, emails []string) ([]models.Contact, error) {
	if len(emails) == 0 || len(names) == 0 {
		return nil, apperr.Validation("duration, emails, and names are required")
	}
	if len(names) != len(emails) {
		return nil, apperr.Validation("notify_names and notify_emails must have the same length")
	}
	contacts := make([]models.Contact, 0, len(emails))
	for i, raw := range emails {
		email := strings.TrimSpace(raw)
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email {
			return nil, apperr.Validation(fmt.Sprintf("contact %d has an invalid email address", i+1))
		}
		contacts = append(contacts, models.Contact{Name: strings.TrimSpace(names[i]), Email: email})
	}
	return contacts, nil
}

func location(lat, lng, acc *float64) (*models.Location, error) {
	if lat == nil && lng == nil {
		return nil, nil
	}
	if lat == nil || lng == nil {
		return nil, apperr.Validation("latitude and longitude must be given together")
	}
	if *lat < -90 || *lat > 90 || math.IsNaN(*lat) {
		return nil, apperr.Validation("latitude must be between -90 and 90")
	}
	if *lng < -180 || *lng > 180 || math.IsNaN(*lng) {
		return nil, apperr.Validation("longitude must be between -180 and 180")
	}
	if acc != nil && (*acc < 0 || math.IsNaN(*acc)) {
		return nil, apperr.Validation("accuracy must not be negative")
	}
	return &models.Location{Latitude: *lat, Longitude: *lng, Accuracy: acc}, nil
}
