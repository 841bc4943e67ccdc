package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sort"
	"strings"
	"time"

	"safety-timer/internal/models"
)

var (
	ErrNotFound          = errors.New("timer not found")
	ErrActiveTimerExists = errors.New("owner already has an active timer")
	ErrInvalidTransition = errors.New("invalid status transition")
)

//go:embed migrations
var migrationFiles embed.FS

// Backend is the full persistence surface. Consumers depend on narrower
// interfaces of their own.
type Backend interface {
	CreateTimer(ctx context.Context, t models.Timer) (models.Timer, error)
	GetTimer(ctx context.Context, id string) (models.Timer, error)
	ActiveTimer(ctx context.Context, ownerID string) (models.Timer, error)
	ListActive(ctx context.Context, limit int) ([]models.Timer, error)
	CompareAndUpdateStatus(ctx context.Context, id string, expected models.Status, change models.StatusChange) (models.Timer, bool, error)
	AppendDeliveryAttempt(ctx context.Context, a models.DeliveryAttempt) error
	ListDeliveryAttempts(ctx context.Context, timerID string) ([]models.DeliveryAttempt, error)
	RecentDeliveryAttempts(ctx context.Context, ownerID string, limit int) ([]models.DeliveryAttempt, error)
	DeliveryStats(ctx context.Context, ownerID string) (models.DeliveryStats, error)
	AppendNotification(ctx context.Context, n models.NotificationLog) error
	ListNotifications(ctx context.Context, timerID string) ([]models.NotificationLog, error)
	RunMigrations(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver      string
	PostgresDSN string
	SQLitePath  string
}

// Open connects to the configured backend and applies migrations.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "postgres", "postgresql":
		b, err = New(ctx, cfg.PostgresDSN)
	case "sqlite", "sqlite3":
		b, err = OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := b.RunMigrations(ctx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return b, nil
}

// migrationScripts returns the embedded SQL for one dialect in file order.
func migrationScripts(dialect string) ([]string, error) {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(migrationFiles, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	scripts := make([]string, 0, len(names))
	for _, name := range names {
		content, err := migrationFiles.ReadFile(dir + "/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		if sql := strings.TrimSpace(string(content)); sql != "" {
			scripts = append(scripts, sql)
		}
	}
	return scripts, nil
}

const timerColumns = `id, owner_id, status, duration_ms, created_at, expires_at, checked_in_at, cancelled_at, escalated_at, contacts, webhook_url, latitude, longitude, accuracy, updated_at`

const attemptColumns = `id, timer_id, attempt, target_url, http_status, error_kind, response_excerpt, error_message, duration_ms, created_at`

// timestampColumn is the column a transition into s stamps.
func timestampColumn(s models.Status) (string, error) {
	switch s {
	case models.StatusCheckedIn:
		return "checked_in_at", nil
	case models.StatusCancelled:
		return "cancelled_at", nil
	case models.StatusEscalated:
		return "escalated_at", nil
	}
	return "", fmt.Errorf("%w: to %q", ErrInvalidTransition, s)
}

func validateChange(expected models.Status, change models.StatusChange) error {
	if expected != models.StatusActive {
		return fmt.Errorf("%w: from %q", ErrInvalidTransition, expected)
	}
	if !change.To.Terminal() {
		return fmt.Errorf("%w: to %q", ErrInvalidTransition, change.To)
	}
	_, err := timestampColumn(change.To)
	return err
}

func encodeContacts(contacts []models.Contact) ([]byte, error) {
	if contacts == nil {
		contacts = []models.Contact{}
	}
	b, err := json.Marshal(contacts)
	if err != nil {
		return nil, fmt.Errorf("marshal contacts: %w", err)
	}
	return b, nil
}

func decodeContacts(raw []byte) ([]models.Contact, error) {
	var contacts []models.Contact
	if len(raw) == 0 {
		return contacts, nil
	}
	if err := json.Unmarshal(raw, &contacts); err != nil {
		return nil, fmt.Errorf("unmarshal contacts: %w", err)
	}
	return contacts, nil
}

func locationFromColumns(lat, lng, acc *float64) *models.Location {
	if lat == nil || lng == nil {
		return nil
	}
	return &models.Location{Latitude: *lat, Longitude: *lng, Accuracy: acc}
}

func locationColumns(loc *models.Location) (lat, lng, acc *float64) {
	if loc == nil {
		return nil, nil, nil
	}
	la, lo := loc.Latitude, loc.Longitude
	return &la, &lo, loc.Accuracy
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

func newStats(total, successful int64) models.DeliveryStats {
	st := models.DeliveryStats{Total: total, Successful: successful, Failed: total - successful}
	if total > 0 {
		st.SuccessRate = math.Round(float64(successful)/float64(total)*1000) / 10
	}
	return st
}

// prepareTimer fills defaults a freshly armed timer needs before insert.
func prepareTimer(t models.Timer) (models.Timer, error) {
	if t.ID == "" {
		return t, errors.New("timer id is required")
	}
	if t.OwnerID == "" {
		return t, errors.New("owner id is required")
	}
	if t.Duration <= 0 {
		return t, errors.New("duration must be positive")
	}
	if t.Status == "" {
		t.Status = models.StatusActive
	}
	if t.Status != models.StatusActive {
		return t, fmt.Errorf("new timers must be %s, got %s", models.StatusActive, t.Status)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if t.ExpiresAt.IsZero() {
		t.ExpiresAt = t.CreatedAt.Add(t.Duration)
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.UpdatedAt = t.CreatedAt
	t.CheckedInAt, t.CancelledAt, t.EscalatedAt = nil, nil, nil
	return t, nil
}
