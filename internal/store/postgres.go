package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"safety-timer/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// RunMigrations executes the embedded SQL migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	scripts, err := migrationScripts("postgres")
	if err != nil {
		return err
	}
	for i, sql := range scripts {
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %d: %w", i+1, err)
		}
	}
	return nil
}

// CreateTimer inserts a new ACTIVE timer.
func (s *Postgres) CreateTimer(ctx context.Context, t models.Timer) (models.Timer, error) {
	t, err := prepareTimer(t)
	if err != nil {
		return models.Timer{}, err
	}
	contacts, err := encodeContacts(t.Contacts)
	if err != nil {
		return models.Timer{}, err
	}
	lat, lng, acc := locationColumns(t.Location)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO timers (id, owner_id, status, duration_ms, created_at, expires_at, contacts, webhook_url, latitude, longitude, accuracy, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $5)
	`, t.ID, t.OwnerID, string(t.Status), t.Duration.Milliseconds(), t.CreatedAt, t.ExpiresAt, contacts, t.WebhookURL, lat, lng, acc)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Timer{}, ErrActiveTimerExists
		}
		return models.Timer{}, fmt.Errorf("insert timer: %w", err)
	}
	return t, nil
}

// GetTimer fetches a timer by id.
func (s *Postgres) GetTimer(ctx context.Context, id string) (models.Timer, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+timerColumns+` FROM timers WHERE id = $1`, id)
	return scanPgTimer(row)
}

// ActiveTimer returns the owner's current ACTIVE timer.
func (s *Postgres) ActiveTimer(ctx context.Context, ownerID string) (models.Timer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+timerColumns+` FROM timers
		WHERE owner_id = $1 AND status = $2
		ORDER BY created_at DESC LIMIT 1
	`, ownerID, string(models.StatusActive))
	return scanPgTimer(row)
}

// ListActive returns ACTIVE timers ordered by expiry.
func (s *Postgres) ListActive(ctx context.Context, limit int) ([]models.Timer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+timerColumns+` FROM timers
		WHERE status = $1
		ORDER BY expires_at ASC LIMIT $2
	`, string(models.StatusActive), limit)
	if err != nil {
		return nil, fmt.Errorf("query active timers: %w", err)
	}
	defer rows.Close()

	var out []models.Timer
	for rows.Next() {
		t, err := scanPgTimer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CompareAndUpdateStatus applies change only while the row still has the
// expected status. The losing caller gets the current row and false.
func (s *Postgres) CompareAndUpdateStatus(ctx context.Context, id string, expected models.Status, change models.StatusChange) (models.Timer, bool, error) {
	if err := validateChange(expected, change); err != nil {
		return models.Timer{}, false, err
	}
	col, _ := timestampColumn(change.To)
	at := change.At
	if at.IsZero() {
		at = time.Now()
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE timers SET status = $3, %s = $4, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+timerColumns, col), id, string(expected), string(change.To), at.UTC())
	t, err := scanPgTimer(row)
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Timer{}, false, fmt.Errorf("update timer status: %w", err)
	}
	current, err := s.GetTimer(ctx, id)
	if err != nil {
		return models.Timer{}, false, err
	}
	return current, false, nil
}

// AppendDeliveryAttempt adds an immutable webhook attempt row.
func (s *Postgres) AppendDeliveryAttempt(ctx context.Context, a models.DeliveryAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.TimerID, a.AttemptNumber, a.TargetURL, a.HTTPStatus, string(a.ErrorKind), a.ResponseExcerpt, a.ErrorMessage, a.DurationMS, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

// ListDeliveryAttempts returns a timer's attempts in attempt order.
func (s *Postgres) ListDeliveryAttempts(ctx context.Context, timerID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts
		WHERE timer_id = $1 ORDER BY attempt ASC, created_at ASC
	`, timerID)
	if err != nil {
		return nil, fmt.Errorf("query delivery attempts: %w", err)
	}
	return collectPgAttempts(rows)
}

// RecentDeliveryAttempts returns the newest attempts across an owner's timers.
func (s *Postgres) RecentDeliveryAttempts(ctx context.Context, ownerID string, limit int) ([]models.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.timer_id, a.attempt, a.target_url, a.http_status, a.error_kind, a.response_excerpt, a.error_message, a.duration_ms, a.created_at
		FROM delivery_attempts a JOIN timers t ON t.id = a.timer_id
		WHERE t.owner_id = $1
		ORDER BY a.created_at DESC, a.attempt DESC LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent attempts: %w", err)
	}
	return collectPgAttempts(rows)
}

// DeliveryStats counts webhook attempts for an owner's timers.
func (s *Postgres) DeliveryStats(ctx context.Context, ownerID string) (models.DeliveryStats, error) {
	var total, ok int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN a.http_status BETWEEN 200 AND 299 THEN 1 ELSE 0 END), 0)
		FROM delivery_attempts a JOIN timers t ON t.id = a.timer_id
		WHERE t.owner_id = $1
	`, ownerID).Scan(&total, &ok)
	if err != nil {
		return models.DeliveryStats{}, fmt.Errorf("count delivery attempts: %w", err)
	}
	return newStats(total, ok), nil
}

// AppendNotification records a per-contact notification result.
func (s *Postgres) AppendNotification(ctx context.Context, n models.NotificationLog) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_logs (id, timer_id, channel, recipient, name, sent, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.ID, n.TimerID, n.Channel, n.Recipient, n.Name, n.Sent, n.Error, n.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert notification log: %w", err)
	}
	return nil
}

// ListNotifications returns a timer's notification rows oldest first.
func (s *Postgres) ListNotifications(ctx context.Context, timerID string) ([]models.NotificationLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, timer_id, channel, recipient, name, sent, error, created_at
		FROM notification_logs WHERE timer_id = $1 ORDER BY created_at ASC
	`, timerID)
	if err != nil {
		return nil, fmt.Errorf("query notification logs: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationLog
	for rows.Next() {
		var n models.NotificationLog
		if err := rows.Scan(&n.ID, &n.TimerID, &n.Channel, &n.Recipient, &n.Name, &n.Sent, &n.Error, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification log: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanPgTimer(row pgx.Row) (models.Timer, error) {
	var (
		t          models.Timer
		status     string
		durationMS int64
		contacts   []byte
		lat, lng   *float64
		acc        *float64
	)
	err := row.Scan(&t.ID, &t.OwnerID, &status, &durationMS, &t.CreatedAt, &t.ExpiresAt,
		&t.CheckedInAt, &t.CancelledAt, &t.EscalatedAt, &contacts, &t.WebhookURL, &lat, &lng, &acc, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Timer{}, ErrNotFound
		}
		return models.Timer{}, fmt.Errorf("scan timer: %w", err)
	}
	if t.Status, err = models.ParseStatus(status); err != nil {
		return models.Timer{}, fmt.Errorf("timer %s: %w", t.ID, err)
	}
	t.Duration = time.Duration(durationMS) * time.Millisecond
	t.Location = locationFromColumns(lat, lng, acc)
	if t.Contacts, err = decodeContacts(contacts); err != nil {
		return models.Timer{}, err
	}
	return t, nil
}

func collectPgAttempts(rows pgx.Rows) ([]models.DeliveryAttempt, error) {
	defer rows.Close()
	var out []models.DeliveryAttempt
	for rows.Next() {
		var (
			a    models.DeliveryAttempt
			kind string
		)
		if err := rows.Scan(&a.ID, &a.TimerID, &a.AttemptNumber, &a.TargetURL, &a.HTTPStatus, &kind,
			&a.ResponseExcerpt, &a.ErrorMessage, &a.DurationMS, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		a.ErrorKind = models.ErrorKind(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}

var _ Backend = (*Postgres)(nil)
