package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"safety-timer/internal/models"
)

// SQLite is a single-node store used for local runs and tests.
// Timestamps are stored as unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and creates) the database file at path.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers; the conditional UPDATE stays atomic either way.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) RunMigrations(ctx context.Context) error {
	scripts, err := migrationScripts("sqlite")
	if err != nil {
		return err
	}
	for i, script := range scripts {
		if _, err := s.db.ExecContext(ctx, script); err != nil {
			return fmt.Errorf("exec migration %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *SQLite) CreateTimer(ctx context.Context, t models.Timer) (models.Timer, error) {
	t, err := prepareTimer(t)
	if err != nil {
		return models.Timer{}, err
	}
	contacts, err := encodeContacts(t.Contacts)
	if err != nil {
		return models.Timer{}, err
	}
	lat, lng, acc := locationColumns(t.Location)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO timers (id, owner_id, status, duration_ms, created_at, expires_at, contacts, webhook_url, latitude, longitude, accuracy, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.OwnerID, string(t.Status), t.Duration.Milliseconds(), t.CreatedAt.UnixMilli(), t.ExpiresAt.UnixMilli(),
		string(contacts), t.WebhookURL, lat, lng, acc, t.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return models.Timer{}, ErrActiveTimerExists
		}
		return models.Timer{}, fmt.Errorf("insert timer: %w", err)
	}
	return s.GetTimer(ctx, t.ID)
}

func (s *SQLite) GetTimer(ctx context.Context, id string) (models.Timer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+timerColumns+` FROM timers WHERE id = ?`, id)
	return scanSQLiteTimer(row)
}

func (s *SQLite) ActiveTimer(ctx context.Context, ownerID string) (models.Timer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+timerColumns+` FROM timers
		WHERE owner_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1
	`, ownerID, string(models.StatusActive))
	return scanSQLiteTimer(row)
}

func (s *SQLite) ListActive(ctx context.Context, limit int) ([]models.Timer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+timerColumns+` FROM timers
		WHERE status = ?
		ORDER BY expires_at ASC LIMIT ?
	`, string(models.StatusActive), limit)
	if err != nil {
		return nil, fmt.Errorf("query active timers: %w", err)
	}
	defer rows.Close()

	var out []models.Timer
	for rows.Next() {
		t, err := scanSQLiteTimer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) CompareAndUpdateStatus(ctx context.Context, id string, expected models.Status, change models.StatusChange) (models.Timer, bool, error) {
	if err := validateChange(expected, change); err != nil {
		return models.Timer{}, false, err
	}
	col, _ := timestampColumn(change.To)
	at := change.At
	if at.IsZero() {
		at = time.Now()
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE timers SET status = ?, %s = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, col), string(change.To), at.UnixMilli(), at.UnixMilli(), id, string(expected))
	if err != nil {
		return models.Timer{}, false, fmt.Errorf("update timer status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Timer{}, false, fmt.Errorf("update timer status: %w", err)
	}
	// Terminal rows never change again, so this read is the post-update snapshot.
	t, err := s.GetTimer(ctx, id)
	if err != nil {
		return models.Timer{}, false, err
	}
	return t, n == 1, nil
}

func (s *SQLite) AppendDeliveryAttempt(ctx context.Context, a models.DeliveryAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.TimerID, a.AttemptNumber, a.TargetURL, a.HTTPStatus, string(a.ErrorKind), a.ResponseExcerpt, a.ErrorMessage, a.DurationMS, a.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

func (s *SQLite) ListDeliveryAttempts(ctx context.Context, timerID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts
		WHERE timer_id = ? ORDER BY attempt ASC, created_at ASC
	`, timerID)
	if err != nil {
		return nil, fmt.Errorf("query delivery attempts: %w", err)
	}
	return collectSQLiteAttempts(rows)
}

func (s *SQLite) RecentDeliveryAttempts(ctx context.Context, ownerID string, limit int) ([]models.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.timer_id, a.attempt, a.target_url, a.http_status, a.error_kind, a.response_excerpt, a.error_message, a.duration_ms, a.created_at
		FROM delivery_attempts a JOIN timers t ON t.id = a.timer_id
		WHERE t.owner_id = ?
		ORDER BY a.created_at DESC, a.attempt DESC LIMIT ?
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent attempts: %w", err)
	}
	return collectSQLiteAttempts(rows)
}

func (s *SQLite) DeliveryStats(ctx context.Context, ownerID string) (models.DeliveryStats, error) {
	var total, ok int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN a.http_status BETWEEN 200 AND 299 THEN 1 ELSE 0 END), 0)
		FROM delivery_attempts a JOIN timers t ON t.id = a.timer_id
		WHERE t.owner_id = ?
	`, ownerID).Scan(&total, &ok)
	if err != nil {
		return models.DeliveryStats{}, fmt.Errorf("count delivery attempts: %w", err)
	}
	return newStats(total, ok), nil
}

func (s *SQLite) AppendNotification(ctx context.Context, n models.NotificationLog) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_logs (id, timer_id, channel, recipient, name, sent, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.TimerID, n.Channel, n.Recipient, n.Name, n.Sent, n.Error, n.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert notification log: %w", err)
	}
	return nil
}

func (s *SQLite) ListNotifications(ctx context.Context, timerID string) ([]models.NotificationLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timer_id, channel, recipient, name, sent, error, created_at
		FROM notification_logs WHERE timer_id = ? ORDER BY created_at ASC, recipient ASC
	`, timerID)
	if err != nil {
		return nil, fmt.Errorf("query notification logs: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationLog
	for rows.Next() {
		var (
			n       models.NotificationLog
			created int64
		)
		if err := rows.Scan(&n.ID, &n.TimerID, &n.Channel, &n.Recipient, &n.Name, &n.Sent, &n.Error, &created); err != nil {
			return nil, fmt.Errorf("scan notification log: %w", err)
		}
		n.CreatedAt = fromMillis(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTimer(row rowScanner) (models.Timer, error) {
	var (
		t                               models.Timer
		status, contacts                string
		durationMS, created, expires    int64
		updated                         int64
		checkedIn, cancelled, escalated sql.NullInt64
		lat, lng, acc                   sql.NullFloat64
	)
	err := row.Scan(&t.ID, &t.OwnerID, &status, &durationMS, &created, &expires,
		&checkedIn, &cancelled, &escalated, &contacts, &t.WebhookURL, &lat, &lng, &acc, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Timer{}, ErrNotFound
		}
		return models.Timer{}, fmt.Errorf("scan timer: %w", err)
	}
	if t.Status, err = models.ParseStatus(status); err != nil {
		return models.Timer{}, fmt.Errorf("timer %s: %w", t.ID, err)
	}
	t.Duration = time.Duration(durationMS) * time.Millisecond
	t.CreatedAt = fromMillis(created)
	t.ExpiresAt = fromMillis(expires)
	t.UpdatedAt = fromMillis(updated)
	t.CheckedInAt = nullMillis(checkedIn)
	t.CancelledAt = nullMillis(cancelled)
	t.EscalatedAt = nullMillis(escalated)
	t.Location = locationFromColumns(nullFloat(lat), nullFloat(lng), nullFloat(acc))
	if t.Contacts, err = decodeContacts([]byte(contacts)); err != nil {
		return models.Timer{}, err
	}
	return t, nil
}

func collectSQLiteAttempts(rows *sql.Rows) ([]models.DeliveryAttempt, error) {
	defer rows.Close()
	var out []models.DeliveryAttempt
	for rows.Next() {
		var (
			a       models.DeliveryAttempt
			kind    string
			created int64
		)
		if err := rows.Scan(&a.ID, &a.TimerID, &a.AttemptNumber, &a.TargetURL, &a.HTTPStatus, &kind,
			&a.ResponseExcerpt, &a.ErrorMessage, &a.DurationMS, &created); err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		a.ErrorKind = models.ErrorKind(kind)
		a.CreatedAt = fromMillis(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

var _ Backend = (*SQLite)(nil)
