// Package lifecycle implements the caller-facing timer operations: arming a
// timer, checking in, cancelling, and reading state and delivery history.
package lifecycle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"safety-timer/internal/apperr"
	"safety-timer/internal/config"
	"safety-timer/internal/models"
	"safety-timer/internal/store"
	"safety-timer/internal/telemetry"
)

const (
	debugRecentLimit   = 20
	debugExcerptLength = 200
)

// Store is the slice of the timer store the service needs.
type Store interface {
	CreateTimer(ctx context.Context, t models.Timer) (models.Timer, error)
	GetTimer(ctx context.Context, id string) (models.Timer, error)
	ActiveTimer(ctx context.Context, ownerID string) (models.Timer, error)
	CompareAndUpdateStatus(ctx context.Context, id string, expected models.Status, change models.StatusChange) (models.Timer, bool, error)
	ListDeliveryAttempts(ctx context.Context, timerID string) ([]models.DeliveryAttempt, error)
	ListNotifications(ctx context.Context, timerID string) ([]models.NotificationLog, error)
	RecentDeliveryAttempts(ctx context.Context, ownerID string, limit int) ([]models.DeliveryAttempt, error)
	DeliveryStats(ctx context.Context, ownerID string) (models.DeliveryStats, error)
}

// Scheduler arms and disarms the fire job of a timer.
type Scheduler interface {
	Schedule(ctx context.Context, timerID string, fireAt time.Time) error
	Cancel(ctx context.Context, timerID string) bool
}

// Prober sends a one-off test request to a webhook.
type Prober interface {
	Probe(ctx context.Context, target string, payload any) models.DeliveryAttempt
}

type Options struct {
	MaxDuration  time.Duration
	RequireHTTPS bool
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{MaxDuration: cfg.MaxDuration, RequireHTTPS: cfg.WebhookRequireHTTPS}
}

// Transition is the result of a check-in or cancel. Applied is false when the
// timer had already left ACTIVE; Timer is then the unchanged current state.
type Transition struct {
	Timer      models.Timer `json:"timer"`
	Applied    bool         `json:"applied"`
	JobRemoved bool         `json:"job_removed"`
}

// Deliveries is the notification history of one timer.
type Deliveries struct {
	Attempts      []models.DeliveryAttempt `json:"attempts"`
	Notifications []models.NotificationLog `json:"notifications"`
}

// DebugReport summarises an owner's webhook traffic.
type DebugReport struct {
	Statistics models.DeliveryStats     `json:"statistics"`
	RecentLogs []models.DeliveryAttempt `json:"recent_logs"`
}

type Service struct {
	store  Store
	sched  Scheduler
	prober Prober
	opts   Options
	log    zerolog.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Service)

func WithProber(p Prober) Option {
	return func(s *Service) { s.prober = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

func NewService(st Store, sched Scheduler, opts Options, log zerolog.Logger, options ...Option) *Service {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 7 * 24 * time.Hour
	}
	s := &Service{
		store: st,
		sched: sched,
		opts:  opts,
		log:   log.With().Str("component", "lifecycle").Logger(),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Create validates in, persists a new ACTIVE timer and schedules its fire at
// expiry. If scheduling fails the timer is cancelled again so no ACTIVE timer
// exists without a job.
func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (models.Timer, error) {
	if ownerID == "" {
		return models.Timer{}, apperr.Validation("owner is required")
	}
	draft, err := in.timer(s.opts)
	if err != nil {
		return models.Timer{}, err
	}

	if _, err := s.store.ActiveTimer(ctx, ownerID); err == nil {
		return models.Timer{}, apperr.Conflict("you already have an active timer, check in or cancel it first")
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.Timer{}, apperr.Unavailable(err, "could not read timers")
	}

	draft.ID = s.newID()
	draft.OwnerID = ownerID
	draft.Status = models.StatusActive
	draft.CreatedAt = s.now().UTC()
	draft.ExpiresAt = draft.CreatedAt.Add(draft.Duration)

	created, err := s.store.CreateTimer(ctx, draft)
	if errors.Is(err, store.ErrActiveTimerExists) {
		return models.Timer{}, apperr.Conflict("you already have an active timer, check in or cancel it first")
	}
	if err != nil {
		return models.Timer{}, apperr.Unavailable(err, "could not save timer")
	}
	log := s.log.With().Str("timer_id", created.ID).Str("owner_id", ownerID).Logger()

	if err := s.sched.Schedule(ctx, created.ID, created.ExpiresAt); err != nil {
		change := models.StatusChange{To: models.StatusCancelled, At: s.now().UTC()}
		if _, _, cerr := s.store.CompareAndUpdateStatus(context.WithoutCancel(ctx), created.ID, models.StatusActive, change); cerr != nil {
			log.Error().Err(cerr).Msg("could not roll back unscheduled timer")
		}
		log.Error().Err(err).Msg("schedule fire failed, timer cancelled")
		return models.Timer{}, apperr.Unavailable(err, "could not schedule timer")
	}

	telemetry.TimersCreated.Inc()
	log.Info().Time("expires_at", created.ExpiresAt).Int("contacts", len(created.Contacts)).
		Bool("webhook", created.WebhookURL != "").Msg("timer armed")
	return created, nil
}

// CheckIn marks the timer CHECKED_IN if it is still ACTIVE.
func (s *Service) CheckIn(ctx context.Context, ownerID, timerID string) (Transition, error) {
	return s.transition(ctx, ownerID, timerID, models.StatusCheckedIn)
}

// Cancel marks the timer CANCELLED if it is still ACTIVE. Cancelling a timer
// that is already terminal returns its current state.
func (s *Service) Cancel(ctx context.Context, ownerID, timerID string) (Transition, error) {
	return s.transition(ctx, ownerID, timerID, models.StatusCancelled)
}

func (s *Service) transition(ctx context.Context, ownerID, timerID string, to models.Status) (Transition, error) {
	current, err := s.owned(ctx, ownerID, timerID)
	if err != nil {
		return Transition{}, err
	}
	log := s.log.With().Str("timer_id", timerID).Str("to", string(to)).Logger()
	if current.Status.Terminal() {
		log.Info().Str("status", string(current.Status)).Msg("transition skipped, timer not active")
		return Transition{Timer: current}, nil
	}

	updated, ok, err := s.store.CompareAndUpdateStatus(ctx, timerID, models.StatusActive, models.StatusChange{To: to, At: s.now().UTC()})
	if errors.Is(err, store.ErrNotFound) {
		return Transition{}, apperr.NotFound(timerID)
	}
	if err != nil {
		return Transition{}, apperr.Unavailable(err, "could not update timer")
	}
	if !ok {
		log.Info().Str("status", string(updated.Status)).Msg("transition lost race")
		return Transition{Timer: updated}, nil
	}

	removed := s.sched.Cancel(ctx, timerID)
	telemetry.TimerTransitions.WithLabelValues(string(to)).Inc()
	log.Info().Bool("job_removed", removed).Msg("timer transitioned")
	return Transition{Timer: updated, Applied: true, JobRemoved: removed}, nil
}

// Active returns the owner's ACTIVE timer, or nil when there is none.
func (s *Service) Active(ctx context.Context, ownerID string) (*models.Timer, error) {
	t, err := s.store.ActiveTimer(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Unavailable(err, "could not read timers")
	}
	return &t, nil
}

// Get returns one of the owner's timers in any state.
func (s *Service) Get(ctx context.Context, ownerID, timerID string) (models.Timer, error) {
	return s.owned(ctx, ownerID, timerID)
}

// Deliveries returns the webhook attempts and contact notifications of a timer.
func (s *Service) Deliveries(ctx context.Context, ownerID, timerID string) (Deliveries, error) {
	if _, err := s.owned(ctx, ownerID, timerID); err != nil {
		return Deliveries{}, err
	}
	attempts, err := s.store.ListDeliveryAttempts(ctx, timerID)
	if err != nil {
		return Deliveries{}, apperr.Unavailable(err, "could not read delivery attempts")
	}
	notes, err := s.store.ListNotifications(ctx, timerID)
	if err != nil {
		return Deliveries{}, apperr.Unavailable(err, "could not read notifications")
	}
	if attempts == nil {
		attempts = []models.DeliveryAttempt{}
	}
	if notes == nil {
		notes = []models.NotificationLog{}
	}
	return Deliveries{Attempts: attempts, Notifications: notes}, nil
}

// WebhookDebug reports delivery statistics and the latest attempts across the
// owner's timers.
func (s *Service) WebhookDebug(ctx context.Context, ownerID string) (DebugReport, error) {
	stats, err := s.store.DeliveryStats(ctx, ownerID)
	if err != nil {
		return DebugReport{}, apperr.Unavailable(err, "could not read delivery stats")
	}
	recent, err := s.store.RecentDeliveryAttempts(ctx, ownerID, debugRecentLimit)
	if err != nil {
		return DebugReport{}, apperr.Unavailable(err, "could not read delivery attempts")
	}
	for i := range recent {
		if len(recent[i].ResponseExcerpt) > debugExcerptLength {
			recent[i].ResponseExcerpt = strings.ToValidUTF8(recent[i].ResponseExcerpt[:debugExcerptLength], "")
		}
	}
	if recent == nil {
		recent = []models.DeliveryAttempt{}
	}
	return DebugReport{Statistics: stats, RecentLogs: recent}, nil
}

func (s *Service) owned(ctx context.Context, ownerID, timerID string) (models.Timer, error) {
	t, err := s.store.GetTimer(ctx, timerID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Timer{}, apperr.NotFound(timerID)
	}
	if err != nil {
		return models.Timer{}, apperr.Unavailable(err, "could not read timer")
	}
	if t.OwnerID != ownerID {
		return models.Timer{}, apperr.Forbidden()
	}
	return t, nil
}
