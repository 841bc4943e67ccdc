// Package escalation handles fired timer jobs: it claims the timer with a
// status compare-and-swap and notifies every channel.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"safety-timer/internal/models"
	"safety-timer/internal/notify"
	"safety-timer/internal/store"
	"safety-timer/internal/telemetry"
)

const channelEmail = "email"

// Store is the slice of the timer store the processor needs.
type Store interface {
	GetTimer(ctx context.Context, id string) (models.Timer, error)
	CompareAndUpdateStatus(ctx context.Context, id string, expected models.Status, change models.StatusChange) (models.Timer, bool, error)
	AppendNotification(ctx context.Context, n models.NotificationLog) error
}

// Webhook delivers the escalation payload. Implementations never fail the
// caller; the outcome is in the result.
type Webhook interface {
	Deliver(ctx context.Context, timerID, url string, payload any) models.WebhookResult
}

// Archiver keeps a copy of each escalation report.
type Archiver interface {
	Save(ctx context.Context, r models.EscalationResult) (string, error)
}

// Outcome describes what one fire did. Result is set only when this fire
// performed the escalation.
type Outcome struct {
	Skipped bool
	Reason  string
	Result  *models.EscalationResult
}

type Processor struct {
	store    Store
	webhook  Webhook
	email    notify.Sender
	archiver Archiver
	log      zerolog.Logger
	now      func() time.Time
}

type Option func(*Processor)

func WithArchiver(a Archiver) Option {
	return func(p *Processor) { p.archiver = a }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(st Store, webhook Webhook, email notify.Sender, log zerolog.Logger, opts ...Option) *Processor {
	p := &Processor{
		store:   st,
		webhook: webhook,
		email:   email,
		log:     log.With().Str("component", "escalation").Logger(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Handle adapts Fire to the scheduler's handler signature. Only store
// failures are returned, so the scheduler retries exactly those.
func (p *Processor) Handle(ctx context.Context, timerID string) error {
	_, err := p.Fire(ctx, timerID)
	return err
}

// Fire escalates timerID if it is still ACTIVE. Unknown timers, timers that
// already left ACTIVE, and lost races are skipped, which makes a replayed
// fire a no-op.
func (p *Processor) Fire(ctx context.Context, timerID string) (Outcome, error) {
	log := p.log.With().Str("timer_id", timerID).Logger()

	t, err := p.store.GetTimer(ctx, timerID)
	if errors.Is(err, store.ErrNotFound) {
		return p.skip(log, "not_found", "timer not found"), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load timer %s: %w", timerID, err)
	}
	if t.Status != models.StatusActive {
		return p.skip(log, "not_active", fmt.Sprintf("timer already %s", t.Status)), nil
	}

	change := models.StatusChange{To: models.StatusEscalated, At: p.now().UTC()}
	escalated, ok, err := p.store.CompareAndUpdateStatus(ctx, timerID, models.StatusActive, change)
	if errors.Is(err, store.ErrNotFound) {
		return p.skip(log, "not_found", "timer not found"), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("escalate timer %s: %w", timerID, err)
	}
	if !ok {
		return p.skip(log, "lost_race", fmt.Sprintf("timer already %s", escalated.Status)), nil
	}
	telemetry.TimerTransitions.WithLabelValues(string(models.StatusEscalated)).Inc()
	log.Info().Str("owner_id", escalated.OwnerID).Msg("timer escalated")

	// The transition is committed; notifications run to completion even if
	// the worker is shutting down.
	result := p.notify(context.WithoutCancel(ctx), escalated, log)

	telemetry.Escalations.WithLabelValues(string(result.Outcome)).Inc()
	ev := log.Info()
	if result.Outcome == models.OutcomeFailed {
		ev = log.Error()
	}
	ev.Str("outcome", string(result.Outcome)).Int("contacts", len(result.Contacts)).
		Bool("webhook", result.Webhook != nil).Msg("escalation finished")

	if p.archiver != nil {
		if loc, err := p.archiver.Save(context.WithoutCancel(ctx), result); err != nil {
			log.Warn().Err(err).Msg("archive escalation report failed")
		} else {
			log.Debug().Str("location", loc).Msg("escalation report archived")
		}
	}
	return Outcome{Result: &result}, nil
}

func (p *Processor) skip(log zerolog.Logger, metric, reason string) Outcome {
	telemetry.FiresSkipped.WithLabelValues(metric).Inc()
	log.Info().Str("reason", reason).Msg("fire skipped")
	return Outcome{Skipped: true, Reason: reason}
}

// notify runs the webhook and every contact email in parallel. Each channel
// records its own result; none can fail another.
func (p *Processor) notify(ctx context.Context, t models.Timer, log zerolog.Logger) models.EscalationResult {
	result := models.EscalationResult{
		TimerID:  t.ID,
		OwnerID:  t.OwnerID,
		Contacts: make([]models.ContactResult, len(t.Contacts)),
	}
	if t.EscalatedAt != nil {
		result.EscalatedAt = *t.EscalatedAt
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	if t.WebhookURL != "" && p.webhook != nil {
		g.Go(func() error {
			wr := p.webhook.Deliver(ctx, t.ID, t.WebhookURL, models.NewWebhookPayload(t))
			mu.Lock()
			result.Webhook = &wr
			mu.Unlock()
			return nil
		})
	}
	for i, c := range t.Contacts {
		g.Go(func() error {
			cr := p.emailContact(ctx, t, c, log)
			mu.Lock()
			result.Contacts[i] = cr
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result.Outcome = models.OutcomeFailed
	if result.Informed() {
		result.Outcome = models.OutcomeCompleted
	}
	return result
}

func (p *Processor) emailContact(ctx context.Context, t models.Timer, c models.Contact, log zerolog.Logger) models.ContactResult {
	cr := models.ContactResult{Name: c.Name, Email: c.Email}
	err := p.sendEmail(ctx, t, c)
	if err != nil {
		cr.Error = err.Error()
		telemetry.EmailsSent.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("email", c.Email).Msg("contact notification failed")
	} else {
		cr.Sent = true
		telemetry.EmailsSent.WithLabelValues("sent").Inc()
		log.Info().Str("email", c.Email).Msg("contact notified")
	}

	entry := models.NotificationLog{
		TimerID:   t.ID,
		Channel:   channelEmail,
		Recipient: c.Email,
		Name:      c.Name,
		Sent:      cr.Sent,
		Error:     cr.Error,
		CreatedAt: p.now().UTC(),
	}
	if err := p.store.AppendNotification(ctx, entry); err != nil {
		log.Error().Err(err).Str("email", c.Email).Msg("record notification failed")
	}
	return cr
}

func (p *Processor) sendEmail(ctx context.Context, t models.Timer, c models.Contact) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("email sender panic: %v", r)
		}
	}()
	if p.email == nil {
		return errors.New("no email sender configured")
	}
	subject, body, err := notify.RenderAlert(t, c)
	if err != nil {
		return err
	}
	return p.email.Send(ctx, c.Email, subject, body)
}
