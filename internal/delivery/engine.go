// Package delivery posts escalation payloads to webhooks with a bounded
// retry chain and records every attempt.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"safety-timer/internal/config"
	"safety-timer/internal/models"
	"safety-timer/internal/telemetry"
)

const excerptLimit = 1000

// Recorder persists attempts as they happen.
type Recorder interface {
	AppendDeliveryAttempt(ctx context.Context, a models.DeliveryAttempt) error
}

type Options struct {
	Timeout        time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	UserAgent      string
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Timeout:        cfg.WebhookTimeout,
		MaxAttempts:    cfg.WebhookMaxAttempts,
		BackoffInitial: cfg.WebhookBackoffInitial,
		UserAgent:      cfg.WebhookUserAgent,
	}
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 2 * time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = "Safety-Timer/1.0"
	}
	return o
}

// Engine delivers one webhook notification per escalation.
type Engine struct {
	client   *http.Client
	recorder Recorder
	opts     Options
	log      zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

type Option func(*Engine)

// WithHTTPClient replaces the default client. Per-attempt timeouts are applied
// through the request context, not the client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithSleep replaces the backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(recorder Recorder, opts Options, log zerolog.Logger, options ...Option) *Engine {
	e := &Engine{
		client:   &http.Client{},
		recorder: recorder,
		opts:     opts.withDefaults(),
		log:      log.With().Str("component", "delivery").Logger(),
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// Deliver posts payload to target, retrying up to MaxAttempts times with
// BackoffInitial*2^(n-1) between attempt n and n+1. Each attempt is recorded
// before the retry decision. It never panics or returns an error; the last
// failure is reported in the result.
func (e *Engine) Deliver(ctx context.Context, timerID, target string, payload any) models.WebhookResult {
	result := models.WebhookResult{URL: target}
	log := e.log.With().Str("timer_id", timerID).Str("url", target).Logger()

	body, err := json.Marshal(payload)
	if err != nil {
		result.ErrorKind = models.ErrorKindTransport
		result.Error = fmt.Sprintf("encode payload: %v", err)
		log.Error().Err(err).Msg("webhook payload encoding failed")
		return result
	}

	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		a := e.attempt(ctx, timerID, target, body, attempt)
		e.record(ctx, log, a)

		result.Attempts = attempt
		result.HTTPStatus = a.HTTPStatus
		result.ErrorKind = a.ErrorKind
		result.Error = a.ErrorMessage
		if a.Succeeded() {
			result.Success = true
			result.ErrorKind = models.ErrorKindNone
			result.Error = ""
			telemetry.WebhookAttempts.WithLabelValues("success").Inc()
			log.Info().Int("attempt", attempt).Int("status", a.HTTPStatus).Msg("webhook delivered")
			return result
		}
		telemetry.WebhookAttempts.WithLabelValues(string(a.ErrorKind)).Inc()

		if attempt == e.opts.MaxAttempts {
			break
		}
		delay := e.backoff(attempt)
		log.Warn().Int("attempt", attempt).Int("max_attempts", e.opts.MaxAttempts).
			Str("error_kind", string(a.ErrorKind)).Str("error", a.ErrorMessage).
			Dur("retry_in", delay).Msg("webhook attempt failed")
		if err := e.sleep(ctx, delay); err != nil {
			result.Error = fmt.Sprintf("%s (retry abandoned: %v)", result.Error, err)
			break
		}
	}

	log.Error().Int("attempts", result.Attempts).Str("error_kind", string(result.ErrorKind)).
		Str("error", result.Error).Msg("all webhook attempts failed")
	return result
}

// backoff is the wait after the given 1-based attempt.
func (e *Engine) backoff(attempt int) time.Duration {
	return e.opts.BackoffInitial << (attempt - 1)
}

func (e *Engine) attempt(ctx context.Context, timerID, target string, body []byte, n int) models.DeliveryAttempt {
	start := e.now()
	a := models.DeliveryAttempt{
		TimerID:       timerID,
		AttemptNumber: n,
		TargetURL:     target,
		CreatedAt:     start,
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		a.ErrorKind = models.ErrorKindInvalidURL
		a.ErrorMessage = describe(a.ErrorKind, err)
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.opts.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		a.ErrorKind = Classify(err)
		a.ErrorMessage = describe(a.ErrorKind, err)
		a.DurationMS = e.now().Sub(start).Milliseconds()
		return a
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, excerptLimit))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	a.HTTPStatus = resp.StatusCode
	a.ResponseExcerpt = strings.ToValidUTF8(string(raw), "")
	a.DurationMS = e.now().Sub(start).Milliseconds()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.ErrorKind = models.ErrorKindRejected
		a.ErrorMessage = fmt.Sprintf("webhook returned status %d", resp.StatusCode)
		return a
	}
	if readErr != nil {
		e.log.Debug().Err(readErr).Str("timer_id", timerID).Msg("reading webhook response body")
	}
	return a
}

func (e *Engine) record(ctx context.Context, log zerolog.Logger, a models.DeliveryAttempt) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.AppendDeliveryAttempt(context.WithoutCancel(ctx), a); err != nil {
		log.Error().Err(err).Int("attempt", a.AttemptNumber).Msg("record delivery attempt failed")
	}
}

// Classify maps a transport error to an ErrorKind.
func Classify(err error) models.ErrorKind {
	if err == nil {
		return models.ErrorKindNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorKindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return models.ErrorKindTimeout
		}
		return models.ErrorKindDNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.ErrorKindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return models.ErrorKindUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return models.ErrorKindUnreachable
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && strings.Contains(urlErr.Err.Error(), "unsupported protocol scheme") {
		return models.ErrorKindInvalidURL
	}
	return models.ErrorKindTransport
}

func describe(kind models.ErrorKind, err error) string {
	msg := err.Error()
	switch kind {
	case models.ErrorKindUnreachable:
		msg += " [likely cause: server not reachable or wrong URL]"
	case models.ErrorKindTimeout:
		msg += " [likely cause: endpoint too slow to respond]"
	case models.ErrorKindDNS:
		msg += " [likely cause: DNS resolution failed, check the hostname]"
	case models.ErrorKindInvalidURL:
		msg += " [likely cause: malformed URL, include http:// or https://]"
	}
	if len(msg) > excerptLimit {
		msg = msg[:excerptLimit]
	}
	return strings.ToValidUTF8(msg, "")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Probe sends a single unrecorded POST to check that a target is reachable.
func (e *Engine) Probe(ctx context.Context, target string, payload any) models.DeliveryAttempt {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.DeliveryAttempt{TargetURL: target, AttemptNumber: 1, ErrorKind: models.ErrorKindTransport, ErrorMessage: err.Error()}
	}
	return e.attempt(ctx, "", target, body, 1)
}
