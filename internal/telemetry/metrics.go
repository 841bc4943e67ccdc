package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TimersCreated    = prometheus.NewCounter(prometheus.CounterOpts{Name: "timers_created_total", Help: "Timers armed"})
	TimerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "timers_transitions_total", Help: "Applied status transitions by target status"}, []string{"status"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "timers_rate_limit_rejects_total", Help: "Create requests rejected by rate limiter"})
	FiresSkipped     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "timers_fires_skipped_total", Help: "Fires that found nothing to escalate"}, []string{"reason"})
	FireRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "timers_fire_retries_total", Help: "Fires that failed and will retry"})
	FireDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "timers_fire_dead_letter_total", Help: "Fires moved to DLQ"})
	Escalations      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "timers_escalations_total", Help: "Escalations by outcome"}, []string{"outcome"})
	WebhookAttempts  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "timers_webhook_attempts_total", Help: "Webhook attempts by result"}, []string{"result"})
	EmailsSent       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "timers_emails_total", Help: "Contact emails by result"}, []string{"result"})
	Reconciled       = prometheus.NewCounter(prometheus.CounterOpts{Name: "timers_reconciled_total", Help: "Active timers re-scheduled by reconciliation"})
	ScheduledGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "timers_scheduled_depth", Help: "Fire jobs waiting in the scheduled set"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "timers_fires_inflight", Help: "Fire jobs currently leased"})
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			TimersCreated,
			TimerTransitions,
			RateLimitRejects,
			FiresSkipped,
			FireRetries,
			FireDeadLetter,
			Escalations,
			WebhookAttempts,
			EmailsSent,
			Reconciled,
			ScheduledGauge,
			InFlightGauge,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
