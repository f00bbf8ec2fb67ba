package promo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	issued         *prometheus.CounterVec // by channel
	skipped        *prometheus.CounterVec // by reason
	runs           *prometheus.CounterVec // by channel, status
	transitions    *prometheus.CounterVec // by target state
	reminders      prometheus.Counter
	notifyFailures prometheus.Counter
}

// NewMetrics registers engine metrics with reg. A nil registerer yields
// working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		issued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promo_codes_issued_total",
			Help: "number of ledger entries written",
		}, []string{"channel"}),
		skipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promo_units_skipped_total",
			Help: "number of planned units skipped during execution",
		}, []string{"reason"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promo_period_runs_total",
			Help: "number of period trigger invocations",
		}, []string{"channel", "status"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "promo_confirmation_transitions_total",
			Help: "number of confirmation state changes",
		}, []string{"state"}),
		reminders: factory.NewCounter(prometheus.CounterOpts{
			Name: "promo_confirmation_reminders_total",
			Help: "number of reminder pings sent to operators",
		}),
		notifyFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "promo_notify_failures_total",
			Help: "number of participant notifications that failed",
		}),
	}
}
