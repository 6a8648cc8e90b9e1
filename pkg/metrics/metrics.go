package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records login attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountd_auth_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"result"},
	)

	// Registrations counts account registrations by result (success|conflict|invalid).
	Registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountd_registrations_total",
			Help: "Total number of registration attempts",
		},
		[]string{"result"},
	)

	// OTPIssued counts one-time passwords issued by purpose (registration|password_reset).
	OTPIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountd_otp_issued_total",
			Help: "Total number of one-time passwords issued",
		},
		[]string{"purpose"},
	)

	// OTPConsumed counts consumption outcomes (success|not_found|expired).
	OTPConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountd_otp_consumed_total",
			Help: "Total number of one-time password consumption attempts",
		},
		[]string{"result"},
	)

	// EmailSendFailures counts outbound verification emails that could not be
	// delivered. Sends are best-effort, so failures surface here and in logs only.
	EmailSendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accountd_email_send_failures_total",
			Help: "Total number of failed outbound email deliveries",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accountd_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
