package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResetRequests counts forgot-password requests by outcome
	// (issued|unknown_account|rate_limited|rejected|error).
	ResetRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credrecovery_reset_requests_total",
			Help: "Total number of password reset requests",
		},
		[]string{"result"},
	)

	// AnswerVerifications counts security-question checks by outcome
	// (verified|incorrect|locked|rejected|error).
	AnswerVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credrecovery_answer_verifications_total",
			Help: "Total number of security question verification attempts",
		},
		[]string{"result"},
	)

	// ResetConfirmations counts reset confirmations by outcome
	// (completed|rejected|error).
	ResetConfirmations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credrecovery_reset_confirmations_total",
			Help: "Total number of password reset confirmations",
		},
		[]string{"result"},
	)

	// SweptRecords counts rows removed by the expiry sweeper per table.
	SweptRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credrecovery_swept_records_total",
			Help: "Records purged by the maintenance sweeper",
		},
		[]string{"table"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credrecovery_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
