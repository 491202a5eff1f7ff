// Package metrics holds the Prometheus collectors of the cabinet core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cabinet"

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of cabinet API requests by endpoint and outcome.",
		},
		[]string{"endpoint", "code"},
	)

	BalanceRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_refresh_total",
			Help:      "Total number of live balance refreshes by result.",
		},
		[]string{"result"}, // ok/failed/unauthenticated
	)

	SummaryComputeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_compute_total",
			Help:      "Total number of summary computations, including skipped re-entrant calls.",
		},
		[]string{"result"}, // computed/skipped
	)

	PaymentPollTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_poll_total",
			Help:      "Total number of payment status polls by result.",
		},
		[]string{"result"}, // pending/paid/failed/stale
	)

	PaymentSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_sessions_total",
			Help:      "Total number of payment sessions by final state.",
		},
		[]string{"state"},
	)

	PaymentSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payment_sessions_active",
			Help:      "Number of payment sessions awaiting payment.",
		},
	)
)

var registerOnce sync.Once

// MustRegister registers all collectors with the default registry. Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			APIRequestsTotal,
			BalanceRefreshTotal,
			SummaryComputeTotal,
			PaymentPollTotal,
			PaymentSessionsTotal,
			PaymentSessionsActive,
		)
	})
}
