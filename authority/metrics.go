package authority

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "impersonation_sessions_started_total",
			Help: "Total number of impersonation sessions started",
		},
	)

	sessionsEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impersonation_sessions_ended_total",
			Help: "Total number of impersonation sessions ended, by reason",
		},
		[]string{"reason"},
	)

	sessionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impersonation_sessions_rejected_total",
			Help: "Total number of rejected impersonation start attempts, by error kind",
		},
		[]string{"kind"},
	)
)
