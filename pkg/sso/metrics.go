package sso

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	authInitiated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssocore_auth_initiated_total",
			Help: "Authentication flows initiated",
		},
		[]string{"protocol"},
	)

	authCallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssocore_auth_callbacks_total",
			Help: "Authentication callbacks processed, by result",
		},
		[]string{"protocol", "result"},
	)

	replaysDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssocore_replays_detected_total",
			Help: "Replayed assertion/token identifiers rejected",
		},
		[]string{"protocol"},
	)

	logoutsInitiated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssocore_logouts_initiated_total",
			Help: "Single logout flows initiated",
		},
		[]string{"protocol"},
	)
)

// observeCallback records the outcome of one callback for metrics.
func observeCallback(protocol ProviderType, err error) {
	if err == nil {
		authCallbacks.WithLabelValues(string(protocol), "success").Inc()
		return
	}
	reason := FailureReason(err)
	authCallbacks.WithLabelValues(string(protocol), reason).Inc()
	if reason == "replay" {
		replaysDetected.WithLabelValues(string(protocol)).Inc()
	}
}
