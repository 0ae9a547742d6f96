package balancer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLiveSessions     = promauto.NewGauge(prometheus.GaugeOpts{Name: "socksbalancer_live_sessions", Help: "Sessions currently registered in the relay server"})
	metricRelayingSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "socksbalancer_relaying_sessions", Help: "Sessions currently forwarding bytes"})
	metricAcceptedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "socksbalancer_accepted_total", Help: "Client connections accepted"})
	metricRelayErrors      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "socksbalancer_relay_errors_total", Help: "Relay failures by type"}, []string{"type"})
	metricProbeTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "socksbalancer_probe_total", Help: "Probe results by kind and outcome"}, []string{"kind", "outcome"})
	metricSessionDuration  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "socksbalancer_session_duration_seconds", Help: "Relay session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
