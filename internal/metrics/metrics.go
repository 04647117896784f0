package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	GateDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handshakegate_gate_decision_total",
			Help: "Gate decisions (pass/challenge/rotate) by reason",
		},
		[]string{"decision", "reason"},
	)
	GateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "handshakegate_gate_duration_seconds",
			Help:    "Latency of the gate decision",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)
	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handshakegate_tokens_issued_total",
			Help: "Handshake tokens minted, by kind (issue/renew)",
		},
		[]string{"kind"},
	)
	TokensRevoked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "handshakegate_tokens_revoked_total",
			Help: "Handshake tokens revoked",
		},
	)
	VerifyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handshakegate_verify_failures_total",
			Help: "Rejected handshake tokens by reason",
		},
		[]string{"reason"},
	)
	EndpointRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handshakegate_endpoint_requests_total",
			Help: "Handshake endpoint calls by endpoint and HTTP status",
		},
		[]string{"endpoint", "status"},
	)
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handshakegate_rate_limit_hits_total",
			Help: "Requests rejected by the sliding window limiter",
		},
		[]string{"endpoint"},
	)
	SessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "handshakegate_sessions_created_total",
			Help: "Sessions created by the session manager",
		},
	)
	StoreCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "handshakegate_store_circuit_state",
			Help: "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)
	StoreCircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handshakegate_store_circuit_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"backend", "from", "to"},
	)
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handshakegate_upstream_errors_total",
			Help: "Reverse proxy errors by type",
		},
		[]string{"type"},
	)
	UpstreamLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "handshakegate_upstream_duration_seconds",
			Help:    "Latency of proxied requests",
			Buckets: prometheus.DefBuckets,
		},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "handshakegate_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.1.0"},
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		GateDecision, GateDuration,
		TokensIssued, TokensRevoked, VerifyFailures,
		EndpointRequests, RateLimitHits, SessionsCreated,
		StoreCircuitState, StoreCircuitTransitions,
		UpstreamErrors, UpstreamLatency,
		BuildInfo,
	)
	BuildInfo.Set(1)
}
