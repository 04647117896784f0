package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"handshakegate/gate-service/internal/circuitbreaker"
	"handshakegate/gate-service/internal/httputil"
	"handshakegate/gate-service/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Middleware wraps an http.Handler and returns a new handler
type Middleware func(http.Handler) http.Handler

// Chain composes multiple middlewares into a single middleware.
// Chain(mw1, mw2, mw3)(handler) => mw1(mw2(mw3(handler)))
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// withCommonHeaders sets security headers. Responses the gate itself
// produces are never cached; proxied content keeps the origin's policy.
func withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "same-origin")

		// Only set HSTS if TLS is enabled
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		if ownEndpoint(r.URL.Path) {
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Content-Security-Policy", "default-src 'none'; connect-src 'self'; frame-ancestors 'none'")
		}

		next.ServeHTTP(w, r)
	})
}

func ownEndpoint(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics", "/admin/stats":
		return true
	}
	return strings.HasPrefix(path, "/_security/handshake/")
}

type healthStatus struct {
	Status     string            `json:"status"` // "ok" | "degraded"
	Components map[string]string `json:"components"`
}

// handleHealth is liveness only.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, healthStatus{
		Status:     "ok",
		Components: map[string]string{"gate": "ok"},
	})
}

// handleReady reports degraded while Redis is unreachable or a store
// breaker is open.
func handleReady(rdb redis.UniversalClient, breakers *circuitbreaker.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{Status: "ok", Components: map[string]string{"gate": "ok"}}

		if rdb != nil {
			ctx, cancel := context.WithTimeout(r.Context(), time.Second)
			err := rdb.Ping(ctx).Err()
			cancel()
			if err != nil {
				status.Status = "degraded"
				status.Components["redis"] = err.Error()
			} else {
				status.Components["redis"] = "ok"
			}
		}
		for name, st := range breakers.States() {
			status.Components["breaker_"+name] = st.String()
			if st == circuitbreaker.StateOpen {
				status.Status = "degraded"
			}
		}

		code := http.StatusOK
		if status.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, code, status)
	})
}

// handleAdminStats aggregates metrics into a JSON summary for the admin dashboard
func handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := metrics.Summary(prometheus.DefaultGatherer)
	if err != nil {
		httputil.GetLogger(r.Context()).Error().Err(err).Msg("failed to gather metrics")
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}
