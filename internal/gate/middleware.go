package gate

import (
	"errors"
	"net/http"
	"time"

	"handshakegate/gate-service/internal/httputil"
	"handshakegate/gate-service/internal/lifecycle"
	"handshakegate/gate-service/internal/metrics"
)

// Middleware enforces Evaluate's outcome: challenged requests get the loader
// page instead of next, rotated ones get the new cookie before next runs.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		out := g.Evaluate(r)
		metrics.GateDuration.Observe(time.Since(start).Seconds())
		metrics.GateDecision.WithLabelValues(out.Decision.String(), out.Reason).Inc()

		logger := httputil.GetLogger(r.Context())
		ip := httputil.ClientIPFromHeaders(r)

		switch out.Decision {
		case ChallengeRequired:
			if errors.Is(out.Err, lifecycle.ErrStoreUnavailable) {
				logger.Error().Err(out.Err).Msg("token store unavailable, challenging")
			} else if out.Err != nil && g.cfg.Audit.Blocked {
				logger.Warn().
					Str("reason", out.Reason).
					Str("ip", g.cfg.Audit.IP(ip)).
					Str("user_agent", r.UserAgent()).
					Msg("blocked request with invalid handshake token")
			}
			httputil.DisableCaching(w)
			g.renderer.RenderChallenge(w, r)
			return

		case PassThroughWithRotatedCookie:
			http.SetCookie(w, httputil.BuildCookie(g.cfg.Cookie, out.Issued.Envelope))
			if g.cfg.Audit.Renewals {
				logger.Info().
					Str("ip", g.cfg.Audit.IP(ip)).
					Int64("expires_at", out.Issued.Token.ExpiresAt).
					Msg("handshake token renewed")
			}

		default:
			if out.Err != nil {
				logger.Warn().Err(out.Err).Msg("token renewal failed, serving with current token")
			}
		}
		next.ServeHTTP(w, r)
	})
}
