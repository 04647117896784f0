package session

import (
	"context"
	"net/http"

	"handshakegate/gate-service/internal/httputil"
	"handshakegate/gate-service/internal/metrics"

	"github.com/google/uuid"
)

// CookieOptions configures the session cookie.
type CookieOptions struct {
	Name     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// Manager resolves the session cookie into the request context (see ID).
// Requests without a live session get one only when a handler calls Start,
// so cookieless traffic such as crawlers and static assets never takes a
// slot in the store.
type Manager struct {
	store  Store
	cookie CookieOptions
}

func NewManager(store Store, cookie CookieOptions) *Manager {
	if cookie.SameSite == 0 {
		cookie.SameSite = http.SameSiteLaxMode
	}
	return &Manager{store: store, cookie: cookie}
}

func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := httputil.GetLogger(ctx)

		sid := ""
		if c, err := r.Cookie(m.cookie.Name); err == nil {
			if _, perr := uuid.Parse(c.Value); perr == nil {
				sid = c.Value
			}
		}

		if sid != "" {
			live, err := m.store.Exists(ctx, sid)
			switch {
			case err != nil:
				// Keep the id: the token lookup will fail closed on its own.
				logger.Error().Err(err).Msg("session lookup failed")
			case !live:
				sid = ""
			default:
				if err := m.store.Touch(ctx, sid); err != nil {
					logger.Warn().Err(err).Msg("session touch failed")
				}
			}
		}

		if sid == "" {
			next.ServeHTTP(w, r.WithContext(withPending(ctx, func() string {
				return m.create(ctx, w)
			})))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithID(ctx, sid)))
	})
}

// create opens a new session and sets its cookie on w.
func (m *Manager) create(ctx context.Context, w http.ResponseWriter) string {
	sid := uuid.NewString()
	if err := m.store.Touch(ctx, sid); err != nil {
		// The cookie still goes out; the token write will fail closed.
		httputil.GetLogger(ctx).Error().Err(err).Msg("session create failed")
	}
	metrics.SessionsCreated.Inc()
	http.SetCookie(w, m.newCookie(sid))
	return sid
}

func (m *Manager) newCookie(sid string) *http.Cookie {
	return &http.Cookie{
		Name:     m.cookie.Name,
		Value:    sid,
		Path:     "/",
		Domain:   m.cookie.Domain,
		Secure:   m.cookie.Secure,
		HttpOnly: true,
		SameSite: m.cookie.SameSite,
	}
}
