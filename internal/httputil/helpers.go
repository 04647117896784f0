package httputil

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"handshakegate/gate-service/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Context keys for request metadata
type contextKey int

const (
	requestIDKey contextKey = iota
	loggerKey
	trustedProxiesKey
)

// Buffer pool for the JSON response hot path
var bufferPool = sync.Pool{
	New: func() interface{} {
		return &bytes.Buffer{}
	},
}

// GenerateRequestID creates a new random request ID
func GenerateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback to a timestamp-based ID if crypto/rand fails
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}

// WithRequestID adds the request ID to ctx
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from ctx
func GetRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey).(string); ok {
		return reqID
	}
	return ""
}

func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// GetLogger retrieves the request-scoped logger, or a disabled one.
func GetLogger(ctx context.Context) *zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zerolog.Logger); ok {
		return logger
	}
	nopLogger := zerolog.Nop()
	return &nopLogger
}

func WithTrustedProxies(ctx context.Context, trustedProxies []*net.IPNet) context.Context {
	return context.WithValue(ctx, trustedProxiesKey, trustedProxies)
}

func GetTrustedProxies(ctx context.Context) []*net.IPNet {
	if proxies, ok := ctx.Value(trustedProxiesKey).([]*net.IPNet); ok {
		return proxies
	}
	return nil
}

// RequestIDMiddleware extracts or generates a request ID and stores it, a
// request-scoped logger and the trusted proxy list in the request context.
func RequestIDMiddleware(logger zerolog.Logger, trustedProxies []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Reuse an upstream request ID for tracing across services, but
			// cap its length since it is echoed into logs and headers.
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" || len(requestID) > 128 {
				requestID = GenerateRequestID()
			}
			w.Header().Set("X-Request-ID", requestID)

			reqLogger := logger.With().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()

			ctx := WithRequestID(r.Context(), requestID)
			ctx = WithLogger(ctx, &reqLogger)
			ctx = WithTrustedProxies(ctx, trustedProxies)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SanitizeReturnURL restricts redirects to same-origin paths.
// Accepts "/", "/path", "/path?query"; rejects "//host", "http://", "https://"
// and their percent-encoded forms.
func SanitizeReturnURL(in string) string {
	if in == "" {
		return "/"
	}

	// SECURITY: check the decoded form too, so %2F%2Fevil.example cannot
	// slip through as a path.
	decoded, err := url.QueryUnescape(in)
	if err != nil {
		// Malformed escapes are rejected outright
		return "/"
	}
	// Some browsers read a leading "/\" as protocol-relative.
	if strings.Contains(decoded, "://") ||
		strings.HasPrefix(decoded, "//") ||
		strings.HasPrefix(decoded, "/\\") ||
		strings.HasPrefix(decoded, "http://") ||
		strings.HasPrefix(decoded, "https://") {
		return "/"
	}

	// Parse the original (not decoded) to verify it is well formed
	u, err := url.ParseRequestURI(in)
	if err != nil {
		return "/"
	}
	// SECURITY: must be a path-only URL (no host or scheme)
	if u.Host != "" || u.Scheme != "" {
		return "/"
	}
	if !strings.HasPrefix(u.Path, "/") {
		return "/"
	}

	// Keep path + raw query; fragments never reach the server anyway
	out := u.Path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

// ClientIPFromHeaders extracts the client IP, honouring X-Forwarded-For only
// when the peer is one of the trusted proxies stored in the request context.
// SECURITY: the result feeds the IP whitelist, rate limit keys and the
// anti-forgery token binding, so a spoofed header must never reach it.
func ClientIPFromHeaders(r *http.Request) string {
	return ClientIPFromHeadersWithTrustedProxies(r, GetTrustedProxies(r.Context()))
}

// ClientIPFromHeadersWithTrustedProxies returns the left-most X-Forwarded-For
// entry when r.RemoteAddr is a trusted proxy, and r.RemoteAddr otherwise.
// With no trusted proxies configured X-Forwarded-For is never read.
func ClientIPFromHeadersWithTrustedProxies(r *http.Request, trustedProxies []*net.IPNet) string {
	// The immediate peer is the only address we can trust by default
	remoteHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteHost = r.RemoteAddr
	}
	remoteIP := net.ParseIP(remoteHost)
	if remoteIP == nil {
		return ""
	}

	trusted := false
	for _, ipNet := range trustedProxies {
		if ipNet.Contains(remoteIP) {
			trusted = true
			break
		}
	}
	// Behind a trusted proxy the left-most entry is the original client.
	// Unparseable entries fall back to the proxy itself.
	if trusted {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			cand := strings.TrimSpace(strings.Split(xff, ",")[0])
			if ip := net.ParseIP(cand); ip != nil {
				return ip.String()
			}
		}
	}
	return remoteIP.String()
}

// WriteJSON writes v as a JSON response. Buffers come from a pool.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufferPool.Put(buf)
	}()

	// Encode fully before writing so a failure can still become a 500
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("json encode failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(buf.Bytes())
}

// DisableCaching marks a response as never cacheable by browsers or proxies.
func DisableCaching(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "Sat, 01 Jan 2000 00:00:00 GMT")
}

// BuildCookie creates the handshake cookie. It is always HttpOnly: page
// scripts renew through the endpoints and never need to read the token.
func BuildCookie(cfg config.CookieCfg, value string) *http.Cookie {
	c := &http.Cookie{
		Name:     cfg.Name,
		Value:    value,
		Path:     cfg.Path,
		MaxAge:   cfg.LifetimeMinutes * 60,
		Secure:   cfg.Secure,
		HttpOnly: true,
		SameSite: SameSite(cfg.SameSite),
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if cfg.Domain != "" {
		c.Domain = cfg.Domain
	}
	return c
}

// ExpireCookie returns a cookie that deletes the handshake cookie client-side.
func ExpireCookie(cfg config.CookieCfg) *http.Cookie {
	c := BuildCookie(cfg, "")
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	return c
}

// SameSite maps the config value to a cookie mode; anything unknown is Lax.
func SameSite(mode string) http.SameSite {
	switch strings.ToLower(mode) {
	case "none":
		return http.SameSiteNoneMode
	case "strict":
		return http.SameSiteStrictMode
	default:
		return http.SameSiteLaxMode
	}
}
