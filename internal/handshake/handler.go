// Package handshake serves the browser side of the gate: the loader and
// blocked pages, the page script, and the verify/renew/status/revoke
// endpoints under /_security/handshake.
package handshake

import (
	"bytes"
	"crypto/rand"
	"embed"
	"encoding/base64"
	"errors"
	htmltemplate "html/template"
	"net/http"
	"strconv"
	"strings"
	texttemplate "text/template"
	"time"

	"handshakegate/gate-service/internal/challenge"
	"handshakegate/gate-service/internal/config"
	"handshakegate/gate-service/internal/httputil"
	"handshakegate/gate-service/internal/lifecycle"
	"handshakegate/gate-service/internal/logging"
	"handshakegate/gate-service/internal/metrics"
	"handshakegate/gate-service/internal/rate"
	"handshakegate/gate-service/internal/session"
	"handshakegate/gate-service/internal/token"
)

const (
	Prefix    = "/_security/handshake"
	ScriptURL = "/_security/assets/handshake.js"

	// Request bodies are ignored; anything larger is refused.
	maxBodyBytes = 4 << 10
)

//go:embed assets/*
var assets embed.FS

var (
	// Every page shares one detection routine from detect.js.
	loaderTmpl  = htmltemplate.Must(htmltemplate.ParseFS(assets, "assets/loader.html", "assets/detect.js"))
	blockedTmpl = htmltemplate.Must(htmltemplate.ParseFS(assets, "assets/blocked.html", "assets/detect.js"))
	scriptTmpl  = texttemplate.Must(texttemplate.ParseFS(assets, "assets/handshake.js", "assets/detect.js"))
)

// Options wires a Handler. VerifyLimiter and RenewLimiter may be nil to
// disable limiting.
type Options struct {
	Lifecycle     *lifecycle.Lifecycle
	Issuer        *challenge.StatelessIssuer
	VerifyLimiter rate.Limiter
	RenewLimiter  rate.Limiter
	Cookie        config.CookieCfg
	Client        config.ClientCfg
	Audit         logging.Audit
	LoaderPath    string
	BlockedPath   string
	// CSP is sent on the loader and blocked pages; "{nonce}" is replaced by
	// the per-response script nonce.
	CSP          string
	ChallengeTTL time.Duration
}

type Handler struct {
	opts   Options
	script []byte
}

func New(opts Options) (*Handler, error) {
	if opts.Lifecycle == nil || opts.Issuer == nil {
		return nil, errors.New("handshake: lifecycle and issuer are required")
	}
	if opts.LoaderPath == "" {
		opts.LoaderPath = "/loader"
	}
	if opts.BlockedPath == "" {
		opts.BlockedPath = "/blocked"
	}
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = 10 * time.Minute
	}

	var buf bytes.Buffer
	err := scriptTmpl.Execute(&buf, map[string]any{
		"ScriptURL":           ScriptURL,
		"SizeThreshold":       opts.Client.SizeThreshold,
		"TimingThresholdMs":   opts.Client.TimingThresholdMs,
		"LoopIterations":      opts.Client.LoopIterations,
		"DetectionIntervalMs": opts.Client.DetectionIntervalMs,
		"RenewalIntervalMs":   opts.Client.RenewalIntervalSec * 1000,
		"BlockedURL":          opts.BlockedPath,
		"HandshakeURL":        Prefix,
	})
	if err != nil {
		return nil, err
	}
	return &Handler{opts: opts, script: buf.Bytes()}, nil
}

// Register mounts the pages and endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc(Prefix+"/verify", h.Verify)
	mux.HandleFunc(Prefix+"/renew", h.Renew)
	mux.HandleFunc(Prefix+"/status", h.Status)
	mux.HandleFunc(Prefix+"/revoke", h.Revoke)
	mux.HandleFunc(ScriptURL, h.Script)
	mux.HandleFunc(h.opts.LoaderPath, h.Loader)
	mux.HandleFunc(h.opts.BlockedPath, h.Blocked)
}

func (h *Handler) subject(r *http.Request) lifecycle.Subject {
	return lifecycle.Subject{
		SessionID: session.ID(r.Context()),
		Fingerprint: token.Fingerprint{
			UserAgent: r.UserAgent(),
			IP:        httputil.ClientIPFromHeaders(r),
		},
	}
}

func (h *Handler) respond(w http.ResponseWriter, endpoint string, code int, body any) {
	metrics.EndpointRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	httputil.WriteJSON(w, code, body)
}

// limit applies l to the client IP. It reports false after writing a 429.
// A failing limiter backend lets the request through.
func (h *Handler) limit(w http.ResponseWriter, r *http.Request, l rate.Limiter, endpoint, msg string) bool {
	if l == nil {
		return true
	}
	ip := httputil.ClientIPFromHeaders(r)
	res, err := l.Allow(r.Context(), endpoint+":"+ip)
	if err != nil {
		httputil.GetLogger(r.Context()).Error().Err(err).Str("endpoint", endpoint).Msg("rate limiter unavailable, allowing request")
		return true
	}
	if res.Allowed {
		return true
	}

	secs := int(res.RetryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	httputil.GetLogger(r.Context()).Warn().
		Str("endpoint", endpoint).
		Str("client_ip", h.opts.Audit.IP(ip)).
		Int("retry_after", secs).
		Msg("handshake rate limit exceeded")
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	h.respond(w, endpoint, http.StatusTooManyRequests, map[string]any{
		"ok":          false,
		"error":       msg,
		"retry_after": secs,
	})
	return false
}

func (h *Handler) requirePost(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.respond(w, endpoint, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "method_not_allowed"})
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return true
}

func (h *Handler) requireXHR(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if r.Header.Get("X-Requested-With") != "XMLHttpRequest" {
		h.respond(w, endpoint, http.StatusForbidden, map[string]any{"ok": false, "error": "XMLHttpRequest required"})
		return false
	}
	return true
}

// Verify completes the handshake: it checks the loader's anti-forgery token
// and issues the first handshake token of the session.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	const endpoint = "verify"
	logger := httputil.GetLogger(r.Context())
	if !h.requirePost(w, r, endpoint) {
		return
	}
	if !h.limit(w, r, h.opts.VerifyLimiter, endpoint, "Too many handshake attempts. Please try again later.") {
		return
	}

	subj := h.subject(r)
	ok, reason, _ := h.opts.Issuer.Verify(r.Header.Get("X-CSRF-TOKEN"), subj.SessionID, subj.Fingerprint.IP)
	if !ok {
		metrics.VerifyFailures.WithLabelValues("csrf_" + reason).Inc()
		logger.Warn().
			Str("reason", reason).
			Str("client_ip", h.opts.Audit.IP(subj.Fingerprint.IP)).
			Str("user_agent", subj.Fingerprint.UserAgent).
			Msg("handshake anti-forgery check failed")
		h.respond(w, endpoint, http.StatusForbidden, map[string]any{"ok": false, "error": "Invalid anti-forgery token. Please reload the page."})
		return
	}

	iss, err := h.opts.Lifecycle.Issue(r.Context(), subj)
	if err != nil {
		logger.Error().
			Err(err).
			Str("client_ip", h.opts.Audit.IP(subj.Fingerprint.IP)).
			Str("user_agent", subj.Fingerprint.UserAgent).
			Msg("handshake failed")
		h.respond(w, endpoint, http.StatusInternalServerError, map[string]any{"ok": false, "error": "Handshake failed. Please try again."})
		return
	}

	http.SetCookie(w, httputil.BuildCookie(h.opts.Cookie, iss.Envelope))
	if h.opts.Audit.Handshakes {
		logger.Info().
			Str("client_ip", h.opts.Audit.IP(subj.Fingerprint.IP)).
			Str("user_agent", subj.Fingerprint.UserAgent).
			Int64("expires_at", iss.Token.ExpiresAt).
			Msg("handshake successful")
	}
	h.respond(w, endpoint, http.StatusOK, map[string]any{
		"ok":         true,
		"expires_at": iss.Token.ExpiresAt,
		"expires_in": iss.Token.ExpiresAt - time.Now().Unix(),
		"message":    "Handshake successful",
	})
}

// Renew rotates a still-valid token; an invalid one tells the page to reload.
func (h *Handler) Renew(w http.ResponseWriter, r *http.Request) {
	const endpoint = "renew"
	logger := httputil.GetLogger(r.Context())
	if !h.requirePost(w, r, endpoint) || !h.requireXHR(w, r, endpoint) {
		return
	}
	if !h.limit(w, r, h.opts.RenewLimiter, endpoint, "Too many renewal attempts.") {
		return
	}

	subj := h.subject(r)
	var current string
	if c, err := r.Cookie(h.opts.Cookie.Name); err == nil {
		current = c.Value
	}
	if current == "" {
		metrics.VerifyFailures.WithLabelValues("no_token").Inc()
		h.reload(w, endpoint)
		return
	}
	if err := h.opts.Lifecycle.Check(r.Context(), subj, current); err != nil {
		metrics.VerifyFailures.WithLabelValues(lifecycle.Reason(err)).Inc()
		if errors.Is(err, lifecycle.ErrStoreUnavailable) {
			logger.Error().Err(err).Msg("token store unavailable during renewal")
		}
		h.reload(w, endpoint)
		return
	}

	iss, err := h.opts.Lifecycle.Renew(r.Context(), subj)
	if err != nil {
		logger.Error().Err(err).Str("client_ip", h.opts.Audit.IP(subj.Fingerprint.IP)).Msg("token renewal failed")
		h.respond(w, endpoint, http.StatusInternalServerError, map[string]any{
			"ok":     false,
			"error":  "Renewal failed. Please reload the page.",
			"action": "reload",
		})
		return
	}

	http.SetCookie(w, httputil.BuildCookie(h.opts.Cookie, iss.Envelope))
	if h.opts.Audit.Renewals {
		logger.Info().
			Str("client_ip", h.opts.Audit.IP(subj.Fingerprint.IP)).
			Int64("expires_at", iss.Token.ExpiresAt).
			Msg("handshake token renewed")
	}
	h.respond(w, endpoint, http.StatusOK, map[string]any{
		"ok":         true,
		"renewed":    true,
		"expires_at": iss.Token.ExpiresAt,
		"expires_in": iss.Token.ExpiresAt - time.Now().Unix(),
		"message":    "Token renewed successfully",
	})
}

func (h *Handler) reload(w http.ResponseWriter, endpoint string) {
	h.respond(w, endpoint, http.StatusUnauthorized, map[string]any{
		"ok":     false,
		"error":  "Invalid or expired token. Please reload the page.",
		"action": "reload",
	})
}

// Status reports on the presented token without changing anything.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	const endpoint = "status"
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.respond(w, endpoint, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "method_not_allowed"})
		return
	}
	httputil.DisableCaching(w)

	c, err := r.Cookie(h.opts.Cookie.Name)
	if err != nil || c.Value == "" {
		h.respond(w, endpoint, http.StatusOK, map[string]any{
			"valid":   false,
			"message": "No token present",
		})
		return
	}

	subj := h.subject(r)
	valid := h.opts.Lifecycle.Verify(r.Context(), subj, c.Value)
	md, err := h.opts.Lifecycle.Metadata(r.Context(), subj.SessionID)
	if err != nil {
		httputil.GetLogger(r.Context()).Error().Err(err).Msg("token metadata unavailable")
	}
	msg := "Token is invalid or expired"
	if valid {
		msg = "Token is valid"
	}
	h.respond(w, endpoint, http.StatusOK, map[string]any{
		"valid":       valid,
		"is_expiring": h.opts.Lifecycle.IsExpiring(c.Value),
		"metadata":    md,
		"message":     msg,
	})
}

// Revoke drops the session's token and clears the cookie.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	const endpoint = "revoke"
	logger := httputil.GetLogger(r.Context())
	if !h.requirePost(w, r, endpoint) || !h.requireXHR(w, r, endpoint) {
		return
	}

	sid := session.ID(r.Context())
	if err := h.opts.Lifecycle.Revoke(r.Context(), sid); err != nil {
		logger.Error().Err(err).Msg("token revocation failed")
		h.respond(w, endpoint, http.StatusInternalServerError, map[string]any{"ok": false, "error": "Revocation failed"})
		return
	}

	http.SetCookie(w, httputil.ExpireCookie(h.opts.Cookie))
	if h.opts.Audit.Revocations {
		logger.Info().Str("client_ip", h.opts.Audit.IP(httputil.ClientIPFromHeaders(r))).Msg("handshake token revoked")
	}
	h.respond(w, endpoint, http.StatusOK, map[string]any{"ok": true, "message": "Token revoked successfully"})
}

// RenderChallenge serves the loader in place of the requested page. The
// loader returns the visitor to the original URL after the handshake.
func (h *Handler) RenderChallenge(w http.ResponseWriter, r *http.Request) {
	h.renderLoader(w, r, httputil.SanitizeReturnURL(r.URL.RequestURI()))
}

// Loader serves the loader page directly; ?return= names the page to go
// back to.
func (h *Handler) Loader(w http.ResponseWriter, r *http.Request) {
	httputil.DisableCaching(w)
	h.renderLoader(w, r, httputil.SanitizeReturnURL(r.URL.Query().Get("return")))
}

func (h *Handler) renderLoader(w http.ResponseWriter, r *http.Request, returnURL string) {
	logger := httputil.GetLogger(r.Context())
	subj := h.subject(r)
	// The loader is the first page that needs a session: its anti-forgery
	// token is bound to one.
	subj.SessionID = session.Start(r.Context())
	csrf, err := h.opts.Issuer.Issue(subj.SessionID, subj.Fingerprint.IP, h.opts.ChallengeTTL)
	if err != nil {
		logger.Error().Err(err).Msg("failed to issue anti-forgery token")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	nonce := h.cspHeader(w)
	h.render(w, r, loaderTmpl, map[string]any{
		"Nonce":             nonce,
		"CSRFToken":         csrf,
		"ReturnURL":         returnURL,
		"VerifyURL":         Prefix + "/verify",
		"BlockedURL":        h.opts.BlockedPath,
		"SizeThreshold":     h.opts.Client.SizeThreshold,
		"TimingThresholdMs": h.opts.Client.TimingThresholdMs,
		"LoopIterations":    h.opts.Client.LoopIterations,
		"MaxAttempts":       h.opts.Client.MaxAttempts,
	})
}

// Blocked serves the page shown while developer tools are open.
func (h *Handler) Blocked(w http.ResponseWriter, r *http.Request) {
	httputil.DisableCaching(w)
	nonce := h.cspHeader(w)
	h.render(w, r, blockedTmpl, map[string]any{
		"Nonce":             nonce,
		"SizeThreshold":     h.opts.Client.SizeThreshold,
		"TimingThresholdMs": h.opts.Client.TimingThresholdMs,
		"LoopIterations":    h.opts.Client.LoopIterations,
	})
}

// Script serves the page script with the configured detection defaults.
func (h *Handler) Script(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(h.script)
	}
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, t *htmltemplate.Template, data any) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		httputil.GetLogger(r.Context()).Error().Err(err).Str("template", t.Name()).Msg("template render failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Robots-Tag", "noindex, nofollow")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// cspHeader sets the configured page CSP and returns the nonce it names.
func (h *Handler) cspHeader(w http.ResponseWriter) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	nonce := base64.RawStdEncoding.EncodeToString(b)
	if h.opts.CSP != "" {
		w.Header().Set("Content-Security-Policy", strings.ReplaceAll(h.opts.CSP, "{nonce}", nonce))
	}
	return nonce
}
