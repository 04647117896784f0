package httputil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"handshakegate/gate-service/internal/config"

	"github.com/rs/zerolog"
)

func TestSanitizeReturnURL(t *testing.T) {
	cases := map[string]string{
		"":                          "/",
		"/":                         "/",
		"/dashboard":                "/dashboard",
		"/search?q=go":              "/search?q=go",
		"//evil.com":                "/",
		"https://evil.com/":         "/",
		"%2F%2Fevil.com":            "/",
		"/redirect?to=http://x.com": "/",
		"relative":                  "/",
		"/\\evil.com":               "/",
	}
	for in, want := range cases {
		if got := SanitizeReturnURL(in); got != want {
			t.Errorf("SanitizeReturnURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClientIP_TrustedProxy(t *testing.T) {
	_, trusted, _ := net.ParseCIDR("10.0.0.0/8")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.1.2.3")
	if got := ClientIPFromHeadersWithTrustedProxies(r, []*net.IPNet{trusted}); got != "198.51.100.9" {
		t.Errorf("expected forwarded client, got %s", got)
	}

	r.RemoteAddr = "203.0.113.1:5555"
	if got := ClientIPFromHeadersWithTrustedProxies(r, []*net.IPNet{trusted}); got != "203.0.113.1" {
		t.Errorf("untrusted peer must not be able to spoof XFF, got %s", got)
	}
	if got := ClientIPFromHeadersWithTrustedProxies(r, nil); got != "203.0.113.1" {
		t.Errorf("XFF must be ignored without trusted proxies, got %s", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seenID string
	var hasLogger bool
	h := RequestIDMiddleware(zerolog.Nop(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = GetRequestID(r.Context())
		_, hasLogger = r.Context().Value(loggerKey).(*zerolog.Logger)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc123")
	h.ServeHTTP(rr, req)

	if seenID != "abc123" || rr.Header().Get("X-Request-ID") != "abc123" {
		t.Errorf("request id not propagated: ctx=%q header=%q", seenID, rr.Header().Get("X-Request-ID"))
	}
	if !hasLogger {
		t.Error("logger missing from context")
	}
}

func TestBuildCookie(t *testing.T) {
	cfg := config.CookieCfg{Name: "af_handshake", LifetimeMinutes: 5, Secure: true, SameSite: "strict"}
	c := BuildCookie(cfg, "v")
	if !c.HttpOnly {
		t.Error("handshake cookie must be HttpOnly")
	}
	if c.MaxAge != 300 || c.Path != "/" || c.SameSite != http.SameSiteStrictMode || !c.Secure {
		t.Errorf("unexpected cookie: %+v", c)
	}

	exp := ExpireCookie(cfg)
	if exp.MaxAge >= 0 || exp.Value != "" {
		t.Errorf("expire cookie should have negative MaxAge and empty value: %+v", exp)
	}
}

func TestDisableCaching(t *testing.T) {
	rr := httptest.NewRecorder()
	DisableCaching(rr)
	if rr.Header().Get("Cache-Control") != "no-store, no-cache, must-revalidate, max-age=0" {
		t.Errorf("bad Cache-Control: %s", rr.Header().Get("Cache-Control"))
	}
	if rr.Header().Get("Pragma") != "no-cache" || rr.Header().Get("Expires") == "" {
		t.Error("Pragma/Expires not set")
	}
}

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusTeapot, map[string]any{"ok": true})
	if rr.Code != http.StatusTeapot {
		t.Errorf("expected 418, got %d", rr.Code)
	}
	if rr.Body.String() != "{\"ok\":true}\n" {
		t.Errorf("unexpected body %q", rr.Body.String())
	}
}
