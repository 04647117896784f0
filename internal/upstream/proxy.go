// Package upstream forwards admitted requests to the protected origin.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"handshakegate/gate-service/internal/config"
	internalhttp "handshakegate/gate-service/internal/httputil"
	"handshakegate/gate-service/internal/metrics"
)

const maxBodySize = 100 * 1024 * 1024 // 100MB max for proxied request bodies

// Proxy is a single-origin reverse proxy. Only requests the gate admitted
// reach it.
type Proxy struct {
	origin    *url.URL
	proxy     *httputil.ReverseProxy
	transport *http.Transport
}

// New validates the origin and builds the proxy with pooled connections.
func New(cfg config.UpstreamCfg) (*Proxy, error) {
	target, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse origin: %w", err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("upstream: origin %q must be an absolute http(s) URL", cfg.Origin)
	}

	// Configure the transport with configurable timeouts and connection pools
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	transport := &http.Transport{
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		IdleConnTimeout:       time.Duration(cfg.IdleTimeoutMs) * time.Millisecond,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   timeout / 3, // 1/3 of total timeout for handshake
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: true,
	}

	p := &Proxy{origin: target, transport: transport}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = transport

	// ReverseProxy appends RemoteAddr, which ServeHTTP has set to the
	// resolved client, to X-Forwarded-For.
	director := rp.Director
	rp.Director = func(req *http.Request) {
		director(req)
		if requestID := internalhttp.GetRequestID(req.Context()); requestID != "" {
			req.Header.Set("X-Request-ID", requestID)
		}
		// ServeHTTP removed the client's copies; these are ours.
		req.Header.Set("X-Forwarded-Proto", scheme(req))
		req.Header.Set("X-Forwarded-Host", req.Host)
	}
	rp.ErrorHandler = p.handleError
	p.proxy = rp
	return p, nil
}

// ServeHTTP forwards r to the origin with latency tracking.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	// SECURITY: prevent request smuggling. A request carrying both framing
	// headers can be split differently by the gate and the origin; per
	// RFC 7230 Transfer-Encoding takes precedence, so Content-Length goes.
	if r.Header.Get("Content-Length") != "" && r.Header.Get("Transfer-Encoding") != "" {
		internalhttp.GetLogger(r.Context()).Warn().
			Str("remote_addr", r.RemoteAddr).
			Msg("request smuggling attempt detected: both Content-Length and Transfer-Encoding present")
		r.Header.Del("Content-Length")
	}

	// SECURITY: resolve the client before the forwarding headers go. The
	// origin must not see X-Forwarded-* or X-Real-IP values the client made
	// up, since it may use them for its own IP checks. XFF was already
	// honoured above if, and only if, the peer is a trusted proxy.
	clientIP := internalhttp.ClientIPFromHeaders(r)
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
	r.Header.Del("X-Forwarded-Host")
	r.Header.Del("X-Real-IP")
	// A shallow copy keeps the caller's request untouched; ReverseProxy
	// appends this address to X-Forwarded-For exactly once.
	if clientIP != "" {
		r = r.WithContext(r.Context())
		r.RemoteAddr = net.JoinHostPort(clientIP, "0")
	}

	start := time.Now()
	p.proxy.ServeHTTP(w, r)
	metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
}

// handleError classifies transport failures for metrics and maps them to
// 502, 503 or 504.
func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	logger := internalhttp.GetLogger(r.Context())
	origin := p.origin.String()

	// Client disconnected; there is nobody left to answer.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Debug().Str("origin", origin).Str("error_type", "context").Msg("proxy request canceled")
		metrics.UpstreamErrors.WithLabelValues("context").Inc()
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		logger.Warn().Str("origin", origin).Str("error_type", "timeout").Err(err).Msg("proxy timeout")
		metrics.UpstreamErrors.WithLabelValues("timeout").Inc()
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
		return
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		logger.Error().Str("origin", origin).Str("error_type", "dns").Err(err).Msg("DNS resolution failed")
		metrics.UpstreamErrors.WithLabelValues("dns").Inc()
		http.Error(w, "service unavailable: DNS error", http.StatusServiceUnavailable)
		return
	}

	// The origin is down or not listening yet.
	if strings.Contains(err.Error(), "connection refused") {
		logger.Error().Str("origin", origin).Str("error_type", "connection").Err(err).Msg("connection refused")
		metrics.UpstreamErrors.WithLabelValues("connection").Inc()
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	logger.Error().Str("origin", origin).Str("error_type", "other").Err(err).Msg("proxy error")
	metrics.UpstreamErrors.WithLabelValues("other").Inc()
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

// Shutdown closes idle upstream connections.
func (p *Proxy) Shutdown(context.Context) error {
	p.transport.CloseIdleConnections()
	return nil
}

// scheme reports the scheme the client used to reach the gate.
func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
