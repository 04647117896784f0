// Package client plays the browser's side of the handshake from Go: it loads
// the challenge page, runs the heuristics, completes verify with bounded
// retries and then keeps the token fresh.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"handshakegate/gate-service/internal/rate"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
)

var (
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrReloadRequired  = errors.New("token rejected, reload required")
	ErrBlocked         = errors.New("developer tools detected")
	ErrNotProtected    = errors.New("handshake not completed")
)

type State int

const (
	Init State = iota
	HeuristicCheck
	Blocked
	Verifying
	Protected
	Error
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case HeuristicCheck:
		return "heuristic_check"
	case Blocked:
		return "blocked"
	case Verifying:
		return "verifying"
	case Protected:
		return "protected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

type Options struct {
	// HTTPClient is used as given; a cookie jar is attached when it has none.
	HTTPClient *http.Client
	UserAgent  string
	Probe      Probe
	// MaxAttempts bounds verify calls; the wait before attempt n+1 is
	// BaseDelay*2^n.
	MaxAttempts       int
	BaseDelay         time.Duration
	DetectionInterval time.Duration
	// RenewalInterval must stay below the server's rotation interval.
	RenewalInterval time.Duration
	HandshakePath   string
	Logger          *zerolog.Logger
}

type Client struct {
	opts   Options
	http   *http.Client
	logger *zerolog.Logger

	mu    sync.Mutex
	state State
	base  *url.URL
}

func New(opts Options) (*Client, error) {
	if opts.Probe == nil {
		opts.Probe = StaticProbe{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.DetectionInterval <= 0 {
		opts.DetectionInterval = 500 * time.Millisecond
	}
	if opts.RenewalInterval <= 0 {
		opts.RenewalInterval = 30 * time.Second
	}
	if opts.HandshakePath == "" {
		opts.HandshakePath = "/_security/handshake"
	}
	if opts.Logger == nil {
		opts.Logger = &log.Logger
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		cp := *hc
		cp.Jar = jar
		hc = &cp
	}
	return &Client{opts: opts, http: hc, logger: opts.Logger}, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("handshake client state")
	}
}

// Page is a fetched document.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
}

type loader struct {
	csrf      string
	verifyURL string
	returnURL string
}

// Handshake opens target and, if the gate answers with the loader page,
// completes the exchange and returns the page the loader leads back to.
func (c *Client) Handshake(ctx context.Context, target string) (*Page, error) {
	c.setState(Init)
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		c.setState(Error)
		return nil, fmt.Errorf("client: invalid target %q", target)
	}
	c.mu.Lock()
	c.base = &url.URL{Scheme: u.Scheme, Host: u.Host}
	c.mu.Unlock()

	page, ld, err := c.fetch(ctx, u)
	if err != nil {
		c.setState(Error)
		return nil, err
	}
	if ld == nil {
		// Already admitted.
		c.setState(Protected)
		return page, nil
	}

	c.setState(HeuristicCheck)
	sig, err := c.opts.Probe.Signals(ctx)
	if err != nil {
		c.setState(Error)
		return nil, fmt.Errorf("client: probe: %w", err)
	}
	if Detect(sig) {
		c.setState(Blocked)
		return nil, ErrBlocked
	}

	c.setState(Verifying)
	verifyURL := c.resolve(ld.verifyURL, c.opts.HandshakePath+"/verify")
	if err := c.verify(ctx, verifyURL, ld.csrf); err != nil {
		c.setState(Error)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	ret, err := url.Parse(c.resolve(ld.returnURL, "/"))
	if err != nil {
		c.setState(Error)
		return nil, err
	}
	page, ld, err = c.fetch(ctx, ret)
	if err != nil {
		c.setState(Error)
		return nil, err
	}
	if ld != nil {
		c.setState(Error)
		return nil, fmt.Errorf("%w: still challenged at %s", ErrHandshakeFailed, ret.Path)
	}
	c.setState(Protected)
	return page, nil
}

func (c *Client) resolve(ref, fallback string) string {
	if ref == "" {
		ref = fallback
	}
	c.mu.Lock()
	base := c.base
	c.mu.Unlock()
	r, err := url.Parse(ref)
	if err != nil || base == nil {
		return ref
	}
	return base.ResolveReference(r).String()
}

func (c *Client) newRequest(ctx context.Context, method, u string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	return req, nil
}

func (c *Client) fetch(ctx context.Context, u *url.URL) (*Page, *loader, error) {
	req, err := c.newRequest(ctx, http.MethodGet, u.String())
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, err
	}

	page := &Page{URL: resp.Request.URL.String(), StatusCode: resp.StatusCode, Body: body}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		return page, nil, nil
	}
	ld, err := parseLoader(body)
	if err != nil {
		return nil, nil, err
	}
	return page, ld, nil
}

// parseLoader returns nil when the document carries no anti-forgery token,
// i.e. it is not the loader page.
func parseLoader(body []byte) (*loader, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: parse page: %w", err)
	}
	meta := map[string]string{}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "meta" {
			var name, content string
			for _, a := range n.Attr {
				switch a.Key {
				case "name":
					name = a.Val
				case "content":
					content = a.Val
				}
			}
			if name != "" {
				meta[name] = content
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(doc)

	if meta["csrf-token"] == "" {
		return nil, nil
	}
	return &loader{
		csrf:      meta["csrf-token"],
		verifyURL: meta["handshake-verify"],
		returnURL: meta["handshake-return"],
	}, nil
}

type apiResponse struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error"`
	Action     string `json:"action"`
	RetryAfter int    `json:"retry_after"`
	ExpiresAt  int64  `json:"expires_at"`
}

func (c *Client) post(ctx context.Context, u string, header http.Header) (int, http.Header, *apiResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, u)
	if err != nil {
		return 0, nil, nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	var out apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return resp.StatusCode, resp.Header, nil, fmt.Errorf("client: decode response (%d): %w", resp.StatusCode, err)
	}
	return resp.StatusCode, resp.Header, &out, nil
}

// verify posts the anti-forgery token. Failed attempts are retried until
// MaxAttempts calls have been made, waiting BaseDelay*2^n before attempt n+1.
func (c *Client) verify(ctx context.Context, verifyURL, csrf string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, verifyURL, nil)
	if err != nil {
		return err
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("X-CSRF-TOKEN", csrf)

	tries := 1
	rc := &retryablehttp.Client{
		HTTPClient:   c.http,
		RetryWaitMin: c.opts.BaseDelay << 1,
		RetryWaitMax: c.opts.BaseDelay << c.opts.MaxAttempts,
		RetryMax:     c.opts.MaxAttempts - 1,
		Backoff:      verifyBackoff,
		CheckRetry:   verifyRetryPolicy,
		Logger:       leveledLogger{c.logger},
		ErrorHandler: func(resp *http.Response, err error, numTries int) (*http.Response, error) {
			tries = numTries
			return retryablehttp.PassthroughErrorHandler(resp, err, numTries)
		},
	}
	resp, err := rc.Do(req)
	if err != nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrHandshakeFailed, tries, err)
	}
	defer resp.Body.Close()

	var out apiResponse
	decErr := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w after %d attempts: %w: retry after %ss",
			ErrHandshakeFailed, tries, rate.ErrRateLimited, resp.Header.Get("Retry-After"))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w after %d attempts: verify: %d %s", ErrHandshakeFailed, tries, resp.StatusCode, out.Error)
	case decErr != nil:
		return fmt.Errorf("%w: decode verify response: %w", ErrHandshakeFailed, decErr)
	case !out.OK:
		return fmt.Errorf("%w: %s", ErrHandshakeFailed, out.Error)
	}
	return nil
}

// verifyRetryPolicy retries transport errors and every non-200 answer,
// including 429, the way the loader page does.
func verifyRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return resp.StatusCode != http.StatusOK, nil
}

// verifyBackoff doubles minWait on every retry. Retry-After is ignored so the
// schedule stays fixed.
func verifyBackoff(minWait, maxWait time.Duration, attemptNum int, _ *http.Response) time.Duration {
	d := minWait << attemptNum
	if d <= 0 || d > maxWait {
		return maxWait
	}
	return d
}

// leveledLogger routes retryablehttp's logging into zerolog.
type leveledLogger struct{ l *zerolog.Logger }

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Error().Fields(kv).Msg(msg) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Info().Fields(kv).Msg(msg) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warn().Fields(kv).Msg(msg) }

// Renew asks the server to rotate the current token.
func (c *Client) Renew(ctx context.Context) error {
	code, hdr, out, err := c.post(ctx, c.resolve(c.opts.HandshakePath+"/renew", ""), nil)
	if err != nil {
		return err
	}
	switch {
	case code == http.StatusOK && out.OK:
		return nil
	case code == http.StatusUnauthorized && out.Action == "reload":
		return ErrReloadRequired
	case code == http.StatusTooManyRequests:
		secs, _ := strconv.Atoi(hdr.Get("Retry-After"))
		return fmt.Errorf("%w: retry after %ds", rate.ErrRateLimited, secs)
	default:
		return fmt.Errorf("renew: %d %s", code, out.Error)
	}
}

// TokenStatus mirrors the status endpoint.
type TokenStatus struct {
	Valid      bool           `json:"valid"`
	IsExpiring bool           `json:"is_expiring"`
	Metadata   map[string]any `json:"metadata"`
	Message    string         `json:"message"`
}

func (c *Client) Status(ctx context.Context) (*TokenStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.resolve(c.opts.HandshakePath+"/status", ""))
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status: %d", resp.StatusCode)
	}
	var st TokenStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Protect keeps a completed handshake alive: it re-runs the probe every
// DetectionInterval and renews every RenewalInterval until ctx is done. It
// returns ErrBlocked or ErrReloadRequired when protection ends early.
func (c *Client) Protect(ctx context.Context) error {
	if c.State() != Protected {
		return ErrNotProtected
	}
	detect := time.NewTicker(c.opts.DetectionInterval)
	defer detect.Stop()
	renew := time.NewTicker(c.opts.RenewalInterval)
	defer renew.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-detect.C:
			sig, err := c.opts.Probe.Signals(ctx)
			if err != nil {
				c.logger.Warn().Err(err).Msg("probe failed")
				continue
			}
			if Detect(sig) {
				c.setState(Blocked)
				return ErrBlocked
			}
		case <-renew.C:
			err := c.Renew(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrReloadRequired):
				c.setState(Error)
				return err
			case ctx.Err() != nil:
				return nil
			default:
				c.logger.Warn().Err(err).Msg("token renewal failed")
			}
		}
	}
}
