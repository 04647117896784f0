// Package gate decides, per request, whether a visitor passes straight
// through to the protected site or must complete the handshake first.
package gate

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"regexp"
	"strings"

	"handshakegate/gate-service/internal/config"
	"handshakegate/gate-service/internal/httputil"
	"handshakegate/gate-service/internal/lifecycle"
	"handshakegate/gate-service/internal/logging"
	"handshakegate/gate-service/internal/session"
	"handshakegate/gate-service/internal/token"

	"github.com/ryanuber/go-glob"
)

type Decision int

const (
	PassThrough Decision = iota
	PassThroughWithRotatedCookie
	ChallengeRequired
)

func (d Decision) String() string {
	switch d {
	case PassThrough:
		return "pass"
	case PassThroughWithRotatedCookie:
		return "rotate"
	case ChallengeRequired:
		return "challenge"
	default:
		return "unknown"
	}
}

// Outcome is the gate's verdict on one request. Issued is set for
// PassThroughWithRotatedCookie; Err carries the lifecycle error behind a
// challenge, if any.
type Outcome struct {
	Decision Decision
	Reason   string
	Issued   *lifecycle.Issued
	Err      error
}

// Config is assembled once at startup.
type Config struct {
	Enabled bool
	// ExcludedPaths are globs where * matches any run of characters,
	// slashes included, against the path without its leading slash.
	ExcludedPaths []string
	// WhitelistIPs holds exact addresses, CIDR prefixes or dotted patterns
	// with * for one numeric component.
	WhitelistIPs []string
	// WhitelistUserAgents are matched as case-insensitive substrings.
	WhitelistUserAgents []string
	Cookie              config.CookieCfg
	Audit               logging.Audit
}

// ChallengeRenderer writes the loader page for a request that must complete
// the handshake. Caching headers are already set.
type ChallengeRenderer interface {
	RenderChallenge(w http.ResponseWriter, r *http.Request)
}

type Gate struct {
	cfg        Config
	lc         *lifecycle.Lifecycle
	renderer   ChallengeRenderer
	excluded   []string
	ipExact    []netip.Addr
	ipPrefixes []netip.Prefix
	ipPatterns []*regexp.Regexp
	userAgents []string
}

func New(cfg Config, lc *lifecycle.Lifecycle, renderer ChallengeRenderer) (*Gate, error) {
	if lc == nil || renderer == nil {
		return nil, errors.New("gate: lifecycle and renderer are required")
	}
	g := &Gate{cfg: cfg, lc: lc, renderer: renderer}

	for _, p := range cfg.ExcludedPaths {
		if p = strings.TrimSpace(p); p != "" {
			g.excluded = append(g.excluded, p)
		}
	}
	for _, rule := range cfg.WhitelistIPs {
		rule = strings.TrimSpace(rule)
		switch {
		case rule == "":
		case strings.Contains(rule, "*"):
			// * stands for one numeric component, never a dot.
			pat := strings.NewReplacer(".", `\.`, "*", `\d+`).Replace(rule)
			re, err := regexp.Compile("^" + pat + "$")
			if err != nil {
				return nil, fmt.Errorf("gate: whitelist pattern %q: %w", rule, err)
			}
			g.ipPatterns = append(g.ipPatterns, re)
		case strings.Contains(rule, "/"):
			prefix, err := netip.ParsePrefix(rule)
			if err != nil {
				return nil, fmt.Errorf("gate: whitelist prefix %q: %w", rule, err)
			}
			g.ipPrefixes = append(g.ipPrefixes, prefix.Masked())
		default:
			addr, err := netip.ParseAddr(rule)
			if err != nil {
				return nil, fmt.Errorf("gate: whitelist address %q: %w", rule, err)
			}
			g.ipExact = append(g.ipExact, addr.Unmap())
		}
	}
	for _, ua := range cfg.WhitelistUserAgents {
		if ua = strings.ToLower(strings.TrimSpace(ua)); ua != "" {
			g.userAgents = append(g.userAgents, ua)
		}
	}
	return g, nil
}

// Evaluate applies the gate rules in order; the first that matches decides.
func (g *Gate) Evaluate(r *http.Request) Outcome {
	if !g.cfg.Enabled {
		return Outcome{Decision: PassThrough, Reason: "disabled"}
	}
	// SECURITY: view-source and prefetch requests are challenged before any
	// exclusion or whitelist applies. A view-source fetch reuses the page's
	// cookies, so letting it through would show the protected markup outside
	// the page script's watch.
	if isViewSource(r) {
		return Outcome{Decision: ChallengeRequired, Reason: "view_source"}
	}
	// Excluded paths include the handshake endpoints and the loader itself;
	// gating them would make the challenge unreachable.
	if g.excludedPath(r.URL.Path) {
		return Outcome{Decision: PassThrough, Reason: "excluded_path"}
	}
	// ClientIPFromHeaders only honours X-Forwarded-For from trusted proxies,
	// so a spoofed header cannot claim a whitelisted address.
	ip := httputil.ClientIPFromHeaders(r)
	if g.whitelistedIP(ip) {
		return Outcome{Decision: PassThrough, Reason: "whitelisted_ip"}
	}
	// User-Agent is client supplied. The crawler whitelist trades that risk for
	// indexability; operators who need more should whitelist crawler IPs.
	ua := r.UserAgent()
	if g.whitelistedUA(ua) {
		return Outcome{Decision: PassThrough, Reason: "whitelisted_ua"}
	}

	c, err := r.Cookie(g.cfg.Cookie.Name)
	if err != nil || c.Value == "" {
		return Outcome{Decision: ChallengeRequired, Reason: "no_token"}
	}

	subj := lifecycle.Subject{
		SessionID:   session.ID(r.Context()),
		Fingerprint: token.Fingerprint{UserAgent: ua, IP: ip},
	}
	res, err := g.lc.ValidateAndRenew(r.Context(), subj, c.Value)
	switch {
	// A store outage lands here too: an unverifiable token is never valid.
	case !res.Valid:
		return Outcome{Decision: ChallengeRequired, Reason: lifecycle.Reason(err), Err: err}
	case res.Renewed:
		return Outcome{Decision: PassThroughWithRotatedCookie, Reason: "renewed", Issued: res.Issued}
	case err != nil:
		// Renewal failed but the presented token is still good.
		return Outcome{Decision: PassThrough, Reason: "renew_failed", Err: err}
	default:
		return Outcome{Decision: PassThrough, Reason: "valid"}
	}
}

// isViewSource reports browser prefetches and view-source loads. Only the
// exact "prefetch" purpose counts; other Purpose values are navigations.
func isViewSource(r *http.Request) bool {
	if r.Header.Get("Purpose") == "prefetch" || r.Header.Get("Sec-Purpose") == "prefetch" {
		return true
	}
	if strings.Contains(strings.ToLower(r.UserAgent()), "view-source") {
		return true
	}
	return strings.HasPrefix(r.Referer(), "view-source:")
}

// excludedPath matches the path without surrounding slashes, so "blocked"
// covers both /blocked and /blocked/. The bare root is matched as "/".
func (g *Gate) excludedPath(p string) bool {
	p = strings.Trim(p, "/")
	if p == "" {
		p = "/"
	}
	for _, pattern := range g.excluded {
		if glob.Glob(pattern, p) {
			return true
		}
	}
	return false
}

// whitelistedIP checks dotted * patterns on the raw string, then exact
// addresses and prefixes on the parsed form. IPv4-mapped IPv6 addresses are
// unmapped first so "::ffff:10.20.0.1" matches 10.20.0.0/16.
func (g *Gate) whitelistedIP(ip string) bool {
	if ip == "" {
		return false
	}
	for _, re := range g.ipPatterns {
		if re.MatchString(ip) {
			return true
		}
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, a := range g.ipExact {
		if a == addr {
			return true
		}
	}
	for _, p := range g.ipPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (g *Gate) whitelistedUA(ua string) bool {
	if ua == "" {
		return false
	}
	ua = strings.ToLower(ua)
	for _, s := range g.userAgents {
		if strings.Contains(ua, s) {
			return true
		}
	}
	return false
}
