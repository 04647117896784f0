package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerCfg struct {
	Listen         string   `yaml:"listen"`
	ReadTimeoutMs  int      `yaml:"read_timeout_ms"`
	WriteTimeoutMs int      `yaml:"write_timeout_ms"`
	TLSEnabled     bool     `yaml:"tls_enabled"`
	TLSCertFile    string   `yaml:"tls_cert_file"`
	TLSKeyFile     string   `yaml:"tls_key_file"`
	TrustedProxies []string `yaml:"trusted_proxies"`

	TrustedProxyCIDRs []*net.IPNet `yaml:"-"`
}

type GateCfg struct {
	Enabled       bool         `yaml:"enabled"`
	ExcludedPaths []string     `yaml:"excluded_paths"`
	Whitelist     WhitelistCfg `yaml:"whitelist"`
	LoaderPath    string       `yaml:"loader_path"`
	BlockedPath   string       `yaml:"blocked_path"`
	CSP           string       `yaml:"csp"`
}

type WhitelistCfg struct {
	IPs        []string `yaml:"ips"`
	UserAgents []string `yaml:"user_agents"`
}

type CookieCfg struct {
	Name            string `yaml:"name"`
	Domain          string `yaml:"domain"`
	Path            string `yaml:"path"`
	LifetimeMinutes int    `yaml:"lifetime_minutes"`
	SameSite        string `yaml:"same_site"` // lax | strict | none
	Secure          bool   `yaml:"secure"`
}

type TokenCfg struct {
	LifetimeSec           int               `yaml:"lifetime_sec"`
	GracePeriodSec        int               `yaml:"grace_period_sec"`
	RenewalThresholdSec   int               `yaml:"renewal_threshold_sec"`
	RotationIntervalSec   int               `yaml:"rotation_interval_sec"`
	FingerprintValidation bool              `yaml:"fingerprint_validation"`
	StrictIPCheck         bool              `yaml:"strict_ip_check"`
	Keys                  map[string]string `yaml:"keys"`
	CurrentKID            string            `yaml:"current_kid"`
}

type RedisCfg struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	DialTimeoutMs int    `yaml:"dial_timeout_ms"`
}

type SessionCfg struct {
	CookieName string `yaml:"cookie_name"`
	IdleTTLSec int    `yaml:"idle_ttl_sec"`
	Backend    string `yaml:"backend"` // memory | redis
	Capacity   int    `yaml:"capacity"`
	KeyPrefix  string `yaml:"key_prefix"`
}

type RateLimitCfg struct {
	VerifyPerMinute int    `yaml:"verify_per_minute"`
	RenewPerMinute  int    `yaml:"renew_per_minute"`
	Backend         string `yaml:"backend"` // memory | redis
	KeyPrefix       string `yaml:"key_prefix"`
}

type ChallengeCfg struct {
	Secret string `yaml:"secret"`
	TTLSec int    `yaml:"ttl_sec"`
}

type LogFileCfg struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

type LoggingCfg struct {
	Level          string     `yaml:"level"` // info|debug|warn|error
	File           LogFileCfg `yaml:"file"`
	LogBlocked     bool       `yaml:"log_blocked"`
	LogRenewals    bool       `yaml:"log_renewals"`
	LogHandshakes  bool       `yaml:"log_handshakes"`
	LogRevocations bool       `yaml:"log_revocations"`
	IPHashKey      string     `yaml:"ip_hash_key"`
}

type ClientCfg struct {
	SizeThreshold       int `yaml:"size_threshold"`
	TimingThresholdMs   int `yaml:"timing_threshold_ms"`
	LoopIterations      int `yaml:"loop_iterations"`
	DetectionIntervalMs int `yaml:"detection_interval_ms"`
	RenewalIntervalSec  int `yaml:"renewal_interval_sec"`
	MaxAttempts         int `yaml:"max_attempts"`
}

type UpstreamCfg struct {
	Origin        string `yaml:"origin"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	MaxIdleConns  int    `yaml:"max_idle_conns"`
	IdleTimeoutMs int    `yaml:"idle_timeout_ms"`
}

type BreakerCfg struct {
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	TimeoutSec       int `yaml:"timeout_sec"`
}

type Config struct {
	Server    ServerCfg    `yaml:"server"`
	Gate      GateCfg      `yaml:"gate"`
	Cookie    CookieCfg    `yaml:"cookie"`
	Token     TokenCfg     `yaml:"token"`
	Redis     RedisCfg     `yaml:"redis"`
	Session   SessionCfg   `yaml:"session"`
	RateLimit RateLimitCfg `yaml:"rate_limit"`
	Challenge ChallengeCfg `yaml:"challenge"`
	Logging   LoggingCfg   `yaml:"logging"`
	Client    ClientCfg    `yaml:"client"`
	Upstream  UpstreamCfg  `yaml:"upstream"`
	Breaker   BreakerCfg   `yaml:"breaker"`
}

// DefaultExcludedPaths never require a handshake.
var DefaultExcludedPaths = []string{
	"_security/*",
	"blocked",
	"loader",
	"api/*",
	"livewire/message/*",
	"livewire/upload-file",
	"assets/*",
	"vendor/*",
	"storage/*",
	"build/*",
	"favicon.ico",
	"robots.txt",
}

// DefaultUserAgents are crawlers and monitoring tools that bypass the gate.
var DefaultUserAgents = []string{
	"Googlebot",
	"Bingbot",
	"Lighthouse",
	"PageSpeed",
	"GTmetrix",
	"Pingdom",
	"UptimeRobot",
}

// Default returns a Config populated with every default. Load unmarshals the
// file on top of it, so absent keys keep these values.
func Default() *Config {
	return &Config{
		Server: ServerCfg{
			Listen:         ":8080",
			ReadTimeoutMs:  5000,
			WriteTimeoutMs: 30000,
		},
		Gate: GateCfg{
			Enabled:       true,
			ExcludedPaths: append([]string(nil), DefaultExcludedPaths...),
			Whitelist: WhitelistCfg{
				UserAgents: append([]string(nil), DefaultUserAgents...),
			},
			LoaderPath:  "/loader",
			BlockedPath: "/blocked",
		},
		Cookie: CookieCfg{
			Name:            "af_handshake",
			Path:            "/",
			LifetimeMinutes: 5,
			SameSite:        "lax",
			Secure:          true,
		},
		Token: TokenCfg{
			LifetimeSec:           300,
			GracePeriodSec:        60,
			RenewalThresholdSec:   60,
			RotationIntervalSec:   240,
			FingerprintValidation: true,
		},
		Redis: RedisCfg{
			DialTimeoutMs: 2000,
		},
		Session: SessionCfg{
			CookieName: "hg_session",
			IdleTTLSec: 7200,
			Backend:    "memory",
			Capacity:   100_000,
			KeyPrefix:  "hg:sess:",
		},
		RateLimit: RateLimitCfg{
			VerifyPerMinute: 30,
			RenewPerMinute:  60,
			Backend:         "memory",
			KeyPrefix:       "hg:rl:",
		},
		Challenge: ChallengeCfg{
			TTLSec: 600,
		},
		Logging: LoggingCfg{
			Level:          "info",
			LogBlocked:     true,
			LogRevocations: true,
			File: LogFileCfg{
				MaxSizeMB:  100,
				MaxAgeDays: 7,
				MaxBackups: 5,
			},
		},
		Client: ClientCfg{
			SizeThreshold:       160,
			TimingThresholdMs:   120,
			LoopIterations:      100_000,
			DetectionIntervalMs: 500,
			RenewalIntervalSec:  30,
			MaxAttempts:         3,
		},
		Upstream: UpstreamCfg{
			TimeoutMs:     30000,
			MaxIdleConns:  100,
			IdleTimeoutMs: 90000,
		},
		Breaker: BreakerCfg{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			TimeoutSec:       30,
		},
	}
}

// Load reads a YAML config file, applies env overrides and resolves derived fields.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse is Load without the file read.
func Parse(b []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	for _, cidr := range cfg.Server.TrustedProxies {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", cidr, err)
		}
		cfg.Server.TrustedProxyCIDRs = append(cfg.Server.TrustedProxyCIDRs, ipnet)
	}
	cfg.Cookie.SameSite = strings.ToLower(cfg.Cookie.SameSite)
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HANDSHAKEGATE_CHALLENGE_SECRET"); v != "" {
		c.Challenge.Secret = v
	}
	if v := os.Getenv("HANDSHAKEGATE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("HANDSHAKEGATE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("HANDSHAKEGATE_UPSTREAM"); v != "" {
		c.Upstream.Origin = v
	}
	// HANDSHAKEGATE_TOKEN_KEY=kid:key adds a key and makes it current.
	if v := os.Getenv("HANDSHAKEGATE_TOKEN_KEY"); v != "" {
		if kid, key, ok := strings.Cut(v, ":"); ok && kid != "" && key != "" {
			if c.Token.Keys == nil {
				c.Token.Keys = map[string]string{}
			}
			c.Token.Keys[kid] = key
			c.Token.CurrentKID = kid
		}
	}
}

// ExampleTokenKey is the development key shipped in config.example.yaml.
const ExampleTokenKey = "ZGV2LW9ubHktMzItYnl0ZS1rZXktZG8tbm90LXVzZSE"

// UsesExampleKey reports whether new tokens would be sealed with the public
// development key.
func (c *Config) UsesExampleKey() bool {
	return c.Token.Keys[c.Token.CurrentKID] == ExampleTokenKey
}

func (c *Config) CookieMaxAge() time.Duration {
	return time.Duration(c.Cookie.LifetimeMinutes) * time.Minute
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.IdleTTLSec) * time.Second
}

func (c *Config) ChallengeTTL() time.Duration {
	return time.Duration(c.Challenge.TTLSec) * time.Second
}

func (c *Config) Validate() error {
	t := c.Token
	if t.LifetimeSec <= 0 {
		return errors.New("token.lifetime_sec must be > 0")
	}
	if t.GracePeriodSec < 0 {
		return errors.New("token.grace_period_sec must be >= 0")
	}
	if t.RenewalThresholdSec < 0 || t.RenewalThresholdSec >= t.LifetimeSec {
		return errors.New("token.renewal_threshold_sec must be in [0, lifetime_sec)")
	}
	if t.RotationIntervalSec <= 0 || t.RotationIntervalSec > t.LifetimeSec {
		return errors.New("token.rotation_interval_sec must be in (0, lifetime_sec]")
	}
	if t.CurrentKID == "" || len(t.Keys) == 0 {
		return errors.New("token.keys and token.current_kid required")
	}
	if _, ok := t.Keys[t.CurrentKID]; !ok {
		return errors.New("token.current_kid not found in token.keys")
	}

	switch c.Cookie.SameSite {
	case "lax", "strict":
	case "none":
		if !c.Cookie.Secure {
			return errors.New("cookie.same_site 'none' requires cookie.secure")
		}
	default:
		return errors.New("cookie.same_site must be 'lax', 'strict' or 'none'")
	}
	if c.Cookie.Name == "" || c.Cookie.LifetimeMinutes <= 0 {
		return errors.New("cookie.name and cookie.lifetime_minutes required")
	}
	if c.Session.CookieName == "" || c.Session.CookieName == c.Cookie.Name {
		return errors.New("session.cookie_name must be set and differ from cookie.name")
	}
	if c.Session.IdleTTLSec <= 0 {
		return errors.New("session.idle_ttl_sec must be > 0")
	}

	if err := checkBackend("session.backend", c.Session.Backend, c.Redis.Addr); err != nil {
		return err
	}
	if err := checkBackend("rate_limit.backend", c.RateLimit.Backend, c.Redis.Addr); err != nil {
		return err
	}
	if c.RateLimit.VerifyPerMinute <= 0 || c.RateLimit.RenewPerMinute <= 0 {
		return errors.New("rate_limit.verify_per_minute and renew_per_minute must be > 0")
	}
	if c.Challenge.TTLSec <= 0 {
		return errors.New("challenge.ttl_sec must be > 0")
	}

	for _, rule := range c.Gate.Whitelist.IPs {
		if !validIPRule(rule) {
			return fmt.Errorf("gate.whitelist.ips: invalid rule %q", rule)
		}
	}
	if !strings.HasPrefix(c.Gate.LoaderPath, "/") || !strings.HasPrefix(c.Gate.BlockedPath, "/") {
		return errors.New("gate.loader_path and gate.blocked_path must start with '/'")
	}

	cl := c.Client
	if cl.MaxAttempts <= 0 || cl.DetectionIntervalMs <= 0 || cl.SizeThreshold <= 0 {
		return errors.New("client.max_attempts, detection_interval_ms and size_threshold must be > 0")
	}
	if cl.RenewalIntervalSec <= 0 || cl.RenewalIntervalSec >= t.RotationIntervalSec {
		return errors.New("client.renewal_interval_sec must be in (0, token.rotation_interval_sec)")
	}

	if c.Server.TLSEnabled && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		return errors.New("server.tls_cert_file and tls_key_file required when tls_enabled")
	}
	return nil
}

func checkBackend(field, backend, redisAddr string) error {
	switch backend {
	case "memory":
		return nil
	case "redis":
		if redisAddr == "" {
			return fmt.Errorf("%s 'redis' requires redis.addr", field)
		}
		return nil
	default:
		return fmt.Errorf("%s must be 'memory' or 'redis'", field)
	}
}

// validIPRule accepts an exact address, a CIDR block or a dotted pattern with '*' octets.
func validIPRule(rule string) bool {
	if strings.Contains(rule, "*") {
		for _, part := range strings.Split(rule, ".") {
			if part == "" {
				return false
			}
		}
		return true
	}
	if strings.Contains(rule, "/") {
		_, err := netip.ParsePrefix(rule)
		return err == nil
	}
	_, err := netip.ParseAddr(rule)
	return err == nil
}
