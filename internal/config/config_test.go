package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const minimalYAML = `
token:
  keys:
    k1: "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY"
  current_kid: k1
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "af_handshake", cfg.Cookie.Name)
	require.Equal(t, 5, cfg.Cookie.LifetimeMinutes)
	require.True(t, cfg.Cookie.Secure)
	require.Equal(t, "lax", cfg.Cookie.SameSite)
	require.True(t, cfg.Gate.Enabled)
	require.Equal(t, DefaultExcludedPaths, cfg.Gate.ExcludedPaths)
	require.Equal(t, DefaultUserAgents, cfg.Gate.Whitelist.UserAgents)
	require.Equal(t, 300, cfg.Token.LifetimeSec)
	require.Equal(t, 60, cfg.Token.GracePeriodSec)
	require.Equal(t, 240, cfg.Token.RotationIntervalSec)
	require.True(t, cfg.Token.FingerprintValidation)
	require.False(t, cfg.Token.StrictIPCheck)
	require.Equal(t, 30, cfg.RateLimit.VerifyPerMinute)
	require.Equal(t, 60, cfg.RateLimit.RenewPerMinute)
	require.True(t, cfg.Logging.LogBlocked)
	require.False(t, cfg.Logging.LogRenewals)
	require.False(t, cfg.Logging.LogHandshakes)
	require.True(t, cfg.Logging.LogRevocations)
	require.Equal(t, 3, cfg.Client.MaxAttempts)
}

func TestParse_OverridesKeepUnsetDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + `
gate:
  enabled: false
  excluded_paths: ["health"]
cookie:
  same_site: Strict
  secure: false
server:
  trusted_proxies: ["10.0.0.0/8"]
`))
	require.NoError(t, err)
	require.False(t, cfg.Gate.Enabled)
	require.Equal(t, []string{"health"}, cfg.Gate.ExcludedPaths)
	require.Equal(t, DefaultUserAgents, cfg.Gate.Whitelist.UserAgents)
	require.Equal(t, "strict", cfg.Cookie.SameSite)
	require.False(t, cfg.Cookie.Secure)
	require.Len(t, cfg.Server.TrustedProxyCIDRs, 1)
	require.NoError(t, cfg.Validate())
}

func TestParse_BadTrustedProxy(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + `
server:
  trusted_proxies: ["not-a-cidr"]
`))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing keys", func(c *Config) { c.Token.Keys = nil }},
		{"unknown kid", func(c *Config) { c.Token.CurrentKID = "nope" }},
		{"rotation above lifetime", func(c *Config) { c.Token.RotationIntervalSec = 400 }},
		{"threshold equals lifetime", func(c *Config) { c.Token.RenewalThresholdSec = 300 }},
		{"bad same_site", func(c *Config) { c.Cookie.SameSite = "sideways" }},
		{"none without secure", func(c *Config) { c.Cookie.SameSite = "none"; c.Cookie.Secure = false }},
		{"redis without addr", func(c *Config) { c.Session.Backend = "redis" }},
		{"unknown backend", func(c *Config) { c.RateLimit.Backend = "etcd" }},
		{"bad ip rule", func(c *Config) { c.Gate.Whitelist.IPs = []string{"10.0.0.300"} }},
		{"renewal slower than rotation", func(c *Config) { c.Client.RenewalIntervalSec = 240 }},
		{"session cookie clash", func(c *Config) { c.Session.CookieName = c.Cookie.Name }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(minimalYAML))
			require.NoError(t, err)
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidIPRule(t *testing.T) {
	for _, ok := range []string{"127.0.0.1", "10.0.0.0/8", "192.168.*.*", "::1", "2001:db8::/32"} {
		require.True(t, validIPRule(ok), ok)
	}
	for _, bad := range []string{"", "10.0.0.0/99", "abc", "10..*"} {
		require.False(t, validIPRule(bad), bad)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))

	t.Setenv("HANDSHAKEGATE_CHALLENGE_SECRET", "from-env")
	t.Setenv("HANDSHAKEGATE_UPSTREAM", "http://app:3000")
	t.Setenv("HANDSHAKEGATE_TOKEN_KEY", "rotated:c2Vjb25kLWtleQ")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Challenge.Secret)
	require.Equal(t, "http://app:3000", cfg.Upstream.Origin)
	require.Equal(t, "rotated", cfg.Token.CurrentKID)
	require.Equal(t, "c2Vjb25kLWtleQ", cfg.Token.Keys["rotated"])
	require.Len(t, cfg.Token.Keys, 2)
}

func TestUsesExampleKey(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.UsesExampleKey())

	cfg, err = Parse([]byte(minimalYAML))
	require.NoError(t, err)
	require.False(t, cfg.UsesExampleKey())

	// Keeping the example key around for decryption only is fine.
	cfg.Token.Keys["dev"] = ExampleTokenKey
	require.False(t, cfg.UsesExampleKey())
}
