package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"handshakegate/gate-service/internal/config"
	"handshakegate/gate-service/internal/util"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetup_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gate.log")
	closer, err := Setup(config.LoggingCfg{
		Level: "warn",
		File:  config.LogFileCfg{Path: path, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	log.Info().Msg("below level")
	log.Warn().Str("reason", "fingerprint_mismatch").Msg("blocked request")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "below level") {
		t.Error("info event written at warn level")
	}
	if !strings.Contains(out, `"reason":"fingerprint_mismatch"`) {
		t.Errorf("warn event missing: %s", out)
	}
}

func TestAuditIP(t *testing.T) {
	plain := NewAudit(config.LoggingCfg{LogBlocked: true})
	if !plain.Blocked || plain.Renewals {
		t.Errorf("toggles not copied: %+v", plain)
	}
	if got := plain.IP("203.0.113.7"); got != "203.0.113.7" {
		t.Errorf("expected raw ip, got %s", got)
	}

	hashed := NewAudit(config.LoggingCfg{IPHashKey: "k"})
	if got := hashed.IP("203.0.113.7"); got != util.HMACIP("203.0.113.7", []byte("k")) {
		t.Errorf("expected keyed hash, got %s", got)
	}
}
