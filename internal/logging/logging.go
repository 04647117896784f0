// Package logging configures the process-wide zerolog logger and the
// security audit toggles shared by the gate and the handshake endpoints.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"handshakegate/gate-service/internal/config"
	"handshakegate/gate-service/internal/util"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup installs the global logger from cfg. The returned closer flushes the
// rotating file writer, if one was configured.
func Setup(cfg config.LoggingCfg) (io.Closer, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var console io.Writer = os.Stdout
	if level == zerolog.DebugLevel {
		console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	writers := []io.Writer{console}
	var file *lumberjack.Logger
	if cfg.File.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file = &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxAge:     cfg.File.MaxAgeDays,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   cfg.File.Compress,
			LocalTime:  true,
		}
		writers = append(writers, file)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	if file == nil {
		return io.NopCloser(nil), nil
	}
	return file, nil
}

// Audit holds the security-event toggles.
type Audit struct {
	Blocked     bool
	Renewals    bool
	Handshakes  bool
	Revocations bool
	// IPKey, when set, replaces client IPs in audit events with a keyed hash.
	IPKey []byte
}

func NewAudit(cfg config.LoggingCfg) Audit {
	a := Audit{
		Blocked:     cfg.LogBlocked,
		Renewals:    cfg.LogRenewals,
		Handshakes:  cfg.LogHandshakes,
		Revocations: cfg.LogRevocations,
	}
	if cfg.IPHashKey != "" {
		a.IPKey = []byte(cfg.IPHashKey)
	}
	return a
}

// IP renders a client address for an audit event.
func (a Audit) IP(ip string) string {
	if len(a.IPKey) == 0 {
		return ip
	}
	return util.HMACIP(ip, a.IPKey)
}
