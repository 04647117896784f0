// Package lifecycle issues, verifies, renews and revokes handshake tokens.
//
// A token lives in its session's TokenStore; the client holds a sealed
// envelope. An envelope is valid only while it names the token currently
// stored for the same session, so renewal supersedes older envelopes.
package lifecycle

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"handshakegate/gate-service/internal/metrics"
	"handshakegate/gate-service/internal/token"

	"github.com/google/uuid"
)

var (
	// ErrDecode wraps token.ErrMalformed and token.ErrDecryptionFailed.
	ErrDecode              = errors.New("envelope undecodable")
	ErrExpired             = errors.New("token expired")
	ErrSessionMismatch     = errors.New("token bound to another session")
	ErrFingerprintMismatch = fmt.Errorf("%w: fingerprint mismatch", ErrSessionMismatch)
	ErrSuperseded          = errors.New("token superseded")
	ErrStoreUnavailable    = errors.New("token store unavailable")
)

// Config is fixed at startup.
type Config struct {
	Lifetime              time.Duration
	GracePeriod           time.Duration
	RenewalThreshold      time.Duration
	RotationInterval      time.Duration
	FingerprintValidation bool
	StrictIP              bool
}

func DefaultConfig() Config {
	return Config{
		Lifetime:              300 * time.Second,
		GracePeriod:           60 * time.Second,
		RenewalThreshold:      60 * time.Second,
		RotationInterval:      240 * time.Second,
		FingerprintValidation: true,
	}
}

// Subject describes the request a token is issued to or checked against.
type Subject struct {
	SessionID   string
	Fingerprint token.Fingerprint
}

// Issued is a freshly minted token and its envelope.
type Issued struct {
	Token    token.Token
	Envelope string
}

// Result of ValidateAndRenew. Issued is set only when Renewed.
type Result struct {
	Valid   bool
	Renewed bool
	Issued  *Issued
}

// Metadata describes the stored token for status reporting.
type Metadata struct {
	TokenID          string `json:"token"`
	CreatedAt        int64  `json:"created_at"`
	ExpiresAt        int64  `json:"expires_at"`
	AgeSeconds       int64  `json:"age_seconds"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	IsExpiring       bool   `json:"is_expiring"`
}

type Lifecycle struct {
	cfg     Config
	codec   *token.Codec
	store   *TokenStore
	nowFunc func() time.Time
}

func New(cfg Config, codec *token.Codec, store *TokenStore) *Lifecycle {
	return &Lifecycle{cfg: cfg, codec: codec, store: store, nowFunc: time.Now}
}

func (l *Lifecycle) Config() Config { return l.cfg }

func (l *Lifecycle) now() int64 { return l.nowFunc().Unix() }

func (l *Lifecycle) grace() int64 { return int64(l.cfg.GracePeriod / time.Second) }

// Issue mints a token for subj and makes it the session's only valid token.
func (l *Lifecycle) Issue(ctx context.Context, subj Subject) (*Issued, error) {
	iss, err := l.mint(ctx, subj)
	if err != nil {
		return nil, err
	}
	metrics.TokensIssued.WithLabelValues("issue").Inc()
	return iss, nil
}

// Renew replaces the session's token with a fresh one. Concurrent renewals
// race on the single store write; the last writer wins and the other
// envelopes fail Check as superseded.
func (l *Lifecycle) Renew(ctx context.Context, subj Subject) (*Issued, error) {
	iss, err := l.mint(ctx, subj)
	if err != nil {
		return nil, err
	}
	metrics.TokensIssued.WithLabelValues("renew").Inc()
	return iss, nil
}

func (l *Lifecycle) mint(ctx context.Context, subj Subject) (*Issued, error) {
	if subj.SessionID == "" {
		return nil, ErrSessionMismatch
	}
	now := l.now()
	t := token.Token{
		ID:          uuid.NewString(),
		SessionID:   subj.SessionID,
		IssuedAt:    now,
		ExpiresAt:   now + int64(l.cfg.Lifetime/time.Second),
		Fingerprint: subj.Fingerprint,
	}
	env, err := l.codec.Encode(t)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if err := l.store.Put(ctx, subj.SessionID, t); err != nil {
		return nil, err
	}
	return &Issued{Token: t, Envelope: env}, nil
}

// Check returns nil when envelope is valid for subj, else the first failing
// rule: ErrDecode, ErrExpired, ErrSessionMismatch, ErrSuperseded,
// ErrFingerprintMismatch or ErrStoreUnavailable.
func (l *Lifecycle) Check(ctx context.Context, subj Subject, envelope string) error {
	_, _, err := l.check(ctx, subj, envelope)
	return err
}

// Verify is Check reduced to a boolean.
func (l *Lifecycle) Verify(ctx context.Context, subj Subject, envelope string) bool {
	return l.Check(ctx, subj, envelope) == nil
}

func (l *Lifecycle) check(ctx context.Context, subj Subject, envelope string) (*token.Envelope, *token.Token, error) {
	env, err := l.codec.Decode(envelope)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	now := l.now()
	if now > env.ExpiresAt+l.grace() {
		return env, nil, ErrExpired
	}
	if !equal(env.SessionID, subj.SessionID) {
		return env, nil, ErrSessionMismatch
	}

	stored, err := l.store.Get(ctx, subj.SessionID)
	if err != nil {
		return env, nil, err
	}
	if stored == nil || !equal(stored.ID, env.TokenID) {
		return env, stored, ErrSuperseded
	}
	if now > stored.ExpiresAt+l.grace() {
		return env, stored, ErrExpired
	}

	if l.cfg.FingerprintValidation {
		if env.UserAgent != subj.Fingerprint.UserAgent {
			return env, stored, ErrFingerprintMismatch
		}
		if l.cfg.StrictIP && env.IP != subj.Fingerprint.IP {
			return env, stored, ErrFingerprintMismatch
		}
	}
	return env, stored, nil
}

// IsExpiring reports whether the envelope has at most RenewalThreshold left.
// Undecodable envelopes count as expiring.
func (l *Lifecycle) IsExpiring(envelope string) bool {
	env, err := l.codec.Decode(envelope)
	if err != nil {
		return true
	}
	return l.expiring(env.ExpiresAt)
}

// SessionExpiring applies IsExpiring to the session's stored token.
// A session without a token counts as expiring.
func (l *Lifecycle) SessionExpiring(ctx context.Context, sid string) (bool, error) {
	t, err := l.store.Get(ctx, sid)
	if err != nil {
		return true, err
	}
	if t == nil {
		return true, nil
	}
	return l.expiring(t.ExpiresAt), nil
}

func (l *Lifecycle) expiring(expiresAt int64) bool {
	return expiresAt-l.now() <= int64(l.cfg.RenewalThreshold/time.Second)
}

// NeedsRotation reports whether the stored token is RotationInterval old.
// A session without a token needs rotation.
func (l *Lifecycle) NeedsRotation(ctx context.Context, sid string) (bool, error) {
	t, err := l.store.Get(ctx, sid)
	if err != nil {
		return true, err
	}
	return l.rotationDue(t), nil
}

func (l *Lifecycle) rotationDue(t *token.Token) bool {
	if t == nil {
		return true
	}
	return l.now()-t.IssuedAt >= int64(l.cfg.RotationInterval/time.Second)
}

// Revoke clears the session's token. Revoking twice is not an error.
func (l *Lifecycle) Revoke(ctx context.Context, sid string) error {
	if err := l.store.Clear(ctx, sid); err != nil {
		return err
	}
	metrics.TokensRevoked.Inc()
	return nil
}

// ValidateAndRenew checks envelope and, when it is valid but expiring or due
// for rotation, renews it. The error classifies an invalid envelope or
// reports a failed renewal; in the latter case Valid stays true.
func (l *Lifecycle) ValidateAndRenew(ctx context.Context, subj Subject, envelope string) (Result, error) {
	env, stored, err := l.check(ctx, subj, envelope)
	if err != nil {
		return Result{}, err
	}
	if !l.expiring(env.ExpiresAt) && !l.rotationDue(stored) {
		return Result{Valid: true}, nil
	}
	iss, err := l.Renew(ctx, subj)
	if err != nil {
		return Result{Valid: true}, err
	}
	return Result{Valid: true, Renewed: true, Issued: iss}, nil
}

// Metadata describes the session's stored token, or returns nil without one.
func (l *Lifecycle) Metadata(ctx context.Context, sid string) (*Metadata, error) {
	t, err := l.store.Get(ctx, sid)
	if err != nil || t == nil {
		return nil, err
	}
	now := l.now()
	remaining := t.ExpiresAt - now
	if remaining < 0 {
		remaining = 0
	}
	return &Metadata{
		TokenID:          t.ID,
		CreatedAt:        t.IssuedAt,
		ExpiresAt:        t.ExpiresAt,
		AgeSeconds:       now - t.IssuedAt,
		RemainingSeconds: remaining,
		IsExpiring:       l.expiring(t.ExpiresAt),
	}, nil
}

// RemainingTime is the time left on the session's token, zero without one.
func (l *Lifecycle) RemainingTime(ctx context.Context, sid string) (time.Duration, error) {
	md, err := l.Metadata(ctx, sid)
	if err != nil || md == nil {
		return 0, err
	}
	return time.Duration(md.RemainingSeconds) * time.Second, nil
}

// Reason maps a Check error to a short label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, token.ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, ErrDecode):
		return "malformed"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrFingerprintMismatch):
		return "fingerprint_mismatch"
	case errors.Is(err, ErrSessionMismatch):
		return "session_mismatch"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
