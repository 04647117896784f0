// Package session provides the per-visitor session the handshake token is
// bound to: a keyed value store scoped by session id, and the middleware
// that assigns session ids through a cookie.
package session

import (
	"context"
	"errors"
	"sync"
)

// ErrUnavailable wraps any backend failure. Callers must treat it as
// "state unknown", never as "state absent".
var ErrUnavailable = errors.New("session store unavailable")

// Store keeps small values per session. Every operation is scoped to one
// session id; there is no way to read across sessions.
type Store interface {
	// Get returns the value under key, or found=false when absent.
	Get(ctx context.Context, sid, key string) (value []byte, found bool, err error)
	// Put replaces the value under key in a single atomic write.
	Put(ctx context.Context, sid, key string, value []byte) error
	// Forget deletes key; deleting an absent key is not an error.
	Forget(ctx context.Context, sid, key string) error
	// Exists reports whether the session is live.
	Exists(ctx context.Context, sid string) (bool, error)
	// Touch creates the session if needed and extends its idle TTL.
	Touch(ctx context.Context, sid string) error
	// Destroy drops the session and all its values.
	Destroy(ctx context.Context, sid string) error
}

type ctxKey struct{}

// ref is the request's session slot. start is set when the request arrived
// without a live session; it runs at most once.
type ref struct {
	mu    sync.Mutex
	sid   string
	start func() string
}

// WithID stores the current session id in ctx.
func WithID(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, ctxKey{}, &ref{sid: sid})
}

func withPending(ctx context.Context, start func() string) context.Context {
	return context.WithValue(ctx, ctxKey{}, &ref{start: start})
}

// ID returns the request's live session id, or "" when it has none yet.
// It never creates a session.
func ID(ctx context.Context) string {
	r, _ := ctx.Value(ctxKey{}).(*ref)
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sid
}

// Start returns the request's session id, creating the session first when
// the request arrived without one. It must run before the response header
// is written, since creating a session sets its cookie.
func Start(ctx context.Context) string {
	r, _ := ctx.Value(ctxKey{}).(*ref)
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sid == "" && r.start != nil {
		r.sid = r.start()
		r.start = nil
	}
	return r.sid
}
