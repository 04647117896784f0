package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"handshakegate/gate-service/internal/session"
	"handshakegate/gate-service/internal/token"
)

const tokenKey = "handshake_token"

// TokenStore keeps the single authoritative token of each session.
type TokenStore struct {
	sessions session.Store
}

func NewTokenStore(sessions session.Store) *TokenStore {
	return &TokenStore{sessions: sessions}
}

// Put replaces any token held by the session in one write.
func (s *TokenStore) Put(ctx context.Context, sid string, t token.Token) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return storeErr(s.sessions.Put(ctx, sid, tokenKey, b))
}

// Get returns the session's token, or nil when it has none.
func (s *TokenStore) Get(ctx context.Context, sid string) (*token.Token, error) {
	b, found, err := s.sessions.Get(ctx, sid, tokenKey)
	if err != nil {
		return nil, storeErr(err)
	}
	if !found {
		return nil, nil
	}
	var t token.Token
	if err := json.Unmarshal(b, &t); err != nil {
		// An unreadable record can never match an envelope.
		return nil, nil
	}
	return &t, nil
}

// Clear removes the session's token. Clearing an empty session succeeds.
func (s *TokenStore) Clear(ctx context.Context, sid string) error {
	return storeErr(s.sessions.Forget(ctx, sid, tokenKey))
}

// storeErr maps any session backend failure to ErrStoreUnavailable.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
