// Package challenge mints the anti-forgery token the loader page embeds and
// the verify endpoint requires in X-CSRF-TOKEN. Tokens are stateless HS256
// JWTs bound to the visitor's session and client IP.
package challenge

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StatelessIssuer signs and checks anti-forgery tokens.
type StatelessIssuer struct {
	secret  []byte
	nowFunc func() time.Time
}

type ChallengeClaims struct {
	Nonce   string `json:"n"`
	Session string `json:"sid"`
	IP      string `json:"ip,omitempty"`
	jwt.RegisteredClaims
}

// NewIssuer creates a new stateless issuer using the provided secret (HS256).
// The secret should be shared across the cluster.
func NewIssuer(secret string) (*StatelessIssuer, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(secret)
	if err != nil {
		return nil, err
	}
	if len(decoded) < 32 {
		return nil, errors.New("secret must be at least 32 bytes")
	}
	return &StatelessIssuer{secret: decoded, nowFunc: time.Now}, nil
}

// GenerateSecret returns a random 32-byte secret in the form NewIssuer accepts.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue mints a signed token for the session. An empty clientIP leaves the
// token unbound to any address.
func (i *StatelessIssuer) Issue(sessionID, clientIP string, ttl time.Duration) (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", err
	}

	now := i.nowFunc()
	claims := ChallengeClaims{
		Nonce:   base64.RawURLEncoding.EncodeToString(nonceBytes),
		Session: sessionID,
		IP:      clientIP,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify checks the signature, expiry, session and IP binding.
// Returns (ok, reason, error).
func (i *StatelessIssuer) Verify(tokenStr, sessionID, clientIP string) (bool, string, error) {
	if tokenStr == "" {
		return false, "missing_token", nil
	}

	token, err := jwt.ParseWithClaims(tokenStr, &ChallengeClaims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.nowFunc))
	if err != nil || !token.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return false, "expired", nil
		}
		return false, "invalid_token", nil
	}

	claims, ok := token.Claims.(*ChallengeClaims)
	if !ok {
		return false, "invalid_claims", nil
	}

	if claims.Session == "" || claims.Session != sessionID {
		return false, "session_mismatch", nil
	}
	if claims.IP != "" && claims.IP != clientIP {
		return false, "ip_mismatch", nil
	}
	return true, "ok", nil
}
