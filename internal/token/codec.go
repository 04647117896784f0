// Package token defines the handshake token and its sealed cookie form.
//
// An envelope is "v1.<kid>.<base64url(nonce || ciphertext)>" where the
// ciphertext is the JSON envelope sealed with XChaCha20-Poly1305 under the key
// named by kid. The version and kid are bound as additional data, so changing
// any byte of the string makes Decode fail.
package token

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const version = "v1"

// Fingerprint captures the client attributes a token is bound to.
type Fingerprint struct {
	UserAgent string `json:"ua"`
	IP        string `json:"ip"`
}

// Token is the server-side record of an issued handshake token.
type Token struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"sid"`
	IssuedAt    int64       `json:"iat"`
	ExpiresAt   int64       `json:"exp"`
	Fingerprint Fingerprint `json:"fp"`
}

// Envelope is the decoded cookie payload. It is never trusted on its own;
// the lifecycle re-checks it against the stored Token.
type Envelope struct {
	TokenID   string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	SessionID string `json:"session_id"`
	UserAgent string `json:"user_agent"`
	IP        string `json:"ip"`
}

var (
	ErrMalformed        = errors.New("malformed envelope")
	ErrDecryptionFailed = errors.New("envelope decryption failed")
	ErrUnknownKID       = fmt.Errorf("%w: unknown kid", ErrMalformed)
)

var b64 = base64.RawURLEncoding.Strict()

// Codec seals and opens envelopes with a keyring of AEAD keys.
// Keys other than the current one are kept for decoding during rotation.
type Codec struct {
	aeads      map[string]cipher.AEAD
	currentKID string
}

// NewCodec loads base64url-encoded 32-byte keys indexed by kid.
func NewCodec(keys map[string]string, currentKID string) (*Codec, error) {
	c := &Codec{aeads: make(map[string]cipher.AEAD, len(keys))}
	for kid, enc := range keys {
		if kid == "" || strings.Contains(kid, ".") {
			return nil, fmt.Errorf("invalid kid %q", kid)
		}
		key, err := base64.RawURLEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", kid, err)
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("key %q: need %d bytes, got %d", kid, chacha20poly1305.KeySize, len(key))
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, err
		}
		c.aeads[kid] = aead
	}
	if _, ok := c.aeads[currentKID]; !ok {
		return nil, errors.New("current_kid not found in keys")
	}
	c.currentKID = currentKID
	return c, nil
}

// GenerateKey returns a fresh base64url key suitable for NewCodec.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}

// Encode seals t under the current key.
func (c *Codec) Encode(t Token) (string, error) {
	payload, err := json.Marshal(Envelope{
		TokenID:   t.ID,
		ExpiresAt: t.ExpiresAt,
		SessionID: t.SessionID,
		UserAgent: t.Fingerprint.UserAgent,
		IP:        t.Fingerprint.IP,
	})
	if err != nil {
		return "", err
	}
	aead := c.aeads[c.currentKID]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(payload)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, payload, additionalData(c.currentKID))
	return version + "." + c.currentKID + "." + b64.EncodeToString(sealed), nil
}

// Decode opens an envelope. It returns an error wrapping ErrMalformed or
// ErrDecryptionFailed and never panics on hostile input.
func (c *Codec) Decode(s string) (*Envelope, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || parts[0] != version {
		return nil, ErrMalformed
	}
	aead, ok := c.aeads[parts[1]]
	if !ok {
		return nil, ErrUnknownKID
	}
	raw, err := b64.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: short ciphertext", ErrMalformed)
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	payload, err := aead.Open(nil, nonce, ct, additionalData(parts[1]))
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.TokenID == "" || env.SessionID == "" || env.ExpiresAt <= 0 {
		return nil, fmt.Errorf("%w: missing fields", ErrMalformed)
	}
	return &env, nil
}

// CurrentKID reports the kid used for new envelopes.
func (c *Codec) CurrentKID() string { return c.currentKID }

func additionalData(kid string) []byte {
	return []byte(version + "." + kid)
}
