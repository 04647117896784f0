package token

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func mockCodec(t *testing.T) *Codec {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := NewCodec(map[string]string{"k1": key}, "k1")
	require.NoError(t, err)
	return c
}

func sampleToken() Token {
	return Token{
		ID:        "0b6f4a8e-7a53-4f58-9d3c-8f3f4d1f2a11",
		SessionID: "sess-1",
		IssuedAt:  1_700_000_000,
		ExpiresAt: 1_700_000_300,
		Fingerprint: Fingerprint{
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64)",
			IP:        "203.0.113.7",
		},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	c := mockCodec(t)
	tok := sampleToken()

	s, err := c.Encode(tok)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(s, "v1.k1."))

	env, err := c.Decode(s)
	require.NoError(t, err)
	require.Equal(t, Envelope{
		TokenID:   tok.ID,
		ExpiresAt: tok.ExpiresAt,
		SessionID: tok.SessionID,
		UserAgent: tok.Fingerprint.UserAgent,
		IP:        tok.Fingerprint.IP,
	}, *env)
}

func TestCodec_NonceIsRandom(t *testing.T) {
	c := mockCodec(t)
	a, err := c.Encode(sampleToken())
	require.NoError(t, err)
	b, err := c.Encode(sampleToken())
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestCodec_AnySingleByteChangeFails(t *testing.T) {
	c := mockCodec(t)
	s, err := c.Encode(sampleToken())
	require.NoError(t, err)

	for i := 0; i < len(s); i++ {
		for _, repl := range []byte{'A', 'z', '.', '_'} {
			if s[i] == repl {
				continue
			}
			mutated := s[:i] + string(repl) + s[i+1:]
			_, err := c.Decode(mutated)
			require.Error(t, err, "mutation at %d to %q accepted", i, repl)
			require.True(t, errors.Is(err, ErrMalformed) || errors.Is(err, ErrDecryptionFailed),
				"unexpected error class at %d: %v", i, err)
		}
	}
}

func TestCodec_Truncation(t *testing.T) {
	c := mockCodec(t)
	s, err := c.Encode(sampleToken())
	require.NoError(t, err)
	for n := 0; n < len(s); n++ {
		_, err := c.Decode(s[:n])
		require.Error(t, err, "truncation to %d accepted", n)
	}
}

func TestCodec_Garbage(t *testing.T) {
	c := mockCodec(t)
	for _, in := range []string{"", ".", "..", "v1..", "v1.k1.", "v2.k1.AAAA", "v1.k1.!!!!", "v1.nope.AAAA", "v1.k1.AAAA.extra"} {
		_, err := c.Decode(in)
		require.ErrorIs(t, err, ErrMalformed, "input %q", in)
	}
}

func TestCodec_WrongKey(t *testing.T) {
	a := mockCodec(t)
	b := mockCodec(t)
	s, err := a.Encode(sampleToken())
	require.NoError(t, err)

	_, err = b.Decode(s)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestCodec_KeyRotation(t *testing.T) {
	oldKey, _ := GenerateKey()
	newKey, _ := GenerateKey()

	before, err := NewCodec(map[string]string{"old": oldKey}, "old")
	require.NoError(t, err)
	s, err := before.Encode(sampleToken())
	require.NoError(t, err)

	after, err := NewCodec(map[string]string{"old": oldKey, "new": newKey}, "new")
	require.NoError(t, err)
	env, err := after.Decode(s)
	require.NoError(t, err)
	require.Equal(t, "sess-1", env.SessionID)

	fresh, err := after.Encode(sampleToken())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(fresh, "v1.new."))

	_, err = before.Decode(fresh)
	require.ErrorIs(t, err, ErrUnknownKID)
}

func TestNewCodec_Validation(t *testing.T) {
	key, _ := GenerateKey()

	_, err := NewCodec(map[string]string{"k1": key}, "k2")
	require.Error(t, err)

	_, err = NewCodec(map[string]string{"k.1": key}, "k.1")
	require.Error(t, err)

	_, err = NewCodec(map[string]string{"k1": "c2hvcnQ"}, "k1")
	require.Error(t, err)

	_, err = NewCodec(map[string]string{"k1": "***"}, "k1")
	require.Error(t, err)
}
