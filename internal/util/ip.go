package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
)

// HMACIP truncates IPv4 to /24 (IPv6 to /48) and returns a short keyed hash
// of the prefix, so audit logs can correlate clients without storing addresses.
func HMACIP(ipStr string, key []byte) string {
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return "unknown"
	}
	addr = addr.Unmap()
	bits := 48
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "unknown"
	}
	m := hmac.New(sha256.New, key)
	m.Write([]byte(prefix.String()))
	return hex.EncodeToString(m.Sum(nil))[:16]
}
