// Package signature signs and verifies outbound webhook bodies.
//
// A delivery carries the header
//
//	X-Webhook-Signature: sha256=<hex HMAC-SHA256 of the raw JSON body>
//
// Subscribers recompute the HMAC over the exact bytes they received.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// Header is the HTTP header carrying the signature.
	Header = "X-Webhook-Signature"
	prefix = "sha256="
)

// Compute returns the hex HMAC-SHA256 of payload keyed by secret.
func Compute(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign returns the header value for payload.
func Sign(payload []byte, secret string) string {
	return prefix + Compute(payload, secret)
}

// Verify reports whether sig (with or without the "sha256=" prefix) was
// produced by Sign over the same payload bytes and secret.
func Verify(payload []byte, sig, secret string) bool {
	sig = strings.TrimPrefix(strings.TrimSpace(sig), prefix)
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
