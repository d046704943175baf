// Package signature signs and verifies webhook payloads with HMAC-SHA256.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Header carries the hex-encoded signature of the raw request body
const Header = "X-Webhook-Signature"

// Verify validates a hex HMAC-SHA256 signature of payload.
// An optional "sha256=" prefix is accepted.
func Verify(payload []byte, sig string, secret string) bool {
	sig = strings.TrimPrefix(strings.TrimSpace(sig), "sha256=")
	if secret == "" || sig == "" {
		return false
	}

	given, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	return hmac.Equal(given, mac(payload, secret))
}

// Sign returns the hex signature for payload, "" when secret is empty.
func Sign(payload []byte, secret string) string {
	if secret == "" {
		return ""
	}
	return hex.EncodeToString(mac(payload, secret))
}

func mac(payload []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return h.Sum(nil)
}
