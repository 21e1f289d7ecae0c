package signature

import (
	"crypto/hmac"
	"encoding/hex"
)

// Verify reports whether sig is the hex HMAC of body under secret.
// The comparison runs in constant time.
func Verify(body []byte, secret, sig string) bool {
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(body, secret)) //nolint:errcheck // Sign always emits valid hex
	return hmac.Equal(want, got)
}
