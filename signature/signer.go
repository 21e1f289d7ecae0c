// Package signature signs webhook bodies with HMAC-SHA256.
//
// The MAC is computed over the exact request body bytes and sent hex-encoded
// in the X-Webhook-Signature header. Receivers recompute it over the raw body
// they read off the wire before decoding any JSON.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Header names set on every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderDelivery  = "X-Webhook-Delivery"
)

// Sign returns hex(HMAC-SHA256(secret, body)).
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
