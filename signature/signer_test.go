package signature_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/xraph/chainhook/signature"
)

func TestSignMatchesIndependentHMAC(t *testing.T) {
	body := []byte(`{"data":{"amount":"1000000"},"event":"token.burn.self","timestamp":"2026-02-23T11:00:00Z"}`)
	secret := "whsec_known"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if got := signature.Sign(body, secret); got != want {
		t.Errorf("Sign() = %q, want %q", got, want)
	}
}

func TestVerifyAcceptsOwnSignature(t *testing.T) {
	body := []byte(`{"event":"token.created"}`)
	sig := signature.Sign(body, "whsec_a")

	if !signature.Verify(body, "whsec_a", sig) {
		t.Error("Verify rejected a signature produced by Sign")
	}
}

func TestVerifyRejectsSingleByteTamper(t *testing.T) {
	body := []byte(`{"event":"token.burn.admin","data":{"amount":"5"}}`)
	sig := signature.Sign(body, "whsec_b")

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		if signature.Verify(tampered, "whsec_b", sig) {
			t.Fatalf("Verify accepted body tampered at byte %d", i)
		}
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{}`)
	sig := signature.Sign(body, "whsec_right")

	if signature.Verify(body, "whsec_wrong", sig) {
		t.Error("Verify accepted signature under the wrong secret")
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	body := []byte(`{}`)
	for _, sig := range []string{"", "zz", "v1=abcd", signature.Sign(body, "s")[:10]} {
		if signature.Verify(body, "s", sig) {
			t.Errorf("Verify accepted malformed signature %q", sig)
		}
	}
}
