// Package webhook contains the event ingestion path: signature
// verification, event classification and the HTTP boundary handler.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrSignatureMismatch is the single verification failure. Callers get
// no detail about why verification failed.
var ErrSignatureMismatch = errors.New("webhook signature mismatch")

// Verify decodes the body (base64 when base64Encoded is set) and checks
// the HMAC-SHA256 signature header against the shared secret. The
// signature header carries "sha256=<hex>". A missing header verifies as
// an empty signature and fails like any other mismatch.
func Verify(body []byte, base64Encoded bool, signature, secret string) ([]byte, error) {
	decoded := body
	if base64Encoded {
		var err error
		decoded, err = base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			return nil, ErrSignatureMismatch
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(decoded)
	expected := fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))

	if len(signature) != len(expected) {
		return nil, ErrSignatureMismatch
	}
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return nil, ErrSignatureMismatch
	}
	return decoded, nil
}
