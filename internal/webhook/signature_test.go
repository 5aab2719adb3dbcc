package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}

func TestVerify(t *testing.T) {
	body := []byte(`{"action":"queued"}`)
	secret := "hunter2"

	decoded, err := Verify(body, false, sign(secret, body), secret)
	require.NoError(t, err)
	assert.Equal(t, body, decoded)
}

func TestVerifyBase64Body(t *testing.T) {
	body := []byte(`{"action":"queued"}`)
	secret := "hunter2"
	encoded := []byte(base64.StdEncoding.EncodeToString(body))

	// The signature covers the decoded bytes.
	decoded, err := Verify(encoded, true, sign(secret, body), secret)
	require.NoError(t, err)
	assert.Equal(t, body, decoded)
}

func TestVerifyFlippedBodyByte(t *testing.T) {
	body := []byte(`{"action":"queued"}`)
	secret := "hunter2"
	sig := sign(secret, body)

	tampered := append([]byte(nil), body...)
	tampered[0] ^= 0x01

	_, err := Verify(tampered, false, sig, secret)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifyFlippedSignatureByte(t *testing.T) {
	body := []byte(`{"action":"queued"}`)
	secret := "hunter2"
	sig := []byte(sign(secret, body))
	if sig[10] == 'a' {
		sig[10] = 'b'
	} else {
		sig[10] = 'a'
	}

	_, err := Verify(body, false, string(sig), secret)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifyMissingSignature(t *testing.T) {
	_, err := Verify([]byte("body"), false, "", "secret")
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifyWrongSecret(t *testing.T) {
	body := []byte("body")
	_, err := Verify(body, false, sign("right", body), "wrong")
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifyWrongLength(t *testing.T) {
	_, err := Verify([]byte("body"), false, "sha256=dead", "secret")
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifyInvalidBase64(t *testing.T) {
	_, err := Verify([]byte("not-base64!!"), true, "sha256=irrelevant", "secret")
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifySingleOpaqueError(t *testing.T) {
	body := []byte("body")
	cases := []struct {
		name string
		sig  string
	}{
		{"empty", ""},
		{"garbage", "nonsense"},
		{"wrong prefix", "sha1=" + sign("secret", body)[7:]},
		{"valid for other secret", sign("other", body)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Verify(body, false, tc.sig, "secret")
			assert.Equal(t, ErrSignatureMismatch, err)
		})
	}
}
