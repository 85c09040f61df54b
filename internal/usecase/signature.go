package usecase

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const signaturePrefix = "sha256="

var (
	errMissingSignature   = errors.New("missing signature")
	errMalformedSignature = errors.New("malformed signature")
	errSignatureMismatch  = errors.New("signature mismatch")
)

// verifySignature checks an X-Hub-Signature-256 value ("sha256=<hex>") against
// the HMAC-SHA256 of body keyed by secret.
func verifySignature(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return errMissingSignature
	}
	if !strings.HasPrefix(strings.ToLower(header), signaturePrefix) {
		return errMalformedSignature
	}
	got, err := hex.DecodeString(header[len(signaturePrefix):])
	if err != nil || len(got) != sha256.Size {
		return errMalformedSignature
	}
	if !hmac.Equal(got, sign(secret, body)) {
		return errSignatureMismatch
	}
	return nil
}

func sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the X-Hub-Signature-256 header value for body.
func Sign(secret string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(sign(secret, body))
}
