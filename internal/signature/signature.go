// Package signature verifies Ed25519 signatures on signed webhook bodies.
//
// A signed body is a JSON object carrying a base64 "signature" field. The
// signature covers the canonical encoding (see package canonical) of the same
// object with the signature field removed.
package signature

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/hdevalence/ed25519consensus"

	"github.com/mattjoyce/paygate/internal/canonical"
)

// Field is the body member holding the signature.
const Field = "signature"

// ErrVerificationFailed is returned for every verification failure. Callers
// must not tell the sender which step failed.
var ErrVerificationFailed = errors.New("signature verification failed")

// Verify reports whether signatureB64 is a valid Ed25519 signature by
// publicKeyB64 over the canonical encoding of payload. Any malformed input
// yields false.
func Verify(publicKeyB64, signatureB64 string, payload canonical.Value) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	pub, err := decodeBase64(publicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := decodeBase64(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	msg := canonical.MarshalCanonical(payload)
	return ed25519consensus.Verify(ed25519.PublicKey(pub), msg, sig)
}

// VerifyBody parses a signed JSON body, strips its signature field and
// verifies it. On success the stripped payload is returned.
func VerifyBody(publicKeyB64 string, body []byte) (canonical.Value, error) {
	v, err := canonical.Parse(body)
	if err != nil || v.Kind() != canonical.KindObject {
		return canonical.Value{}, ErrVerificationFailed
	}
	sigVal, ok := v.Field(Field)
	if !ok {
		return canonical.Value{}, ErrVerificationFailed
	}
	sig, ok := sigVal.AsString()
	if !ok || sig == "" {
		return canonical.Value{}, ErrVerificationFailed
	}

	payload := v.Without(Field)
	if !Verify(publicKeyB64, sig, payload) {
		return canonical.Value{}, ErrVerificationFailed
	}
	return payload, nil
}

// decodeBase64 accepts the standard and URL alphabets with or without padding.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty base64 input")
	}
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
