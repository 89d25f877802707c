// Package webhook implements the inbound side of the chatgate pipeline:
// HMAC signature verification over raw request bytes, normalization of the
// WhatsApp Cloud API payload into NormalizedMessages, and the HTTP handlers
// for the verification handshake and message ingestion.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"chatgate/internal/types"
)

// signaturePrefix is the scheme prefix Meta prepends to the hex digest in
// the X-Hub-Signature-256 header.
const signaturePrefix = "sha256="

// VerifySignature checks the X-Hub-Signature-256 header against an
// HMAC-SHA256 of the raw request body keyed with the app secret.
//
// It MUST operate on the exact raw bytes as received: verifying after any
// re-serialization is a correctness bug, and parsing before verifying would
// mean processing unauthenticated data.
//
// Returns false (never panics) on an empty secret, malformed header, length
// mismatch, or digest mismatch. The comparison is constant-time.
func VerifySignature(raw []byte, header string, secret types.SecretString) bool {
	if secret.IsZero() || header == "" {
		return false
	}

	supplied := strings.TrimPrefix(header, signaturePrefix)
	suppliedBytes, err := hex.DecodeString(supplied)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret.Unmask()))
	mac.Write(raw)
	expected := mac.Sum(nil)

	return hmac.Equal(suppliedBytes, expected)
}

// SignPayload computes the header value a legitimate provider would send for
// the given body. Used by tests and by the local delivery simulator.
func SignPayload(raw []byte, secret types.SecretString) string {
	mac := hmac.New(sha256.New, []byte(secret.Unmask()))
	mac.Write(raw)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
