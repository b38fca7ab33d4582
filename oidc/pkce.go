package oidc

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// randomByteLen is the number of CSPRNG bytes behind a verifier or state
// value: 64 bytes is 512 bits of entropy and base64url-encodes to 86
// characters, within RFC 7636's 43-128 character bounds.
const randomByteLen = 64

// NoPKCEVerifier is the sentinel persisted in place of a code verifier when
// the selected provider has PKCE disabled. It marks the flow as pending
// without carrying secret material; no code_challenge or code_verifier
// parameter is ever sent for it.
const NoPKCEVerifier CodeVerifier = "none"

// CodeVerifier is an RFC 7636 code verifier. It prints redacted, since the
// verifier must stay secret until the code exchange.
type CodeVerifier string

// RedactedCodeVerifier is the redacted string for a pkce code verifier.
const RedactedCodeVerifier = "[REDACTED: code verifier]"

// String will redact the verifier
func (v CodeVerifier) String() string {
	return RedactedCodeVerifier
}

// Challenge derives the S256 code challenge for the verifier: the base64url
// encoding, without padding, of the SHA-256 digest of the verifier's UTF-8
// bytes. It is deterministic and pure.
func (v CodeVerifier) Challenge() string {
	sum := sha256.Sum256([]byte(v))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewCodeVerifier generates a new code verifier from a CSPRNG.
func NewCodeVerifier() (CodeVerifier, error) {
	const op = "oidc.NewCodeVerifier"
	s, err := randomString()
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate verifier: %w", op, err)
	}
	return CodeVerifier(s), nil
}

// NewState generates the random state value correlating an authorization
// request with its redirect callback. It is an independent draw from the
// same CSPRNG as NewCodeVerifier and is never derivable from a verifier.
func NewState() (string, error) {
	const op = "oidc.NewState"
	s, err := randomString()
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate state: %w", op, err)
	}
	return s, nil
}

func randomString() (string, error) {
	b, err := uuid.GenerateRandomBytes(randomByteLen)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
