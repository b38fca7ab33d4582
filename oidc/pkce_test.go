package oidc

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCodeVerifier(t *testing.T) {
	t.Parallel()
	t.Run("basics", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := NewCodeVerifier()
		require.NoError(err)
		// 64 random bytes base64url-encode to 86 chars, within RFC 7636's
		// 43-128 bounds
		assert.Len(string(got), 86)
		_, err = base64.RawURLEncoding.DecodeString(string(got))
		assert.NoError(err)
	})
	t.Run("independent-draws", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		v1, err := NewCodeVerifier()
		require.NoError(err)
		v2, err := NewCodeVerifier()
		require.NoError(err)
		assert.NotEqual(v1, v2)
	})
	t.Run("redacted", func(t *testing.T) {
		v, err := NewCodeVerifier()
		require.NoError(t, err)
		assert.Equal(t, RedactedCodeVerifier, v.String())
	})
}

func TestNewState(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	s1, err := NewState()
	require.NoError(err)
	s2, err := NewState()
	require.NoError(err)
	assert.NotEqual(s1, s2)
	assert.GreaterOrEqual(len(s1), 43)

	// state must not be derivable from a verifier: at minimum they are
	// never equal
	v, err := NewCodeVerifier()
	require.NoError(err)
	assert.NotEqual(string(v), s1)
}

func TestCodeVerifier_Challenge(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	v, err := NewCodeVerifier()
	require.NoError(err)

	want := func(s string) string {
		sum := sha256.Sum256([]byte(s))
		return base64.RawURLEncoding.EncodeToString(sum[:])
	}

	got := v.Challenge()
	// deterministic and pure
	assert.Equal(got, v.Challenge())
	assert.Equal(want(string(v)), got)
	// never equal to the verifier itself
	assert.NotEqual(string(v), got)
	// no padding
	assert.NotContains(got, "=")
}
