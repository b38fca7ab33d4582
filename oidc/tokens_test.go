package oidc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostauth/ghostauth/storage"
)

func TestTokenSet_UnmarshalJSON(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	body := `{
		"access_token": "at-1",
		"refresh_token": "rt-1",
		"id_token": "idt",
		"token_type": "Bearer",
		"expires_in": 300,
		"refresh_expires_in": 1800,
		"scope": "openid profile",
		"session_state": "abc-123",
		"not-before-policy": 0
	}`
	var tokens TokenSet
	require.NoError(json.Unmarshal([]byte(body), &tokens))

	assert.Equal(AccessToken("at-1"), tokens.AccessToken)
	assert.Equal(RefreshToken("rt-1"), tokens.RefreshToken)
	assert.Equal("idt", tokens.IDToken)
	assert.Equal("Bearer", tokens.TokenType)
	assert.Equal(int64(300), tokens.ExpiresIn)
	assert.Equal(int64(1800), tokens.RefreshExpiresIn)
	assert.Equal("openid profile", tokens.Scope)
	assert.False(tokens.ReceivedAt.IsZero())

	// provider-specific fields land in the opaque bag
	assert.Equal("abc-123", tokens.Extra["session_state"])
	assert.Contains(tokens.Extra, "not-before-policy")
	assert.NotContains(tokens.Extra, "access_token")
}

func TestTokenSet_RoundTrip(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	in := TokenSet{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		IDToken:      "idt",
		TokenType:    "Bearer",
		ExpiresIn:    300,
		Scope:        "openid",
		ReceivedAt:   time.Now().UTC().Truncate(time.Second),
		Extra:        map[string]interface{}{"session_state": "abc-123"},
	}
	data, err := json.Marshal(&in)
	require.NoError(err)

	var out TokenSet
	require.NoError(json.Unmarshal(data, &out))
	assert.Equal(in.AccessToken, out.AccessToken)
	assert.Equal(in.RefreshToken, out.RefreshToken)
	assert.Equal(in.ExpiresIn, out.ExpiresIn)
	assert.True(in.ReceivedAt.Equal(out.ReceivedAt))
	assert.Equal("abc-123", out.Extra["session_state"])
}

func TestTokenSet_StringExpiresIn(t *testing.T) {
	t.Parallel()
	// some providers return expires_in as a string
	var tokens TokenSet
	require.NoError(t, json.Unmarshal([]byte(`{"access_token":"a","expires_in":"600"}`), &tokens))
	assert.Equal(t, int64(600), tokens.ExpiresIn)
}

func TestTokenSet_IsValid(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	var nilSet *TokenSet
	assert.False(nilSet.IsValid())
	assert.False((&TokenSet{}).IsValid())
	// presence of an access token is the whole check: a stored token is
	// trusted until a 401 proves otherwise
	assert.True((&TokenSet{AccessToken: "a", ExpiresIn: 1, ReceivedAt: time.Now().Add(-time.Hour)}).IsValid())
}

func TestTokenSet_Expired(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	assert.False((&TokenSet{}).Expired())
	assert.False((&TokenSet{AccessToken: "a"}).Expired())

	fresh := &TokenSet{AccessToken: "a", ExpiresIn: 3600, ReceivedAt: time.Now()}
	assert.False(fresh.Expired())

	stale := &TokenSet{AccessToken: "a", ExpiresIn: 60, ReceivedAt: time.Now().Add(-2 * time.Minute)}
	assert.True(stale.Expired())

	// within skew counts as expired
	edge := &TokenSet{AccessToken: "a", ExpiresIn: 5, ReceivedAt: time.Now()}
	assert.True(edge.Expired(WithExpirySkew(10 * time.Second)))
}

func TestTokenSet_Redaction(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	assert.Equal(RedactedAccessToken, AccessToken("secret").String())
	assert.Equal(RedactedRefreshToken, RefreshToken("secret").String())
}

func TestTokenStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("set-get-clear", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store, err := NewTokenStore(storage.NewMemory(), WithStoragePrefix("app.example.com"))
		require.NoError(err)

		got, err := store.Get(ctx)
		require.NoError(err)
		assert.Nil(got)

		require.NoError(store.Set(ctx, &TokenSet{AccessToken: "at-1", RefreshToken: "rt-1"}))
		got, err = store.Get(ctx)
		require.NoError(err)
		require.NotNil(got)
		assert.Equal(AccessToken("at-1"), got.AccessToken)

		require.NoError(store.Clear(ctx))
		got, err = store.Get(ctx)
		require.NoError(err)
		assert.Nil(got)
	})

	t.Run("nil-set", func(t *testing.T) {
		store, err := NewTokenStore(storage.NewMemory())
		require.NoError(t, err)
		err = store.Set(ctx, nil)
		assert.ErrorIs(t, err, ErrNilParameter)
	})

	t.Run("subscribe-sees-committed-value", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		backend := storage.NewMemory()
		store, err := NewTokenStore(backend, WithStoragePrefix("app"))
		require.NoError(err)

		var notified []*TokenSet
		cancel := store.Subscribe(func(tokens *TokenSet) {
			// the backend write must be visible before notification
			readBack, err := store.Get(ctx)
			require.NoError(err)
			if tokens == nil {
				assert.Nil(readBack)
			} else {
				require.NotNil(readBack)
				assert.Equal(tokens.AccessToken, readBack.AccessToken)
			}
			notified = append(notified, tokens)
		})
		defer cancel()

		require.NoError(store.Set(ctx, &TokenSet{AccessToken: "at-1"}))
		require.NoError(store.Clear(ctx))
		require.Len(notified, 2)
		assert.Equal(AccessToken("at-1"), notified[0].AccessToken)
		assert.Nil(notified[1])

		// cancelled subscriptions stay quiet
		cancel()
		require.NoError(store.Set(ctx, &TokenSet{AccessToken: "at-2"}))
		assert.Len(notified, 2)
	})
}
