package oidc

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostauth/ghostauth/storage"
)

// testFlow wires an Authenticator against a TestProvider over an in-memory
// backend, recording navigations.
type testFlow struct {
	tp       *TestProvider
	backend  *storage.Memory
	registry *Registry
	tokens   *TokenStore
	auth     *Authenticator
	navs     []string
}

func newTestFlow(t *testing.T, mutate func(*Provider), opt ...Option) *testFlow {
	t.Helper()
	require := require.New(t)

	f := &testFlow{
		tp:      StartTestProvider(t),
		backend: storage.NewMemory(),
	}
	f.tp.SetClientCreds("my-app", "")

	eps := f.tp.Endpoints()
	p := Provider{
		Issuer:                f.tp.Addr(),
		Name:                  "Test",
		AuthorizationEndpoint: eps.AuthorizationEndpoint,
		TokenEndpoint:         eps.TokenEndpoint,
		EndSessionEndpoint:    eps.EndSessionEndpoint,
		UserInfoEndpoint:      eps.UserInfoEndpoint,
		ClientID:              "my-app",
		Scopes:                []string{"openid", "profile"},
		UsePKCE:               true,
		RedirectURL:           "http://app.example.com/callback",
	}
	if mutate != nil {
		mutate(&p)
	}

	var err error
	f.registry, err = NewRegistry(f.backend, WithStoragePrefix("app"))
	require.NoError(err)
	require.NoError(f.registry.Register(p))
	f.tokens, err = NewTokenStore(f.backend, WithStoragePrefix("app"))
	require.NoError(err)

	opts := append([]Option{
		WithStoragePrefix("app"),
		WithNavigator(NavigatorFunc(func(u string) error {
			f.navs = append(f.navs, u)
			return nil
		})),
	}, opt...)
	f.auth, err = NewAuthenticator(f.registry, f.tokens, f.backend, nil, opts...)
	require.NoError(err)
	return f
}

// login runs Login and returns the state and verifier that were persisted
// for the pending round trip.
func (f *testFlow) login(t *testing.T) (authURL, state, verifier string) {
	t.Helper()
	require := require.New(t)
	ctx := context.Background()

	authURL, err := f.auth.Login(ctx, "")
	require.NoError(err)
	state, err = f.backend.Get(ctx, "app_state")
	require.NoError(err)
	verifier, err = f.backend.Get(ctx, "app_code_verifier")
	require.NoError(err)
	return authURL, state, verifier
}

func (f *testFlow) callbackURL(state, code string) string {
	return "http://app.example.com/callback?code=" + url.QueryEscape(code) + "&state=" + url.QueryEscape(state)
}

// requirePKCECleared asserts the single-use PKCE context is gone.
func (f *testFlow) requirePKCECleared(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, k := range []string{"app_state", "app_code_verifier", "app_redirect_uri"} {
		_, err := f.backend.Get(ctx, k)
		require.ErrorIs(t, err, storage.ErrKeyNotFound, "key %s should be cleared", k)
	}
}

func TestAuthenticator_Login(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("builds-authorization-url", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newTestFlow(t, func(p *Provider) {
			p.ExtraAuthParams = map[string]string{"kc_idp_hint": "github"}
		})

		authURL, state, verifier := f.login(t)
		u, err := url.Parse(authURL)
		require.NoError(err)
		q := u.Query()

		assert.Equal("code", q.Get("response_type"))
		assert.Equal("my-app", q.Get("client_id"))
		assert.Equal("http://app.example.com/callback", q.Get("redirect_uri"))
		assert.Equal("openid profile", q.Get("scope"))
		assert.Equal(state, q.Get("state"))
		assert.Equal("S256", q.Get("code_challenge_method"))
		assert.Equal(CodeVerifier(verifier).Challenge(), q.Get("code_challenge"))
		assert.Equal("github", q.Get("kc_idp_hint"))

		// state machine and side effects
		assert.Equal(StatusLogin, f.auth.Status())
		require.Len(f.navs, 1)
		assert.Equal(authURL, f.navs[0])

		// the provider owning the flow is persisted before navigation
		current, err := f.registry.Current(ctx)
		require.NoError(err)
		require.NotNil(current)
		assert.Equal(f.tp.Addr(), current.Issuer)
	})

	t.Run("pkce-disabled-uses-sentinel", func(t *testing.T) {
		assert := assert.New(t)
		f := newTestFlow(t, func(p *Provider) { p.UsePKCE = false })
		authURL, state, verifier := f.login(t)

		u, _ := url.Parse(authURL)
		q := u.Query()
		assert.Empty(q.Get("code_challenge"))
		assert.Empty(q.Get("code_challenge_method"))
		assert.Equal(string(NoPKCEVerifier), verifier)
		// state stays random even without pkce
		assert.GreaterOrEqual(len(state), 43)
	})

	t.Run("unknown-issuer", func(t *testing.T) {
		f := newTestFlow(t, nil)
		_, err := f.auth.Login(context.Background(), "https://nope.example.com")
		assert.ErrorIs(t, err, ErrProviderNotFound)
		assert.Empty(t, f.navs)
	})
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	f := newTestFlow(t, nil)

	assert.Equal(StatusInit, f.auth.Status())
	_, state, verifier := f.login(t)
	assert.Equal(StatusLogin, f.auth.Status())

	f.tp.SetExpectedAuthCode("valid-code")
	f.tp.SetExpectedVerifier(verifier)

	tokens, err := f.auth.HandleCallback(ctx, f.callbackURL(state, "valid-code"))
	require.NoError(err)
	require.NotNil(tokens)
	assert.Equal(StatusLoggedIn, f.auth.Status())
	assert.Equal(AccessToken("at-1"), tokens.AccessToken)
	assert.NotEmpty(tokens.IDToken)

	// the store holds exactly what the provider returned
	stored, err := f.tokens.Get(ctx)
	require.NoError(err)
	require.NotNil(stored)
	assert.Equal(tokens.AccessToken, stored.AccessToken)
	assert.Equal(tokens.RefreshToken, stored.RefreshToken)

	f.requirePKCECleared(t)
	assert.Equal(1, f.tp.TokenRequestCount())
}

func TestAuthenticator_Callback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("state-mismatch-makes-no-network-call", func(t *testing.T) {
		assert := assert.New(t)
		f := newTestFlow(t, nil)
		_, _, _ = f.login(t)

		_, err := f.auth.HandleCallback(ctx, f.callbackURL("forged-state", "valid-code"))
		assert.ErrorIs(err, ErrStateMismatch)
		assert.Equal(StatusLoggedOut, f.auth.Status())
		assert.Zero(f.tp.TokenRequestCount())
		f.requirePKCECleared(t)
	})

	t.Run("provider-error-parameter", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newTestFlow(t, nil)
		_, state, _ := f.login(t)

		_, err := f.auth.HandleCallback(ctx, f.callbackURL(state, "")+"&error=access_denied&error_description=nope")
		require.Error(err)
		assert.ErrorIs(err, ErrProviderResponse)
		var cbErr *CallbackError
		require.True(errors.As(err, &cbErr))
		assert.Equal("access_denied", cbErr.Code)
		assert.Equal("nope", cbErr.Description)
		assert.Equal(StatusLoggedOut, f.auth.Status())
		assert.Zero(f.tp.TokenRequestCount())
	})

	t.Run("missing-pkce-context", func(t *testing.T) {
		assert := assert.New(t)
		f := newTestFlow(t, nil)
		// no login happened: nothing persisted
		_, err := f.auth.HandleCallback(ctx, f.callbackURL("some-state", "valid-code"))
		assert.ErrorIs(err, ErrMissingPKCEContext)
		assert.Zero(f.tp.TokenRequestCount())
	})

	t.Run("exchange-http-error", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newTestFlow(t, nil)
		_, state, verifier := f.login(t)
		f.tp.SetExpectedVerifier(verifier)
		f.tp.SetTokenError(400, "code expired")

		_, err := f.auth.HandleCallback(ctx, f.callbackURL(state, "valid-code"))
		require.Error(err)
		assert.ErrorIs(err, ErrTokenExchangeFailed)
		assert.NotErrorIs(err, ErrNetworkFailure)
		var exErr *ExchangeError
		require.True(errors.As(err, &exErr))
		assert.Equal(400, exErr.Status)
		assert.Contains(string(exErr.Body), "code expired")

		// tokens stay absent, context cleared anyway
		stored, err2 := f.tokens.Get(ctx)
		require.NoError(err2)
		assert.Nil(stored)
		assert.Equal(StatusLoggedOut, f.auth.Status())
		f.requirePKCECleared(t)
	})

	t.Run("network-failure-is-flagged", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newTestFlow(t, nil)
		_, state, _ := f.login(t)
		// kill the provider before the exchange
		f.tp.httpServer.Close()

		_, err := f.auth.HandleCallback(ctx, f.callbackURL(state, "valid-code"))
		require.Error(err)
		assert.ErrorIs(err, ErrTokenExchangeFailed)
		assert.ErrorIs(err, ErrNetworkFailure)
	})

	t.Run("runs-at-most-once", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newTestFlow(t, nil)
		_, state, verifier := f.login(t)
		f.tp.SetExpectedVerifier(verifier)

		_, err := f.auth.HandleCallback(ctx, f.callbackURL(state, "valid-code"))
		require.NoError(err)

		_, err = f.auth.HandleCallback(ctx, f.callbackURL(state, "valid-code"))
		assert.ErrorIs(err, ErrCallbackConsumed)
		// the guard resets on the next login
		_, state2, verifier2 := f.login(t)
		f.tp.SetExpectedVerifier(verifier2)
		_, err = f.auth.HandleCallback(ctx, f.callbackURL(state2, "valid-code"))
		assert.NoError(err)
	})

	t.Run("client-secret-uses-basic-auth", func(t *testing.T) {
		require := require.New(t)
		f := newTestFlow(t, func(p *Provider) { p.ClientSecret = "s3cret" })
		f.tp.SetClientCreds("my-app", "s3cret")
		_, state, verifier := f.login(t)
		f.tp.SetExpectedVerifier(verifier)

		// the TestProvider rejects the exchange unless the secret arrives
		// via basic auth
		_, err := f.auth.HandleCallback(ctx, f.callbackURL(state, "valid-code"))
		require.NoError(err)
	})
}

func TestAuthenticator_Resume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("persisted-tokens-mean-logged-in", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newTestFlow(t, nil)
		require.NoError(f.tokens.Set(ctx, &TokenSet{AccessToken: "at-1"}))
		status, err := f.auth.Resume(ctx)
		require.NoError(err)
		assert.Equal(StatusLoggedIn, status)
	})

	t.Run("pending-pkce-context-means-logging", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newTestFlow(t, nil)
		_, _, _ = f.login(t)
		// simulate a fresh process after the redirect bounced back
		f2, err := NewAuthenticator(f.registry, f.tokens, f.backend, nil, WithStoragePrefix("app"))
		require.NoError(err)
		status, err := f2.Resume(ctx)
		require.NoError(err)
		assert.Equal(StatusLogging, status)
	})

	t.Run("clean-start-stays-init", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newTestFlow(t, nil)
		status, err := f.auth.Resume(ctx)
		require.NoError(err)
		assert.Equal(StatusInit, status)
	})

	t.Run("auto-login-hint", func(t *testing.T) {
		assert := assert.New(t)
		f := newTestFlow(t, nil, WithAutoLogin())
		assert.True(f.auth.ShouldAutoLogin())
		_, _, _ = f.login(t)
		assert.False(f.auth.ShouldAutoLogin())
	})
}

func TestAuthenticator_Logout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	loggedIn := func(t *testing.T, mutate func(*Provider)) *testFlow {
		t.Helper()
		f := newTestFlow(t, mutate)
		_, state, verifier := f.login(t)
		f.tp.SetExpectedVerifier(verifier)
		_, err := f.auth.HandleCallback(ctx, f.callbackURL(state, "valid-code"))
		require.NoError(t, err)
		return f
	}

	t.Run("clears-all-local-state-before-navigating", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := loggedIn(t, nil)

		logoutURL, err := f.auth.Logout(ctx)
		require.NoError(err)

		u, err := url.Parse(logoutURL)
		require.NoError(err)
		q := u.Query()
		assert.Equal("http://app.example.com/callback", q.Get("post_logout_redirect_uri"))
		assert.NotEmpty(q.Get("id_token_hint"))

		stored, err := f.tokens.Get(ctx)
		require.NoError(err)
		assert.Nil(stored)
		current, err := f.registry.Current(ctx)
		require.NoError(err)
		assert.Nil(current)
		f.requirePKCECleared(t)
		assert.Equal(StatusLoggedOut, f.auth.Status())

		// navigation happened, after the local teardown
		require.NotEmpty(f.navs)
		assert.Equal(logoutURL, f.navs[len(f.navs)-1])
	})

	t.Run("post-logout-redirect-override", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := loggedIn(t, func(p *Provider) {
			p.PostLogoutRedirectURL = "http://app.example.com/bye"
		})
		logoutURL, err := f.auth.Logout(ctx)
		require.NoError(err)
		u, _ := url.Parse(logoutURL)
		assert.Equal("http://app.example.com/bye", u.Query().Get("post_logout_redirect_uri"))
	})

	t.Run("without-session-is-a-caller-error", func(t *testing.T) {
		f := newTestFlow(t, nil)
		_, err := f.auth.Logout(ctx)
		assert.ErrorIs(t, err, ErrProviderNotFound)
	})

	t.Run("suppressed-navigation-still-logs-out", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := newTestFlow(t, nil)
		_, state, verifier := f.login(t)
		f.tp.SetExpectedVerifier(verifier)
		_, err := f.auth.HandleCallback(ctx, f.callbackURL(state, "valid-code"))
		require.NoError(err)

		// an authenticator with no navigator (a test harness)
		quiet, err := NewAuthenticator(f.registry, f.tokens, f.backend, nil, WithStoragePrefix("app"))
		require.NoError(err)
		_, err = quiet.Logout(ctx)
		require.NoError(err)
		stored, err := f.tokens.Get(ctx)
		require.NoError(err)
		assert.Nil(stored)
		assert.Equal(StatusLoggedOut, quiet.Status())
	})
}

func TestAuthenticator_UserInfo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)

	f := newTestFlow(t, nil)
	_, state, verifier := f.login(t)
	f.tp.SetExpectedVerifier(verifier)
	_, err := f.auth.HandleCallback(ctx, f.callbackURL(state, "valid-code"))
	require.NoError(err)

	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	require.NoError(f.auth.UserInfo(ctx, &claims))
	assert.Equal("alice@example.com", claims.Sub)
	assert.Equal("alice@example.com", claims.Email)
}

func TestAuthenticator_IDTokenClaims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)

	f := newTestFlow(t, nil)
	_, state, verifier := f.login(t)
	f.tp.SetExpectedVerifier(verifier)
	_, err := f.auth.HandleCallback(ctx, f.callbackURL(state, "valid-code"))
	require.NoError(err)

	var claims struct {
		Iss string `json:"iss"`
		Sub string `json:"sub"`
	}
	require.NoError(f.auth.IDTokenClaims(ctx, &claims))
	assert.Equal(f.tp.Addr(), claims.Iss)
	assert.Equal("alice@example.com", claims.Sub)
}
