package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ghostauth/ghostauth/storage"
)

// Status is the authentication flow's state. It is process wide: only the
// Authenticator transitions it, any goroutine may read it.
type Status int

const (
	// StatusInit is the state at process start, before Resume has looked at
	// persisted state.
	StatusInit Status = iota

	// StatusLogin means an authorization redirect has been issued and the
	// flow is suspended until the provider calls back.
	StatusLogin

	// StatusLogging means a redirect callback with an authorization code is
	// being (or is waiting to be) exchanged.
	StatusLogging

	// StatusLoggedIn means a valid token set is stored.
	StatusLoggedIn

	// StatusLoggedOut means the session ended: logout, a failed exchange,
	// or an unrecoverable refresh failure.
	StatusLoggedOut
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusLogin:
		return "LOGIN"
	case StatusLogging:
		return "LOGGING"
	case StatusLoggedIn:
		return "LOGGED_IN"
	case StatusLoggedOut:
		return "LOGGED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Navigator issues the browser navigation that hands the user over to the
// provider. Navigations are one-way: once issued they cannot be cancelled,
// and in a browser-like host the process may unload immediately after.
type Navigator interface {
	Navigate(url string) error
}

// NavigatorFunc adapts a function to the Navigator interface.
type NavigatorFunc func(url string) error

// Navigate implements Navigator.
func (f NavigatorFunc) Navigate(url string) error { return f(url) }

// Logical storage keys for the PKCE context of the pending authorization
// round trip. They live exactly one round trip: written by Login before
// navigation, deleted by HandleCallback whatever the outcome.
const (
	stateKey        = "state"
	codeVerifierKey = "code_verifier"
	redirectURIKey  = "redirect_uri"
)

// Authenticator owns the login/callback/refresh/logout state machine. It is
// the single writer of Status and of the persisted PKCE context; tokens and
// the provider selection are only mutated through the injected TokenStore
// and Registry, so no other component writes storage directly.
type Authenticator struct {
	registry *Registry
	tokens   *TokenStore
	backend  storage.Backend
	lookup   EndpointLookup
	nav      Navigator
	client   *http.Client
	logger   hclog.Logger
	prefix   string

	refreshGroup singleflight.Group
	refreshWait  time.Duration
	autoLogin    bool

	mu           sync.Mutex
	status       Status
	callbackDone bool
}

// NewAuthenticator composes the flow orchestrator from its collaborators.
// The lookup may be nil when every registered provider carries explicit
// endpoints. Supported options: WithNavigator, WithHTTPClient,
// WithProviderCA, WithLogger, WithStoragePrefix, WithRefreshWaitTimeout,
// WithAutoLogin.
func NewAuthenticator(registry *Registry, tokens *TokenStore, backend storage.Backend, lookup EndpointLookup, opt ...Option) (*Authenticator, error) {
	const op = "oidc.NewAuthenticator"
	if registry == nil {
		return nil, fmt.Errorf("%s: registry is nil: %w", op, ErrNilParameter)
	}
	if tokens == nil {
		return nil, fmt.Errorf("%s: token store is nil: %w", op, ErrNilParameter)
	}
	if backend == nil {
		return nil, fmt.Errorf("%s: storage backend is nil: %w", op, ErrNilParameter)
	}
	opts := authenticatorDefaults()
	ApplyOpts(&opts, opt...)

	client := opts.withClient
	if client == nil {
		var err error
		client, err = NewHTTPClient(opts.withProviderCA)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
		}
	}

	return &Authenticator{
		registry:    registry,
		tokens:      tokens,
		backend:     backend,
		lookup:      lookup,
		nav:         opts.withNavigator,
		client:      client,
		logger:      opts.withLogger,
		prefix:      opts.withStoragePrefix,
		refreshWait: opts.withRefreshWait,
		autoLogin:   opts.withAutoLogin,
		status:      StatusInit,
	}, nil
}

// DefaultRefreshWaitTimeout bounds how long refresh callers wait on an
// in-flight refresh before failing with ErrRefreshTimeout.
const DefaultRefreshWaitTimeout = 30 * time.Second

type authenticatorOptions struct {
	withNavigator     Navigator
	withClient        *http.Client
	withProviderCA    string
	withLogger        hclog.Logger
	withStoragePrefix string
	withRefreshWait   time.Duration
	withAutoLogin     bool
}

func authenticatorDefaults() authenticatorOptions {
	return authenticatorOptions{
		withLogger:      hclog.NewNullLogger(),
		withRefreshWait: DefaultRefreshWaitTimeout,
	}
}

// Status returns the current flow status.
func (a *Authenticator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Authenticator) setStatus(s Status) {
	a.mu.Lock()
	prev := a.status
	a.status = s
	a.mu.Unlock()
	if prev != s {
		a.logger.Debug("flow status changed", "from", prev.String(), "to", s.String())
	}
}

// ShouldAutoLogin reports whether the application should immediately call
// Login: the authenticator was configured WithAutoLogin and the flow is not
// authenticated or mid-flow.
func (a *Authenticator) ShouldAutoLogin() bool {
	if !a.autoLogin {
		return false
	}
	s := a.Status()
	return s == StatusInit || s == StatusLoggedOut
}

// Resume inspects persisted state at startup and transitions accordingly: a
// stored valid token set means LOGGED_IN; a pending PKCE context means a
// redirect return is expected (LOGGING); otherwise the flow stays INIT and
// the application decides whether to trigger Login.
func (a *Authenticator) Resume(ctx context.Context) (Status, error) {
	const op = "Authenticator.Resume"
	tokens, err := a.tokens.Get(ctx)
	if err != nil {
		return a.Status(), fmt.Errorf("%s: %w", op, err)
	}
	if tokens.IsValid() {
		a.setStatus(StatusLoggedIn)
		return StatusLoggedIn, nil
	}
	_, stateErr := a.backend.Get(ctx, a.key(stateKey))
	_, verifierErr := a.backend.Get(ctx, a.key(codeVerifierKey))
	if stateErr == nil && verifierErr == nil {
		a.setStatus(StatusLogging)
		return StatusLogging, nil
	}
	a.setStatus(StatusInit)
	return StatusInit, nil
}

// Login starts an authorization code flow against the resolved provider
// (see Registry.Resolve for the empty-issuer rules). The PKCE context, the
// redirect URI and the provider selection are durably persisted before any
// navigation is issued, since navigation may unload the process. The built
// authorization URL is returned; when a Navigator is configured it is also
// navigated to.
func (a *Authenticator) Login(ctx context.Context, issuer string) (string, error) {
	const op = "Authenticator.Login"
	p, err := a.registry.Resolve(issuer)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	eps, err := a.endpoints(ctx, p)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if eps.AuthorizationEndpoint == "" {
		return "", fmt.Errorf("%s: issuer %s has no authorization endpoint: %w", op, p.Issuer, ErrEndpointNotFound)
	}

	state, err := NewState()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	verifier := NoPKCEVerifier
	if p.UsePKCE {
		verifier, err = NewCodeVerifier()
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
	}

	// All durable writes happen before navigation.
	if err := a.backend.Set(ctx, a.key(stateKey), state); err != nil {
		return "", fmt.Errorf("%s: unable to persist state: %w", op, err)
	}
	if err := a.backend.Set(ctx, a.key(codeVerifierKey), string(verifier)); err != nil {
		return "", fmt.Errorf("%s: unable to persist code verifier: %w", op, err)
	}
	if err := a.backend.Set(ctx, a.key(redirectURIKey), p.RedirectURL); err != nil {
		return "", fmt.Errorf("%s: unable to persist redirect uri: %w", op, err)
	}
	if err := a.registry.SetCurrent(ctx, p.Issuer); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	cfg := oauth2.Config{
		ClientID:    p.ClientID,
		RedirectURL: p.RedirectURL,
		Scopes:      p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL: eps.AuthorizationEndpoint,
		},
	}
	var authOpts []oauth2.AuthCodeOption
	if p.UsePKCE {
		authOpts = append(authOpts, oauth2.S256ChallengeOption(string(verifier)))
	}
	for k, v := range p.ExtraAuthParams {
		authOpts = append(authOpts, oauth2.SetAuthURLParam(k, v))
	}
	authURL := cfg.AuthCodeURL(state, authOpts...)

	a.mu.Lock()
	a.callbackDone = false
	a.mu.Unlock()
	a.setStatus(StatusLogin)
	a.logger.Debug("starting authorization code flow", "issuer", p.Issuer, "pkce", p.UsePKCE)

	if a.nav != nil {
		if err := a.nav.Navigate(authURL); err != nil {
			return authURL, fmt.Errorf("%s: navigation failed: %w", op, err)
		}
	}
	return authURL, nil
}

// HandleCallback processes the provider's redirect back to the
// application. It runs at most once per Login (re-invocations return
// ErrCallbackConsumed), validates the echoed state against the persisted
// one before any network call, exchanges the authorization code, and
// deletes the single-use PKCE context whatever the outcome.
func (a *Authenticator) HandleCallback(ctx context.Context, callbackURL string) (*TokenSet, error) {
	const op = "Authenticator.HandleCallback"
	a.mu.Lock()
	if a.callbackDone {
		a.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, ErrCallbackConsumed)
	}
	a.callbackDone = true
	a.mu.Unlock()

	u, err := url.Parse(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid callback url: %w", op, ErrInvalidParameter)
	}
	q := u.Query()
	a.setStatus(StatusLogging)

	// The PKCE context is single use: gone after this callback no matter
	// what happens below.
	defer a.clearPKCEContext(ctx)

	if errCode := q.Get("error"); errCode != "" {
		a.setStatus(StatusLoggedOut)
		return nil, fmt.Errorf("%s: %w", op, &CallbackError{
			Code:        errCode,
			Description: q.Get("error_description"),
		})
	}

	code := q.Get("code")
	if code == "" {
		a.setStatus(StatusLoggedOut)
		return nil, fmt.Errorf("%s: callback carries no authorization code: %w", op, ErrMissingPKCEContext)
	}
	storedState, err := a.backend.Get(ctx, a.key(stateKey))
	if err != nil {
		a.setStatus(StatusLoggedOut)
		return nil, fmt.Errorf("%s: no persisted state for this callback: %w", op, ErrMissingPKCEContext)
	}
	if storedState != q.Get("state") {
		// forged or stale callback: no network call
		a.setStatus(StatusLoggedOut)
		return nil, fmt.Errorf("%s: %w", op, ErrStateMismatch)
	}
	verifier, err := a.backend.Get(ctx, a.key(codeVerifierKey))
	if err != nil {
		a.setStatus(StatusLoggedOut)
		return nil, fmt.Errorf("%s: no persisted code verifier for this callback: %w", op, ErrMissingPKCEContext)
	}
	redirectURI, err := a.backend.Get(ctx, a.key(redirectURIKey))
	if err != nil {
		a.setStatus(StatusLoggedOut)
		return nil, fmt.Errorf("%s: no persisted redirect uri for this callback: %w", op, ErrMissingPKCEContext)
	}

	p, err := a.registry.Current(ctx)
	if err != nil {
		a.setStatus(StatusLoggedOut)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if p == nil {
		a.setStatus(StatusLoggedOut)
		return nil, fmt.Errorf("%s: no provider owns the pending flow: %w", op, ErrProviderNotFound)
	}
	eps, err := a.endpoints(ctx, p)
	if err != nil {
		a.setStatus(StatusLoggedOut)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	tokens, err := a.exchangeCode(ctx, p, eps, code, CodeVerifier(verifier), redirectURI)
	if err != nil {
		a.setStatus(StatusLoggedOut)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := a.tokens.Set(ctx, tokens); err != nil {
		a.setStatus(StatusLoggedOut)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	a.setStatus(StatusLoggedIn)
	a.logger.Debug("authorization code exchanged", "issuer", p.Issuer)
	return tokens, nil
}

// CallbackHandler wraps HandleCallback as an http.HandlerFunc for
// applications that host the redirect URI themselves. The success and error
// funcs render the response.
func (a *Authenticator) CallbackHandler(ctx context.Context, onSuccess func(*TokenSet, http.ResponseWriter, *http.Request), onError func(error, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		tokens, err := a.HandleCallback(ctx, req.URL.String())
		if err != nil {
			onError(err, w, req)
			return
		}
		onSuccess(tokens, w, req)
	}
}

// Logout ends the session. Local state - token set, PKCE context, provider
// selection - is cleared before any navigation, so a failed navigation
// still leaves the application logged out. When the provider has an
// end-session endpoint, its URL (with post_logout_redirect_uri and
// id_token_hint) is returned and navigated to. Calling Logout without a
// current provider and token is a caller error.
func (a *Authenticator) Logout(ctx context.Context) (string, error) {
	const op = "Authenticator.Logout"
	p, err := a.registry.Current(ctx)
	if err != nil && !errors.Is(err, ErrProviderNotFound) {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	tokens, tokErr := a.tokens.Get(ctx)
	if tokErr != nil {
		return "", fmt.Errorf("%s: %w", op, tokErr)
	}
	if p == nil || !tokens.IsValid() {
		return "", fmt.Errorf("%s: no active provider and token: %w", op, ErrProviderNotFound)
	}

	var logoutURL string
	eps, err := a.endpoints(ctx, p)
	switch {
	case err != nil:
		// local logout still proceeds
		a.logger.Warn("unable to resolve end-session endpoint", "issuer", p.Issuer, "err", err)
	case eps.EndSessionEndpoint != "":
		q := url.Values{}
		q.Set("post_logout_redirect_uri", p.logoutRedirectURL())
		if tokens.IDToken != "" {
			q.Set("id_token_hint", tokens.IDToken)
		}
		logoutURL = fmt.Sprintf("%s?%s", eps.EndSessionEndpoint, q.Encode())
	}

	var result *multierror.Error
	if err := a.tokens.Clear(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.clearPKCEContext(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.registry.ClearCurrent(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	a.setStatus(StatusLoggedOut)
	if err := result.ErrorOrNil(); err != nil {
		return logoutURL, fmt.Errorf("%s: unable to clear local session state: %w", op, err)
	}
	a.logger.Debug("logged out", "issuer", p.Issuer, "end_session", logoutURL != "")

	if a.nav != nil && logoutURL != "" {
		if err := a.nav.Navigate(logoutURL); err != nil {
			return logoutURL, fmt.Errorf("%s: navigation failed: %w", op, err)
		}
	}
	return logoutURL, nil
}

// endpoints returns the provider's endpoint URLs, preferring explicit
// configuration and falling back to the injected lookup.
func (a *Authenticator) endpoints(ctx context.Context, p *Provider) (Endpoints, error) {
	const op = "Authenticator.endpoints"
	if p.AuthorizationEndpoint != "" && p.TokenEndpoint != "" {
		return Endpoints{
			AuthorizationEndpoint: p.AuthorizationEndpoint,
			TokenEndpoint:         p.TokenEndpoint,
			EndSessionEndpoint:    p.EndSessionEndpoint,
			UserInfoEndpoint:      p.UserInfoEndpoint,
		}, nil
	}
	if a.lookup == nil {
		return Endpoints{}, fmt.Errorf("%s: issuer %s has no configured endpoints and no lookup is injected: %w", op, p.Issuer, ErrEndpointNotFound)
	}
	eps, err := a.lookup(ctx, p.Issuer)
	if err != nil {
		return Endpoints{}, fmt.Errorf("%s: %w", op, err)
	}
	return eps, nil
}

// clearPKCEContext removes the persisted state, verifier and redirect URI.
func (a *Authenticator) clearPKCEContext(ctx context.Context) error {
	const op = "Authenticator.clearPKCEContext"
	var result *multierror.Error
	for _, k := range []string{stateKey, codeVerifierKey, redirectURIKey} {
		if err := a.backend.Remove(ctx, a.key(k)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (a *Authenticator) key(logical string) string {
	return storage.Namespace(a.prefix, logical)
}
