// Package interceptor decorates outgoing HTTP requests with the current
// bearer token and transparently re-authorizes calls that failed with 401.
// It wraps a base http.RoundTripper, so any client can adopt it by swapping
// its Transport.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-hclog"

	"github.com/ghostauth/ghostauth/oidc"
)

var (
	// ErrNilParameter mirrors the core package's parameter errors.
	ErrNilParameter = errors.New("nil parameter")

	// ErrBodyNotReplayable is returned when a 401 response would be retried
	// but the original request body cannot be rewound.
	ErrBodyNotReplayable = errors.New("request body cannot be replayed for retry")
)

// Matcher decides whether a request target is within the authenticated
// service's scope. Only in-scope requests are decorated with the bearer
// token, so the token never leaks to third-party hosts.
type Matcher func(target *url.URL) bool

// MatchHost returns the default Matcher: same host as serviceURL. The
// special service URL "/" matches every target, mirroring a same-origin
// browser application.
func MatchHost(serviceURL string) (Matcher, error) {
	const op = "interceptor.MatchHost"
	if serviceURL == "/" {
		return func(*url.URL) bool { return true }, nil
	}
	u, err := url.Parse(serviceURL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("%s: service url %q has no host", op, serviceURL)
	}
	host := u.Hostname()
	return func(target *url.URL) bool {
		return target != nil && target.Hostname() == host
	}, nil
}

// Refresher is the slice of the flow orchestrator the transport needs. It
// is satisfied by *oidc.Authenticator.
type Refresher interface {
	Refresh(ctx context.Context) (*oidc.TokenSet, error)
}

// Transport is an http.RoundTripper that attaches Authorization: Bearer
// headers to in-scope requests and, on a 401 response, runs exactly one
// refresh cycle and resubmits the original request exactly once. The
// refresh call itself is never retried, and a request is never retried
// twice.
type Transport struct {
	base      http.RoundTripper
	tokens    *oidc.TokenStore
	refresher Refresher
	match     Matcher
	logger    hclog.Logger
	retryOn   map[int]struct{}
}

var _ http.RoundTripper = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithBase sets the wrapped RoundTripper; the default is
// http.DefaultTransport.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) {
		t.base = rt
	}
}

// WithMatcher overrides the host-based default scope matcher.
func WithMatcher(m Matcher) Option {
	return func(t *Transport) {
		t.match = m
	}
}

// WithLogger provides an hclog logger. The default is a null logger.
func WithLogger(l hclog.Logger) Option {
	return func(t *Transport) {
		t.logger = l
	}
}

// WithRetryOnForbidden also treats 403 responses as an authorization
// failure worth one refresh-and-retry cycle.
func WithRetryOnForbidden() Option {
	return func(t *Transport) {
		t.retryOn[http.StatusForbidden] = struct{}{}
	}
}

// New creates a Transport scoped to serviceURL (see MatchHost).
func New(serviceURL string, tokens *oidc.TokenStore, refresher Refresher, opt ...Option) (*Transport, error) {
	const op = "interceptor.New"
	if tokens == nil {
		return nil, fmt.Errorf("%s: token store is nil: %w", op, ErrNilParameter)
	}
	if refresher == nil {
		return nil, fmt.Errorf("%s: refresher is nil: %w", op, ErrNilParameter)
	}
	match, err := MatchHost(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	t := &Transport{
		base:      http.DefaultTransport,
		tokens:    tokens,
		refresher: refresher,
		match:     match,
		logger:    hclog.NewNullLogger(),
		retryOn:   map[int]struct{}{http.StatusUnauthorized: {}},
	}
	for _, o := range opt {
		o(t)
	}
	return t, nil
}

// Client returns an *http.Client using the transport.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.match(req.URL) {
		return t.base.RoundTrip(req)
	}

	tokens, err := t.tokens.Get(req.Context())
	if err != nil {
		return nil, err
	}

	first := decorate(req, tokens)
	resp, err := t.base.RoundTrip(first)
	if err != nil {
		return nil, err
	}
	if _, retry := t.retryOn[resp.StatusCode]; !retry || !tokens.IsValid() {
		return resp, nil
	}

	// One refresh, one resubmit; a second failure propagates as-is.
	retried, err := t.rewind(req)
	if err != nil {
		return resp, nil
	}
	t.logger.Debug("authorization failed, refreshing", "status", resp.StatusCode, "url", req.URL.Redacted())
	refreshed, err := t.refresher.Refresh(req.Context())
	if err != nil {
		// surface the original auth failure alongside the refresh error
		drain(resp)
		return nil, fmt.Errorf("request to %s returned status %d and token refresh failed: %w", req.URL.Redacted(), resp.StatusCode, err)
	}
	drain(resp)
	return t.base.RoundTrip(decorate(retried, refreshed))
}

// decorate returns a clone of req carrying the bearer token. The original
// request is never mutated, per the RoundTripper contract.
func decorate(req *http.Request, tokens *oidc.TokenSet) *http.Request {
	out := req.Clone(req.Context())
	if tokens.IsValid() {
		out.Header.Set("Authorization", "Bearer "+string(tokens.AccessToken))
	}
	return out
}

// rewind prepares a second attempt of req. Requests whose body cannot be
// replayed are not retried.
func (t *Transport) rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, ErrBodyNotReplayable
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	out := req.Clone(req.Context())
	out.Body = body
	return out, nil
}

// drain releases a response we will not return, so the underlying
// connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
