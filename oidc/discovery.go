package oidc

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-hclog"
)

// Endpoints are the provider URLs the flow needs. EndSessionEndpoint and
// UserInfoEndpoint are optional; providers without them simply skip the
// end-session redirect and userinfo fetch.
type Endpoints struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	EndSessionEndpoint    string
	UserInfoEndpoint      string
}

// EndpointLookup resolves an issuer to its endpoint URLs. It is the
// injected collaborator contract for discovery: the flow never fetches
// discovery documents itself.
type EndpointLookup func(ctx context.Context, issuer string) (Endpoints, error)

// NewDiscoveryLookup returns an EndpointLookup backed by the issuer's
// well-known OpenID configuration. Results are cached per issuer for the
// lifetime of the lookup. Supported options: WithHTTPClient, WithProviderCA,
// WithLogger.
func NewDiscoveryLookup(opt ...Option) (EndpointLookup, error) {
	const op = "oidc.NewDiscoveryLookup"
	opts := lookupDefaults()
	ApplyOpts(&opts, opt...)

	client := opts.withClient
	if client == nil {
		var err error
		client, err = NewHTTPClient(opts.withProviderCA)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
		}
	}
	logger := opts.withLogger

	cache := newEndpointCache()
	return func(ctx context.Context, issuer string) (Endpoints, error) {
		const op = "oidc.DiscoveryLookup"
		if eps, ok := cache.get(issuer); ok {
			return eps, nil
		}
		logger.Debug("fetching discovery document", "issuer", issuer)
		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, client), issuer)
		if err != nil {
			return Endpoints{}, fmt.Errorf("%s: unable to discover issuer %s: %w", op, issuer, err)
		}
		var claims struct {
			EndSessionEndpoint string `json:"end_session_endpoint"`
			UserInfoEndpoint   string `json:"userinfo_endpoint"`
		}
		if err := provider.Claims(&claims); err != nil {
			return Endpoints{}, fmt.Errorf("%s: unable to read discovery claims for %s: %w", op, issuer, err)
		}
		eps := Endpoints{
			AuthorizationEndpoint: provider.Endpoint().AuthURL,
			TokenEndpoint:         provider.Endpoint().TokenURL,
			EndSessionEndpoint:    claims.EndSessionEndpoint,
			UserInfoEndpoint:      claims.UserInfoEndpoint,
		}
		cache.set(issuer, eps)
		return eps, nil
	}, nil
}

type lookupOptions struct {
	withClient     *http.Client
	withProviderCA string
	withLogger     hclog.Logger
}

func lookupDefaults() lookupOptions {
	return lookupOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

// endpointCache memoizes discovery results per issuer.
type endpointCache struct {
	mu    sync.RWMutex
	byIss map[string]Endpoints
}

func newEndpointCache() *endpointCache {
	return &endpointCache{byIss: map[string]Endpoints{}}
}

func (c *endpointCache) get(issuer string) (Endpoints, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	eps, ok := c.byIss[issuer]
	return eps, ok
}

func (c *endpointCache) set(issuer string, eps Endpoints) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byIss[issuer] = eps
}
