// Package oidc drives the client side of the OAuth2 authorization code flow
// with PKCE and the OpenID Connect token lifecycle. It provides the pieces a
// relying application composes: a Registry of identity providers, a
// TokenStore holding the current token set, and an Authenticator that owns
// the login/callback/refresh/logout state machine and coordinates concurrent
// refreshes into a single token-endpoint request.
//
// The package never renders UI and never validates token signatures; ID
// tokens are treated as opaque values carried over the provider's TLS
// channel. Endpoint discovery is an injected EndpointLookup; a default
// implementation backed by the provider's well-known configuration is
// available via NewDiscoveryLookup.
package oidc
