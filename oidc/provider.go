package oidc

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ghostauth/ghostauth/internal/strutils"
)

// ClientSecret is a relying party client secret
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// Provider is one configured identity provider. A Provider is immutable
// once registered; the Registry's current selection is the only mutable
// piece of provider state.
type Provider struct {
	// Issuer is the provider's base URL and its unique key within a
	// Registry.
	Issuer string `yaml:"issuer" env:"ISSUER" validate:"required,url"`

	// Name is an optional human readable name, for login buttons and logs.
	Name string `yaml:"name" env:"NAME"`

	// AuthorizationEndpoint, TokenEndpoint, EndSessionEndpoint and
	// UserInfoEndpoint may be left empty, in which case they are resolved
	// through the Authenticator's EndpointLookup.
	AuthorizationEndpoint string `yaml:"authorization_endpoint" env:"AUTHORIZATION_ENDPOINT" validate:"omitempty,url"`
	TokenEndpoint         string `yaml:"token_endpoint" env:"TOKEN_ENDPOINT" validate:"omitempty,url"`
	EndSessionEndpoint    string `yaml:"end_session_endpoint" env:"END_SESSION_ENDPOINT" validate:"omitempty,url"`
	UserInfoEndpoint      string `yaml:"userinfo_endpoint" env:"USERINFO_ENDPOINT" validate:"omitempty,url"`

	// ClientID is the relying party id
	ClientID string `yaml:"client_id" env:"CLIENT_ID" validate:"required"`

	// ClientSecret is the optional relying party secret. When set, token
	// endpoint calls authenticate with HTTP Basic instead of a client_id
	// body parameter.
	ClientSecret ClientSecret `yaml:"client_secret" env:"CLIENT_SECRET"`

	// Scopes are the scopes requested at authorization.
	Scopes []string `yaml:"scopes" env:"SCOPES"`

	// UsePKCE enables the S256 code challenge. Disabling it replaces the
	// verifier with the NoPKCEVerifier sentinel; state stays random.
	UsePKCE bool `yaml:"use_pkce" env:"USE_PKCE"`

	// RedirectURL is where the provider sends the user back with the
	// authorization code.
	RedirectURL string `yaml:"redirect_url" env:"REDIRECT_URL" validate:"required,url"`

	// PostLogoutRedirectURL overrides RedirectURL as the target after an
	// end-session redirect.
	PostLogoutRedirectURL string `yaml:"post_logout_redirect_url" env:"POST_LOGOUT_REDIRECT_URL" validate:"omitempty,url"`

	// Default marks the provider selected by Resolve when no issuer is
	// named.
	Default bool `yaml:"default" env:"DEFAULT"`

	// ExtraAuthParams are provider-specific authorization request
	// parameters passed through unmodified, e.g. an identity provider hint.
	ExtraAuthParams map[string]string `yaml:"extra_auth_params" env:"EXTRA_AUTH_PARAMS"`
}

var validate = validator.New()

// Validate the provider configuration. Among other validations, the issuer
// must parse as an http or https URL; it is not verified to be
// discoverable.
func (p *Provider) Validate() error {
	const op = "Provider.Validate"
	if p == nil {
		return fmt.Errorf("%s: provider is nil: %w", op, ErrNilParameter)
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%s: %s: %w", op, err, ErrInvalidParameter)
	}
	u, err := url.Parse(p.Issuer)
	if err != nil {
		return fmt.Errorf("%s: issuer %s is invalid: %w", op, p.Issuer, ErrInvalidParameter)
	}
	if !strutils.StrListContains([]string{"https", "http"}, u.Scheme) {
		return fmt.Errorf("%s: issuer %s scheme is not http or https: %w", op, p.Issuer, ErrInvalidParameter)
	}
	return nil
}

// logoutRedirectURL is the post_logout_redirect_uri for the provider,
// falling back to the normal redirect URL.
func (p *Provider) logoutRedirectURL() string {
	if p.PostLogoutRedirectURL != "" {
		return p.PostLogoutRedirectURL
	}
	return p.RedirectURL
}

// ParseProviders reads a YAML provider list:
//
//	providers:
//	  - issuer: https://id.example.com/realms/app
//	    client_id: my-app
//	    use_pkce: true
//	    redirect_url: https://app.example.com/callback
//
// Every entry is validated before any are returned.
func ParseProviders(data []byte) ([]Provider, error) {
	const op = "oidc.ParseProviders"
	var doc struct {
		Providers []Provider `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: unable to parse provider config: %w", op, err)
	}
	if len(doc.Providers) == 0 {
		return nil, fmt.Errorf("%s: no providers configured: %w", op, ErrInvalidParameter)
	}
	for i := range doc.Providers {
		if err := doc.Providers[i].Validate(); err != nil {
			return nil, fmt.Errorf("%s: provider %d: %w", op, i, err)
		}
	}
	return doc.Providers, nil
}

// ProviderFromEnv builds a single provider from GHOSTAUTH_-prefixed
// environment variables (GHOSTAUTH_ISSUER, GHOSTAUTH_CLIENT_ID, ...).
func ProviderFromEnv() (*Provider, error) {
	const op = "oidc.ProviderFromEnv"
	var p Provider
	if err := env.ParseWithOptions(&p, env.Options{Prefix: "GHOSTAUTH_"}); err != nil {
		return nil, fmt.Errorf("%s: unable to parse environment: %w", op, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &p, nil
}
