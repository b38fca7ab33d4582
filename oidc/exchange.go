package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxTokenResponseBody caps how much of a token endpoint response is read.
const maxTokenResponseBody = 1 << 20

// exchangeCode redeems an authorization code at the provider's token
// endpoint (RFC 6749 §4.1.3, RFC 7636 §4.5).
func (a *Authenticator) exchangeCode(ctx context.Context, p *Provider, eps Endpoints, code string, verifier CodeVerifier, redirectURI string) (*TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	if verifier != NoPKCEVerifier && verifier != "" {
		form.Set("code_verifier", string(verifier))
	}
	return a.tokenRequest(ctx, p, eps.TokenEndpoint, form, "authorization_code")
}

// refreshGrant redeems a refresh token. Rotation is respected: the returned
// set carries whatever refresh_token the provider sent back, falling back
// to the one spent when the provider omits it.
func (a *Authenticator) refreshGrant(ctx context.Context, p *Provider, eps Endpoints, refreshToken RefreshToken) (*TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", string(refreshToken))
	tokens, err := a.tokenRequest(ctx, p, eps.TokenEndpoint, form, "refresh_token")
	if err != nil {
		return nil, err
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

// tokenRequest posts a form-encoded grant to the token endpoint. Client
// authentication is HTTP Basic when a client secret is configured and a
// client_id body parameter otherwise, never both. Failures are classified
// as *ExchangeError, with the Network flag distinguishing transport
// failures from HTTP-level ones.
func (a *Authenticator) tokenRequest(ctx context.Context, p *Provider, tokenEndpoint string, form url.Values, grant string) (*TokenSet, error) {
	const op = "Authenticator.tokenRequest"
	if tokenEndpoint == "" {
		return nil, fmt.Errorf("%s: issuer %s has no token endpoint: %w", op, p.Issuer, ErrEndpointNotFound)
	}
	if p.ClientSecret == "" {
		form.Set("client_id", p.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to build token request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if p.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(p.ClientID), url.QueryEscape(string(p.ClientSecret)))
	}

	a.logger.Debug("calling token endpoint", "issuer", p.Issuer, "grant", grant)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &ExchangeError{Network: true, grant: grant, wrapped: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBody))
	if err != nil {
		return nil, &ExchangeError{Network: true, grant: grant, wrapped: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ExchangeError{Status: resp.StatusCode, Body: body, grant: grant}
	}

	var tokens TokenSet
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("%s: unable to parse token response: %w", op, err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("%s: token response carries no access_token: %w", op, ErrTokenExchangeFailed)
	}
	return &tokens, nil
}
