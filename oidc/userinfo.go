package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// UserInfo gets the userinfo claims for the current session from the
// provider's userinfo endpoint, decoding them into claims.
func (a *Authenticator) UserInfo(ctx context.Context, claims interface{}) error {
	const op = "Authenticator.UserInfo"
	if claims == nil {
		return fmt.Errorf("%s: claims interface is nil: %w", op, ErrNilParameter)
	}
	p, err := a.registry.Current(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if p == nil {
		return fmt.Errorf("%s: no current provider: %w", op, ErrProviderNotFound)
	}
	tokens, err := a.tokens.Get(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !tokens.IsValid() {
		return fmt.Errorf("%s: %w", op, ErrMissingToken)
	}
	eps, err := a.endpoints(ctx, p)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if eps.UserInfoEndpoint == "" {
		return fmt.Errorf("%s: issuer %s has no userinfo endpoint: %w", op, p.Issuer, ErrEndpointNotFound)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, eps.UserInfoEndpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: unable to build userinfo request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+string(tokens.AccessToken))
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: userinfo request failed: %w", op, ErrNetworkFailure)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBody))
	if err != nil {
		return fmt.Errorf("%s: unable to read userinfo response: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: userinfo request returned status %d: %w", op, resp.StatusCode, ErrProviderResponse)
	}
	if err := json.Unmarshal(body, claims); err != nil {
		return fmt.Errorf("%s: unable to decode userinfo claims: %w", op, err)
	}
	return nil
}

// IDTokenClaims decodes the stored id_token's payload into claims. The
// signature is not verified: the token arrived directly from the token
// endpoint over TLS and this package holds no provider keys.
func (a *Authenticator) IDTokenClaims(ctx context.Context, claims interface{}) error {
	const op = "Authenticator.IDTokenClaims"
	if claims == nil {
		return fmt.Errorf("%s: claims interface is nil: %w", op, ErrNilParameter)
	}
	tokens, err := a.tokens.Get(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tokens == nil {
		return fmt.Errorf("%s: %w", op, ErrMissingToken)
	}
	if tokens.IDToken == "" {
		return fmt.Errorf("%s: %w", op, ErrMissingIDToken)
	}

	mapClaims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokens.IDToken, mapClaims); err != nil {
		return fmt.Errorf("%s: unable to parse id_token: %w", op, err)
	}
	data, err := json.Marshal(mapClaims)
	if err != nil {
		return fmt.Errorf("%s: unable to marshal id_token claims: %w", op, err)
	}
	if err := json.Unmarshal(data, claims); err != nil {
		return fmt.Errorf("%s: unable to decode id_token claims: %w", op, err)
	}
	return nil
}
