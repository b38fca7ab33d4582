package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghostauth/ghostauth/storage"
)

// AccessToken is an oauth access_token
type AccessToken string

// RedactedAccessToken is the redacted string for an oauth access_token
const RedactedAccessToken = "[REDACTED: access_token]"

// String will redact the token
func (t AccessToken) String() string {
	return RedactedAccessToken
}

// RefreshToken is an oauth refresh_token
type RefreshToken string

// RedactedRefreshToken is the redacted string for an oauth refresh_token
const RedactedRefreshToken = "[REDACTED: refresh_token]"

// String will redact the token
func (t RefreshToken) String() string {
	return RedactedRefreshToken
}

// TokenSet is the full token response of a successful code exchange or
// refresh. The four named token fields are the only ones consumers read;
// everything else the provider returned is preserved verbatim in Extra, so
// provider-specific fields survive a persistence round trip. A TokenSet is
// always written and cleared as a whole, never partially mutated.
type TokenSet struct {
	AccessToken      AccessToken
	RefreshToken     RefreshToken
	IDToken          string
	TokenType        string
	ExpiresIn        int64
	RefreshExpiresIn int64
	Scope            string

	// ReceivedAt is when the set was obtained from the provider; it anchors
	// the Expired helper. Populated by UnmarshalJSON.
	ReceivedAt time.Time

	// Extra holds every provider-specific field outside the named ones,
	// treated as an opaque bag.
	Extra map[string]interface{}
}

// knownTokenFields are the token response members lifted into named TokenSet
// fields; everything else lands in Extra.
var knownTokenFields = map[string]struct{}{
	"access_token":       {},
	"refresh_token":      {},
	"id_token":           {},
	"token_type":         {},
	"expires_in":         {},
	"refresh_expires_in": {},
	"scope":              {},
	"received_at":        {},
}

// IsValid reports whether the set can be used for API calls. Validity is
// presence of an access token: expiry is handled reactively by the request
// interceptor's 401-triggered refresh, not proactively. See Expired for the
// opt-in proactive check.
func (t *TokenSet) IsValid() bool {
	return t != nil && t.AccessToken != ""
}

// DefaultExpirySkew defines a default time skew when checking a TokenSet's
// expiration.
const DefaultExpirySkew = 10 * time.Second

// Expired reports whether the access token's expires_in window has elapsed,
// with a safety skew. A set without expires_in never reports expired.
// Supports WithExpirySkew. This is a documented enhancement hook: nothing in
// the package consults it by default.
func (t *TokenSet) Expired(opt ...Option) bool {
	if t == nil || t.ExpiresIn == 0 || t.ReceivedAt.IsZero() {
		return false
	}
	opts := tokenSetDefaults()
	ApplyOpts(&opts, opt...)
	expiry := t.ReceivedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
	return expiry.Round(0).Before(time.Now().Add(opts.withExpirySkew))
}

type tokenSetOptions struct {
	withExpirySkew time.Duration
}

func tokenSetDefaults() tokenSetOptions {
	return tokenSetOptions{
		withExpirySkew: DefaultExpirySkew,
	}
}

// MarshalJSON flattens the named fields and the Extra bag back into the wire
// shape of a token endpoint response.
func (t *TokenSet) MarshalJSON() ([]byte, error) {
	raw := map[string]interface{}{}
	for k, v := range t.Extra {
		raw[k] = v
	}
	raw["access_token"] = string(t.AccessToken)
	if t.RefreshToken != "" {
		raw["refresh_token"] = string(t.RefreshToken)
	}
	if t.IDToken != "" {
		raw["id_token"] = t.IDToken
	}
	if t.TokenType != "" {
		raw["token_type"] = t.TokenType
	}
	if t.ExpiresIn != 0 {
		raw["expires_in"] = t.ExpiresIn
	}
	if t.RefreshExpiresIn != 0 {
		raw["refresh_expires_in"] = t.RefreshExpiresIn
	}
	if t.Scope != "" {
		raw["scope"] = t.Scope
	}
	if !t.ReceivedAt.IsZero() {
		raw["received_at"] = t.ReceivedAt.Format(time.RFC3339)
	}
	return json.Marshal(raw)
}

// UnmarshalJSON accepts a token endpoint response body, lifting the named
// fields and keeping the rest in Extra. ReceivedAt defaults to now when the
// body does not carry one (i.e. when parsing a fresh provider response).
func (t *TokenSet) UnmarshalJSON(data []byte) error {
	const op = "TokenSet.UnmarshalJSON"
	var named struct {
		AccessToken      string      `json:"access_token"`
		RefreshToken     string      `json:"refresh_token"`
		IDToken          string      `json:"id_token"`
		TokenType        string      `json:"token_type"`
		ExpiresIn        json.Number `json:"expires_in"`
		RefreshExpiresIn json.Number `json:"refresh_expires_in"`
		Scope            string      `json:"scope"`
		ReceivedAt       string      `json:"received_at"`
	}
	if err := json.Unmarshal(data, &named); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	t.AccessToken = AccessToken(named.AccessToken)
	t.RefreshToken = RefreshToken(named.RefreshToken)
	t.IDToken = named.IDToken
	t.TokenType = named.TokenType
	t.Scope = named.Scope
	// Some providers return expires_in as a string; json.Number covers both.
	if named.ExpiresIn != "" {
		n, err := named.ExpiresIn.Int64()
		if err != nil {
			return fmt.Errorf("%s: invalid expires_in: %w", op, ErrInvalidParameter)
		}
		t.ExpiresIn = n
	}
	if named.RefreshExpiresIn != "" {
		n, err := named.RefreshExpiresIn.Int64()
		if err != nil {
			return fmt.Errorf("%s: invalid refresh_expires_in: %w", op, ErrInvalidParameter)
		}
		t.RefreshExpiresIn = n
	}
	if named.ReceivedAt != "" {
		at, err := time.Parse(time.RFC3339, named.ReceivedAt)
		if err != nil {
			return fmt.Errorf("%s: invalid received_at: %w", op, ErrInvalidParameter)
		}
		t.ReceivedAt = at
	} else {
		t.ReceivedAt = time.Now().UTC().Truncate(time.Second)
	}

	t.Extra = map[string]interface{}{}
	for k, v := range raw {
		if _, ok := knownTokenFields[k]; ok {
			continue
		}
		t.Extra[k] = v
	}
	return nil
}

// tokenSetKey is the logical storage key for the serialized TokenSet.
const tokenSetKey = "token_set"

// TokenStore owns the canonical copy of the current TokenSet, persisting it
// through a storage.Backend and notifying subscribers on every mutation.
// Subscribers are notified synchronously after the backend write commits, so
// a subscriber reading back immediately sees the new value. Everything else
// in the module only reads snapshots.
type TokenStore struct {
	backend storage.Backend
	key     string

	mu        sync.Mutex
	listeners map[int]func(*TokenSet)
	nextID    int
}

// NewTokenStore creates a TokenStore over the given backend. Supported
// options: WithStoragePrefix.
func NewTokenStore(backend storage.Backend, opt ...Option) (*TokenStore, error) {
	const op = "oidc.NewTokenStore"
	if backend == nil {
		return nil, fmt.Errorf("%s: storage backend is nil: %w", op, ErrNilParameter)
	}
	opts := tokenStoreDefaults()
	ApplyOpts(&opts, opt...)
	return &TokenStore{
		backend:   backend,
		key:       storage.Namespace(opts.withStoragePrefix, tokenSetKey),
		listeners: map[int]func(*TokenSet){},
	}, nil
}

type tokenStoreOptions struct {
	withStoragePrefix string
}

func tokenStoreDefaults() tokenStoreOptions {
	return tokenStoreOptions{}
}

// Set atomically replaces the stored TokenSet and notifies subscribers.
func (s *TokenStore) Set(ctx context.Context, tokens *TokenSet) error {
	const op = "TokenStore.Set"
	if tokens == nil {
		return fmt.Errorf("%s: token set is nil: %w", op, ErrNilParameter)
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("%s: unable to marshal token set: %w", op, err)
	}
	if err := s.backend.Set(ctx, s.key, string(data)); err != nil {
		return fmt.Errorf("%s: unable to persist token set: %w", op, err)
	}
	s.notify(tokens)
	return nil
}

// Get returns a snapshot of the stored TokenSet, or nil when none is
// stored.
func (s *TokenStore) Get(ctx context.Context) (*TokenSet, error) {
	const op = "TokenStore.Get"
	data, err := s.backend.Get(ctx, s.key)
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%s: unable to read token set: %w", op, err)
	}
	var tokens TokenSet
	if err := json.Unmarshal([]byte(data), &tokens); err != nil {
		return nil, fmt.Errorf("%s: unable to unmarshal token set: %w", op, err)
	}
	return &tokens, nil
}

// Clear atomically removes the stored TokenSet and notifies subscribers
// with nil.
func (s *TokenStore) Clear(ctx context.Context) error {
	const op = "TokenStore.Clear"
	if err := s.backend.Remove(ctx, s.key); err != nil {
		return fmt.Errorf("%s: unable to clear token set: %w", op, err)
	}
	s.notify(nil)
	return nil
}

// Subscribe registers a listener invoked on every Set and Clear with the
// new value (nil on Clear). The returned func cancels the subscription.
func (s *TokenStore) Subscribe(fn func(*TokenSet)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// notify invokes the current listeners outside the lock, so a listener may
// call back into the store.
func (s *TokenStore) notify(tokens *TokenSet) {
	s.mu.Lock()
	fns := make([]func(*TokenSet), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(tokens)
	}
}
