package oidc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ghostauth/ghostauth/storage"
)

// currentIssuerKey is the logical storage key remembering which provider
// issued the pending or active session. It is persisted so a page reload
// mid-flow, or a refresh long after login, still knows who to talk to.
const currentIssuerKey = "issuer"

// Registry holds the configured identity providers and the current
// selection. Providers are immutable once registered; only the current
// selection changes, and it is persisted through the storage backend.
type Registry struct {
	backend    storage.Backend
	currentKey string

	mu        sync.RWMutex
	providers map[string]*Provider
	order     []string
}

// NewRegistry creates a Registry over the given backend. Supported options:
// WithStoragePrefix.
func NewRegistry(backend storage.Backend, opt ...Option) (*Registry, error) {
	const op = "oidc.NewRegistry"
	if backend == nil {
		return nil, fmt.Errorf("%s: storage backend is nil: %w", op, ErrNilParameter)
	}
	opts := registryDefaults()
	ApplyOpts(&opts, opt...)
	return &Registry{
		backend:    backend,
		currentKey: storage.Namespace(opts.withStoragePrefix, currentIssuerKey),
		providers:  map[string]*Provider{},
	}, nil
}

type registryOptions struct {
	withStoragePrefix string
}

func registryDefaults() registryOptions {
	return registryOptions{}
}

// Register validates and adds providers, keyed by issuer. Registering an
// issuer twice replaces the earlier entry. At most one provider may carry
// the Default flag.
func (r *Registry) Register(providers ...Provider) error {
	const op = "Registry.Register"
	if len(providers) == 0 {
		return fmt.Errorf("%s: no providers given: %w", op, ErrInvalidParameter)
	}
	for i := range providers {
		if err := providers[i].Validate(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range providers {
		p := providers[i]
		if _, ok := r.providers[p.Issuer]; !ok {
			r.order = append(r.order, p.Issuer)
		}
		r.providers[p.Issuer] = &p
	}
	defaults := 0
	for _, p := range r.providers {
		if p.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("%s: more than one provider is flagged default: %w", op, ErrInvalidParameter)
	}
	return nil
}

// Providers returns the registered providers in registration order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, issuer := range r.order {
		out = append(out, *r.providers[issuer])
	}
	return out
}

// Resolve selects a provider: the explicitly named issuer, else the
// configured default, else the sole registered provider. An ambiguous
// selection (several providers, no default, no explicit issuer) is
// ErrProviderNotFound rather than a silent pick.
func (r *Registry) Resolve(issuer string) (*Provider, error) {
	const op = "Registry.Resolve"
	r.mu.RLock()
	defer r.mu.RUnlock()
	if issuer != "" {
		p, ok := r.providers[issuer]
		if !ok {
			return nil, fmt.Errorf("%s: issuer %q is not registered: %w", op, issuer, ErrProviderNotFound)
		}
		return p, nil
	}
	for _, p := range r.providers {
		if p.Default {
			return p, nil
		}
	}
	if len(r.order) == 1 {
		return r.providers[r.order[0]], nil
	}
	return nil, fmt.Errorf("%s: no issuer named and no default among %d providers: %w", op, len(r.order), ErrProviderNotFound)
}

// SetCurrent persists issuer as the provider owning the pending or active
// session. The issuer must be registered.
func (r *Registry) SetCurrent(ctx context.Context, issuer string) error {
	const op = "Registry.SetCurrent"
	r.mu.RLock()
	_, ok := r.providers[issuer]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: issuer %q is not registered: %w", op, issuer, ErrProviderNotFound)
	}
	if err := r.backend.Set(ctx, r.currentKey, issuer); err != nil {
		return fmt.Errorf("%s: unable to persist current issuer: %w", op, err)
	}
	return nil
}

// Current returns the persisted current provider, or nil when none is
// selected.
func (r *Registry) Current(ctx context.Context) (*Provider, error) {
	const op = "Registry.Current"
	issuer, err := r.backend.Get(ctx, r.currentKey)
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%s: unable to read current issuer: %w", op, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[issuer]
	if !ok {
		// persisted selection outlived its registration
		return nil, fmt.Errorf("%s: persisted issuer %q is not registered: %w", op, issuer, ErrProviderNotFound)
	}
	return p, nil
}

// ClearCurrent removes the persisted selection.
func (r *Registry) ClearCurrent(ctx context.Context) error {
	const op = "Registry.ClearCurrent"
	if err := r.backend.Remove(ctx, r.currentKey); err != nil {
		return fmt.Errorf("%s: unable to clear current issuer: %w", op, err)
	}
	return nil
}
