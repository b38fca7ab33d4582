package storage

import (
	"context"
	"sync"
	"time"
)

// DefaultScopedTTL is the entry lifetime used by NewScoped when no TTL is
// given. It roughly matches a browser session cookie used to carry a
// one-shot login flow.
const DefaultScopedTTL = 30 * time.Minute

// Scoped is an in-memory Backend whose entries expire, the equivalent of
// sessionStorage or a short-lived cookie. Expired entries read as absent;
// they are dropped lazily on access and on any write.
type Scoped struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	values  map[string]scopedEntry
	lastGC  time.Time
	gcEvery time.Duration
}

type scopedEntry struct {
	value     string
	expiresAt time.Time
}

var _ Backend = (*Scoped)(nil)

// ScopedOption configures a Scoped backend.
type ScopedOption func(*Scoped)

// WithNowFunc overrides the clock, letting tests expire entries without
// sleeping.
func WithNowFunc(now func() time.Time) ScopedOption {
	return func(s *Scoped) {
		s.now = now
	}
}

// NewScoped creates a Scoped backend. A ttl of zero selects
// DefaultScopedTTL.
func NewScoped(ttl time.Duration, opt ...ScopedOption) *Scoped {
	if ttl <= 0 {
		ttl = DefaultScopedTTL
	}
	s := &Scoped{
		ttl:     ttl,
		now:     time.Now,
		values:  map[string]scopedEntry{},
		gcEvery: time.Minute,
	}
	for _, o := range opt {
		o(s)
	}
	s.lastGC = s.now()
	return s
}

// Get implements Backend.
func (s *Scoped) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	if s.now().After(e.expiresAt) {
		delete(s.values, key)
		return "", ErrKeyNotFound
	}
	return e.value, nil
}

// Set implements Backend. The entry's TTL restarts on every write.
func (s *Scoped) Set(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked()
	s.values[key] = scopedEntry{
		value:     value,
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

// Remove implements Backend.
func (s *Scoped) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// ClearPrefix implements Backend.
func (s *Scoped) ClearPrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.values {
		if hasPrefix(k, prefix) {
			delete(s.values, k)
		}
	}
	return nil
}

// gcLocked sweeps expired entries. Callers must hold s.mu.
func (s *Scoped) gcLocked() {
	now := s.now()
	if now.Sub(s.lastGC) < s.gcEvery {
		return
	}
	s.lastGC = now
	for k, e := range s.values {
		if now.After(e.expiresAt) {
			delete(s.values, k)
		}
	}
}
