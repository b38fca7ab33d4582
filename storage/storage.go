// Package storage provides the key/value persistence used to keep OAuth2
// flow artifacts and token sets across page loads and process restarts. A
// Backend is deliberately small: the rest of the module is storage-agnostic
// and every implementation must be safe for concurrent use.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrKeyNotFound is returned by Backend.Get when no value is stored under
// the requested key.
var ErrKeyNotFound = errors.New("key not found")

// Backend is a minimal key/value store. Implementations must be safe for
// concurrent use and must make Set durable before returning, since callers
// rely on values surviving a browser-style navigation or process restart
// (depending on the backend's scope).
type Backend interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any existing value.
	Set(ctx context.Context, key string, value string) error

	// Remove deletes the value stored under key. Removing a missing key is
	// not an error.
	Remove(ctx context.Context, key string) error

	// ClearPrefix deletes every key that starts with prefix.
	ClearPrefix(ctx context.Context, prefix string) error
}

// Namespace prefixes a logical key with an application namespace, so several
// applications sharing one backend (the localStorage of a single domain, one
// sqlite file) cannot clobber each other's flow state. The namespace is
// typically the application host.
func Namespace(namespace, key string) string {
	if namespace == "" {
		return key
	}
	return fmt.Sprintf("%s_%s", namespace, key)
}

// hasPrefix reports whether key belongs to prefix; an empty prefix matches
// every key.
func hasPrefix(key, prefix string) bool {
	return prefix == "" || strings.HasPrefix(key, prefix)
}
