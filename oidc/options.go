package oidc

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default
// options and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// WithStoragePrefix namespaces every storage key with the given application
// prefix (typically the application host), so multiple applications sharing
// one backend cannot clobber each other's flow state.
func WithStoragePrefix(prefix string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *tokenStoreOptions:
			v.withStoragePrefix = prefix
		case *registryOptions:
			v.withStoragePrefix = prefix
		case *authenticatorOptions:
			v.withStoragePrefix = prefix
		}
	}
}

// WithLogger provides an hclog logger. The default is a null logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *authenticatorOptions:
			v.withLogger = l
		case *lookupOptions:
			v.withLogger = l
		}
	}
}

// WithHTTPClient provides the HTTP client used for token endpoint and
// userinfo calls, overriding the default cleanhttp-based client.
func WithHTTPClient(c *http.Client) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *authenticatorOptions:
			v.withClient = c
		case *lookupOptions:
			v.withClient = c
		}
	}
}

// WithProviderCA provides an optional CA certificate PEM to trust when
// calling the provider, instead of the system CA chain.
func WithProviderCA(caPEM string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *authenticatorOptions:
			v.withProviderCA = caPEM
		case *lookupOptions:
			v.withProviderCA = caPEM
		}
	}
}

// WithNavigator provides the Navigator used to issue browser redirects for
// login and logout. Without one, Login and Logout only return the URL.
func WithNavigator(n Navigator) Option {
	return func(o interface{}) {
		if v, ok := o.(*authenticatorOptions); ok {
			v.withNavigator = n
		}
	}
}

// WithRefreshWaitTimeout bounds how long a caller waits on an in-flight
// refresh started by another caller, so a crashed refresh cannot suspend
// waiters forever. The default is DefaultRefreshWaitTimeout.
func WithRefreshWaitTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if v, ok := o.(*authenticatorOptions); ok {
			v.withRefreshWait = d
		}
	}
}

// WithAutoLogin marks the authenticator for automatic login: after Resume
// leaves the flow unauthenticated, ShouldAutoLogin reports true and the
// application is expected to call Login immediately.
func WithAutoLogin() Option {
	return func(o interface{}) {
		if v, ok := o.(*authenticatorOptions); ok {
			v.withAutoLogin = true
		}
	}
}

// WithExpirySkew overrides the skew used by TokenSet.Expired.
func WithExpirySkew(d time.Duration) Option {
	return func(o interface{}) {
		if v, ok := o.(*tokenSetOptions); ok {
			v.withExpirySkew = d
		}
	}
}
