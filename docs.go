// ghostauth provides client-side support for the OAuth2 authorization code
// flow with PKCE and the OpenID Connect token lifecycle: building
// authorization requests, exchanging authorization codes, persisting token
// sets across pluggable storage backends, coordinating concurrent refreshes
// into a single request, and transparently re-authorizing failed API calls.
//
// See README.md
package ghostauth
