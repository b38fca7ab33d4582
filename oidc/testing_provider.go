package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// TestProvider is a local server that impersonates an identity provider's
// token, userinfo and discovery endpoints, which makes writing flow tests
// much easier. It is intentionally small: it never renders a login page,
// it only plays the machine half of the authorization code dance.
type TestProvider struct {
	t          *testing.T
	httpServer *httptest.Server

	mu                   sync.Mutex
	clientID             string
	clientSecret         string
	expectedAuthCode     string
	expectedVerifier     string
	expectedRefreshToken string
	replyExtra           map[string]interface{}
	replyUserinfo        map[string]interface{}
	replySubject         string
	omitIDToken          bool
	omitRefreshToken     bool
	tokenErrStatus       int
	tokenErrBody         string
	tokenDelay           time.Duration
	tokenRequests        int
	issuedTokens         int
	rotations            int
}

// testSigningKey signs the sample id_tokens. The module treats id_tokens as
// opaque, so an HMAC key is plenty for tests.
const testSigningKey = "test-signing-key"

// StartTestProvider creates a disposable TestProvider. It is stopped via
// t.Cleanup.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	p := &TestProvider{
		t:                    t,
		replySubject:         "alice@example.com",
		expectedAuthCode:     "valid-code",
		expectedVerifier:     "",
		expectedRefreshToken: "rt-1",
		replyUserinfo: map[string]interface{}{
			"sub":   "alice@example.com",
			"email": "alice@example.com",
		},
	}
	p.httpServer = httptest.NewServer(p)
	t.Cleanup(p.httpServer.Close)
	return p
}

// Addr returns the test provider's base URL, which doubles as its issuer.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// Endpoints returns the provider's endpoint URLs, handy as a directly
// injected EndpointLookup result.
func (p *TestProvider) Endpoints() Endpoints {
	return Endpoints{
		AuthorizationEndpoint: p.Addr() + "/auth",
		TokenEndpoint:         p.Addr() + "/token",
		EndSessionEndpoint:    p.Addr() + "/endsession",
		UserInfoEndpoint:      p.Addr() + "/userinfo",
	}
}

// Lookup returns an EndpointLookup resolving any issuer to this provider.
func (p *TestProvider) Lookup() EndpointLookup {
	return func(_ context.Context, _ string) (Endpoints, error) {
		return p.Endpoints(), nil
	}
}

// SetClientCreds configures the client information /token requires.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// SetExpectedAuthCode configures the only authorization code /token will
// accept.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetExpectedVerifier configures the code_verifier /token requires for the
// authorization_code grant; empty disables the check.
func (p *TestProvider) SetExpectedVerifier(verifier string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedVerifier = verifier
}

// SetExpectedRefreshToken configures the refresh token /token currently
// accepts; successful refreshes rotate it.
func (p *TestProvider) SetExpectedRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedRefreshToken = token
}

// SetReplyExtra merges extra fields into every token response, for
// exercising the opaque extra bag.
func (p *TestProvider) SetReplyExtra(extra map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyExtra = extra
}

// SetTokenError forces /token to fail with the given status and body.
func (p *TestProvider) SetTokenError(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenErrStatus = status
	p.tokenErrBody = body
}

// SetTokenDelay makes /token hold its response, so tests can pile up
// concurrent refresh callers behind one flight.
func (p *TestProvider) SetTokenDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenDelay = d
}

// OmitIDToken makes token responses omit id_token.
func (p *TestProvider) OmitIDToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// OmitRefreshToken makes token responses omit refresh_token, for rotation
// fallback tests.
func (p *TestProvider) OmitRefreshToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRefreshToken = true
}

// TokenRequestCount reports how many calls /token has seen.
func (p *TestProvider) TokenRequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequests
}

// CurrentRefreshToken reports the refresh token a client should hold after
// the most recent issuance.
func (p *TestProvider) CurrentRefreshToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expectedRefreshToken
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, status int, out interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	require.NoError(p.t, enc.Encode(out))
}

func (p *TestProvider) writeTokenError(w http.ResponseWriter, status int, code, desc string) {
	p.writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": desc,
	})
}

// newIDToken mints an HS256-signed id_token for the reply subject.
func (p *TestProvider) newIDToken() string {
	claims := jwt.MapClaims{
		"iss": p.Addr(),
		"sub": p.replySubject,
		"aud": p.clientID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	require.NoError(p.t, err)
	return signed
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.t.Helper()

	p.mu.Lock()
	delay := p.tokenDelay
	p.mu.Unlock()

	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		p.writeJSON(w, http.StatusOK, map[string]string{
			"issuer":                 p.Addr(),
			"authorization_endpoint": p.Addr() + "/auth",
			"token_endpoint":         p.Addr() + "/token",
			"end_session_endpoint":   p.Addr() + "/endsession",
			"userinfo_endpoint":      p.Addr() + "/userinfo",
			"jwks_uri":               p.Addr() + "/certs",
		})

	case "/token":
		if delay > 0 {
			time.Sleep(delay)
		}
		p.handleToken(w, req)

	case "/userinfo":
		p.mu.Lock()
		reply := p.replyUserinfo
		p.mu.Unlock()
		if !strings.HasPrefix(req.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p.writeJSON(w, http.StatusOK, reply)

	case "/endsession":
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *TestProvider) handleToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	require.NoError(p.t, req.ParseForm())

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenRequests++

	if p.tokenErrStatus != 0 {
		p.writeTokenError(w, p.tokenErrStatus, "invalid_grant", p.tokenErrBody)
		return
	}

	// client authentication: Basic when a secret is configured, client_id
	// in the body otherwise
	if p.clientSecret != "" {
		id, secret, ok := req.BasicAuth()
		if !ok || id != p.clientID || secret != p.clientSecret {
			p.writeTokenError(w, http.StatusUnauthorized, "invalid_client", "bad basic auth")
			return
		}
	} else if p.clientID != "" && req.PostFormValue("client_id") != p.clientID {
		p.writeTokenError(w, http.StatusUnauthorized, "invalid_client", "bad client_id")
		return
	}

	switch req.PostFormValue("grant_type") {
	case "authorization_code":
		if req.PostFormValue("code") != p.expectedAuthCode {
			p.writeTokenError(w, http.StatusBadRequest, "invalid_grant", "unexpected code")
			return
		}
		if p.expectedVerifier != "" && req.PostFormValue("code_verifier") != p.expectedVerifier {
			p.writeTokenError(w, http.StatusBadRequest, "invalid_grant", "unexpected code_verifier")
			return
		}
	case "refresh_token":
		if req.PostFormValue("refresh_token") != p.expectedRefreshToken {
			p.writeTokenError(w, http.StatusBadRequest, "invalid_grant", "unexpected refresh_token")
			return
		}
		// rotate
		p.rotations++
		p.expectedRefreshToken = fmt.Sprintf("rt-%d", p.rotations+1)
	default:
		p.writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	p.issuedTokens++
	reply := map[string]interface{}{
		"access_token": fmt.Sprintf("at-%d", p.issuedTokens),
		"token_type":   "Bearer",
		"expires_in":   3600,
		"scope":        "openid profile",
	}
	if !p.omitRefreshToken {
		reply["refresh_token"] = p.expectedRefreshToken
	}
	if !p.omitIDToken {
		reply["id_token"] = p.newIDToken()
	}
	for k, v := range p.replyExtra {
		reply[k] = v
	}
	p.writeJSON(w, http.StatusOK, reply)
}
