package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"

	"github.com/ghostauth/ghostauth/oidc"
	"github.com/ghostauth/ghostauth/storage"
)

// The provider configuration comes from GHOSTAUTH_-prefixed environment
// variables (see oidc.ProviderFromEnv), optionally loaded from a .env file:
//
//	GHOSTAUTH_ISSUER=https://id.example.com/realms/app
//	GHOSTAUTH_CLIENT_ID=my-app
//	GHOSTAUTH_USE_PKCE=true
//	GHOSTAUTH_REDIRECT_URL=http://localhost:9000/callback

const attemptExp = 2 * time.Minute

func main() {
	port := flag.String("port", "9000", "local port hosting the redirect callback")
	statePath := flag.String("state", "", "sqlite file persisting the session across runs; empty keeps it in memory")
	doLogout := flag.Bool("logout", false, "end the persisted session instead of logging in")
	doRefresh := flag.Bool("refresh", false, "refresh the persisted session instead of logging in")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	if err := realMain(*port, *statePath, *doLogout, *doRefresh, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func realMain(port, statePath string, doLogout, doRefresh, verbose bool) error {
	// a missing .env file is fine, the environment may be set directly
	_ = godotenv.Load()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "authcode-cli",
		Level: hclog.Warn,
	})
	if verbose {
		logger.SetLevel(hclog.Debug)
	}

	p, err := oidc.ProviderFromEnv()
	if err != nil {
		return err
	}

	var backend storage.Backend = storage.NewMemory()
	if statePath != "" {
		db, err := storage.OpenSQLite(statePath)
		if err != nil {
			return err
		}
		defer db.Close()
		backend = db
	}

	registry, err := oidc.NewRegistry(backend)
	if err != nil {
		return err
	}
	if err := registry.Register(*p); err != nil {
		return err
	}
	tokens, err := oidc.NewTokenStore(backend)
	if err != nil {
		return err
	}
	lookup, err := oidc.NewDiscoveryLookup(oidc.WithLogger(logger))
	if err != nil {
		return err
	}
	auth, err := oidc.NewAuthenticator(registry, tokens, backend, lookup,
		oidc.WithLogger(logger),
		oidc.WithNavigator(oidc.NavigatorFunc(openURL)),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cancelSub := tokens.Subscribe(func(t *oidc.TokenSet) {
		if t == nil {
			logger.Debug("token set cleared")
			return
		}
		logger.Debug("token set updated")
	})
	defer cancelSub()

	status, err := auth.Resume(ctx)
	if err != nil {
		return err
	}
	logger.Debug("resumed", "status", status.String())

	switch {
	case doLogout:
		return logout(ctx, auth)
	case doRefresh:
		refreshed, err := auth.Refresh(ctx)
		if err != nil {
			return err
		}
		printTokens(refreshed)
		return nil
	case status == oidc.StatusLoggedIn:
		fmt.Fprintf(os.Stderr, "Already logged in; use -refresh or -logout.\n")
		return printSession(ctx, auth, tokens)
	default:
		return login(ctx, auth, tokens, port)
	}
}

func login(ctx context.Context, auth *oidc.Authenticator, tokens *oidc.TokenStore, port string) error {
	// handle ctrl-c while waiting for the callback
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt)
	defer signal.Stop(sigintCh)

	successCh := make(chan *oidc.TokenSet, 1)
	failedCh := make(chan error, 1)
	mux := http.NewServeMux()
	mux.Handle("/callback", auth.CallbackHandler(ctx,
		func(t *oidc.TokenSet, w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(successHTML))
			successCh <- t
		},
		func(err error, w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(err.Error()))
			failedCh <- err
		},
	))

	listener, err := net.Listen("tcp", "localhost:"+port)
	if err != nil {
		return err
	}
	defer listener.Close()

	srvCh := make(chan error, 1)
	go func() {
		if err := http.Serve(listener, mux); err != nil && err != http.ErrServerClosed {
			srvCh <- err
		}
	}()

	authURL, err := auth.Login(ctx, "")
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Complete the login via your OIDC provider. Launching browser to:\n\n    %s\n\n\n", authURL)

	// Wait for either the callback to finish, SIGINT to be received or up
	// to 2 minutes
	select {
	case err := <-srvCh:
		return fmt.Errorf("server closed with error: %w", err)
	case t := <-successCh:
		printTokens(t)
		return printSession(ctx, auth, tokens)
	case err := <-failedCh:
		return fmt.Errorf("callback failed: %w", err)
	case <-sigintCh:
		return fmt.Errorf("interrupted")
	case <-time.After(attemptExp):
		return fmt.Errorf("timed out waiting for response from provider")
	}
}

func logout(ctx context.Context, auth *oidc.Authenticator) error {
	logoutURL, err := auth.Logout(ctx)
	if err != nil {
		return err
	}
	if logoutURL == "" {
		fmt.Fprintf(os.Stderr, "Logged out locally; the provider has no end-session endpoint.\n")
		return nil
	}
	fmt.Fprintf(os.Stderr, "Logged out. Provider session ended via:\n\n    %s\n\n", logoutURL)
	return nil
}

func printSession(ctx context.Context, auth *oidc.Authenticator, tokens *oidc.TokenStore) error {
	var idClaims map[string]interface{}
	if err := auth.IDTokenClaims(ctx, &idClaims); err != nil {
		fmt.Fprintf(os.Stderr, "no id_token claims: %s\n", err)
	} else {
		printJSON("IDToken claims", idClaims)
	}
	var infoClaims map[string]interface{}
	if err := auth.UserInfo(ctx, &infoClaims); err != nil {
		fmt.Fprintf(os.Stderr, "no userinfo claims: %s\n", err)
	} else {
		printJSON("UserInfo claims", infoClaims)
	}
	return nil
}

// printableTokens is needed because AccessToken and RefreshToken redact
// themselves when printed.
type printableTokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresIn    int64
	Scope        string
}

func printTokens(t *oidc.TokenSet) {
	printJSON("Token", printableTokens{
		AccessToken:  string(t.AccessToken),
		RefreshToken: string(t.RefreshToken),
		IDToken:      t.IDToken,
		ExpiresIn:    t.ExpiresIn,
		Scope:        t.Scope,
	})
}

func printJSON(label string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "%s:%s\n", label, data)
}

const successHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Signed in</title></head>
<body>
<h1>Signed in</h1>
<p>You can close this window and return to the terminal.</p>
</body>
</html>`

// openURL opens the specified URL in the default browser of the user.
func openURL(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "windows":
		cmd = "cmd.exe"
		args = []string{"/c", "start"}
		url = strings.Replace(url, "&", "^&", -1)
	case "darwin":
		cmd = "open"
	default: // "linux", "freebsd", "openbsd", "netbsd"
		cmd = "xdg-open"
	}
	args = append(args, url)
	return exec.Command(cmd, args...).Start()
}
