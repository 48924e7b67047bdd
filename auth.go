package mcpwire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// AuthProvider completes a credential exchange on behalf of a session. Given
// the authorization URL the endpoint demanded, it returns eventually with
// either a token or a rejection. The session does not implement the OAuth
// flow itself, only the state-machine slot for it: while Authorize blocks on
// an interactive step, the session sits in StatePendingAuth and exposes the
// URL through AuthorizationURL.
type AuthProvider interface {
	Authorize(ctx context.Context, authorizationURL string) (*oauth2.Token, error)
}

// StaticTokenProvider satisfies AuthProvider with a pre-provisioned token,
// for endpoints whose credentials are configured out of band.
type StaticTokenProvider struct {
	Token *oauth2.Token
}

// Authorize returns the configured token immediately.
func (p *StaticTokenProvider) Authorize(context.Context, string) (*oauth2.Token, error) {
	if p.Token == nil {
		return nil, errors.New("no token configured")
	}
	return p.Token, nil
}

// LoopbackProvider completes an authorization-code flow through a redirect to
// a localhost listener. It presents the authorization URL to the user via
// OpenURL, waits for the out-of-band callback carrying the code, and
// exchanges it for a token.
type LoopbackProvider struct {
	// Config supplies the client id, scopes, and token endpoint for the
	// code exchange. The authorization endpoint comes from the challenge
	// when Config.Endpoint.AuthURL is empty.
	Config oauth2.Config

	// OpenURL presents the authorization URL to the user, e.g. by opening
	// a browser. When nil the URL is only logged.
	OpenURL func(url string) error

	// Addr is the listen address for the redirect callback. Defaults to
	// 127.0.0.1:0.
	Addr string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type callbackResult struct {
	code string
	err  error
}

// Authorize runs the redirect flow and blocks until the callback arrives, the
// context is cancelled, or the endpoint rejects the exchange.
func (p *LoopbackProvider) Authorize(ctx context.Context, authorizationURL string) (*oauth2.Token, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	addr := p.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for callback: %w", err)
	}
	defer listener.Close()

	cfg := p.Config
	cfg.RedirectURL = fmt.Sprintf("http://%s/callback", listener.Addr().String())
	if cfg.Endpoint.AuthURL == "" {
		cfg.Endpoint.AuthURL = authorizationURL
	}

	state := uuid.New().String()
	results := make(chan callbackResult, 1)

	var once sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		res := callbackResult{}
		switch {
		case r.URL.Query().Get("state") != state:
			res.err = errors.New("state mismatch in callback")
		case r.URL.Query().Get("error") != "":
			res.err = fmt.Errorf("authorization rejected: %s", r.URL.Query().Get("error"))
		default:
			res.code = r.URL.Query().Get("code")
		}

		if res.err != nil {
			http.Error(w, res.err.Error(), http.StatusBadRequest)
		} else {
			fmt.Fprint(w, "Authorization complete. You can close this window.")
		}

		once.Do(func() { results <- res })
	})

	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("callback server failed", "err", err)
		}
	}()
	defer server.Close()

	authURL := cfg.AuthCodeURL(state)
	if p.OpenURL != nil {
		if err := p.OpenURL(authURL); err != nil {
			return nil, fmt.Errorf("failed to present authorization URL: %w", err)
		}
	} else {
		logger.Info("authorization required", "url", authURL)
	}

	var res callbackResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-results:
	}
	if res.err != nil {
		return nil, res.err
	}

	token, err := cfg.Exchange(ctx, res.code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return token, nil
}

// AuthConfig is the persistable description of how to authenticate against
// one endpoint. BuildProvider turns it into a LoopbackProvider.
type AuthConfig struct {
	ClientID string   `json:"clientId"`
	AuthURL  string   `json:"authUrl,omitempty"`
	TokenURL string   `json:"tokenUrl"`
	Scopes   []string `json:"scopes,omitempty"`
}

// BuildProvider constructs a LoopbackProvider from the stored configuration.
func (c *AuthConfig) BuildProvider() AuthProvider {
	return &LoopbackProvider{
		Config: oauth2.Config{
			ClientID: c.ClientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:  c.AuthURL,
				TokenURL: c.TokenURL,
			},
			Scopes: c.Scopes,
		},
	}
}
