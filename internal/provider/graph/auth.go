package graph

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenExpiryBuffer is how long before expiry a token stops being reused.
const tokenExpiryBuffer = 5 * time.Minute

// graphScope is the application permission scope for the Graph API.
const graphScope = "https://graph.microsoft.com/.default"

// tokenCache hands out client-credentials access tokens, reusing each one
// until shortly before it expires.
type tokenCache struct {
	mu     sync.Mutex
	config clientcredentials.Config
	client *http.Client
	source oauth2.TokenSource
}

func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenCache {
	return &tokenCache{
		config: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		client: httpClient,
	}
}

// Token returns a valid access token, acquiring one if necessary.
// It is safe for concurrent use.
func (tc *tokenCache) Token() (string, error) {
	tc.mu.Lock()
	src := tc.source
	if src == nil {
		src = tc.newSource()
		tc.source = src
	}
	tc.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("failed to acquire access token: %w", err)
	}
	return tok.AccessToken, nil
}

// ForceRefresh discards the cached token and acquires a new one. It is used
// when the API rejects a token that has not yet expired.
func (tc *tokenCache) ForceRefresh() (string, error) {
	tc.mu.Lock()
	tc.source = nil
	tc.mu.Unlock()

	return tc.Token()
}

// newSource builds a reusing source over fresh client-credentials grants.
// The context only carries the HTTP client; it is retained for every later
// refresh.
func (tc *tokenCache) newSource() oauth2.TokenSource {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, tc.client)
	fetch := tokenSourceFunc(func() (*oauth2.Token, error) {
		return tc.config.Token(ctx)
	})
	return oauth2.ReuseTokenSourceWithExpiry(nil, fetch, tokenExpiryBuffer)
}

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) { return f() }
