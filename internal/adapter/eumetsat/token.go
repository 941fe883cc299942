package eumetsat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/openclimatefix/Satip-sub000/internal/observability"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// tokenCache holds the short-lived bearer token. Concurrent callers that find
// it missing or expired share a single refresh.
type tokenCache struct {
	cfg     clientcredentials.Config
	client  *http.Client
	metrics *observability.Metrics

	mu    sync.Mutex
	token *oauth2.Token
	group singleflight.Group
}

func newTokenCache(key, secret, tokenURL string, client *http.Client, metrics *observability.Metrics) *tokenCache {
	return &tokenCache{
		cfg: clientcredentials.Config{
			ClientID:     key,
			ClientSecret: secret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		client:  client,
		metrics: metrics,
	}
}

// Get returns a valid access token, refreshing it if needed.
func (c *tokenCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok.Valid() {
		return tok.AccessToken, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		c.mu.Lock()
		if c.token.Valid() {
			defer c.mu.Unlock()
			return c.token, nil
		}
		c.mu.Unlock()

		fetchCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, c.client)
		tok, err := c.cfg.Token(fetchCtx)
		if err != nil {
			var re *oauth2.RetrieveError
			if errors.As(err, &re) && re.Response != nil &&
				(re.Response.StatusCode == http.StatusUnauthorized || re.Response.StatusCode == http.StatusBadRequest) {
				return nil, fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
			}
			return nil, fmt.Errorf("%w: fetch token: %w", domain.ErrTransient, err)
		}
		if c.metrics != nil {
			c.metrics.TokenRefreshes.Inc()
		}
		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*oauth2.Token).AccessToken, nil
}

// Invalidate forgets the cached token so the next Get refreshes it.
func (c *tokenCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}
