package payments

import (
	"context"
	"sync"
	"time"
)

// tokenExpiryMargin renews a token this long before the provider expires it.
const tokenExpiryMargin = 5 * time.Minute

type tokenFetcher func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// tokenCache holds one OAuth bearer token and refreshes it on expiry. Concurrent
// callers share a single fetch.
type tokenCache struct {
	mu     sync.RWMutex
	token  string
	expiry time.Time
	fetch  tokenFetcher
	now    func() time.Time
}

func newTokenCache(fetch tokenFetcher) *tokenCache {
	return &tokenCache{fetch: fetch, now: time.Now}
}

func (c *tokenCache) Get(ctx context.Context) (string, error) {
	c.mu.RLock()
	if c.token != "" && c.now().Before(c.expiry) {
		token := c.token
		c.mu.RUnlock()
		return token, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiry) {
		return c.token, nil
	}

	token, expiresIn, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	ttl := expiresIn - tokenExpiryMargin
	if ttl < 0 {
		ttl = expiresIn / 2
	}
	c.token = token
	c.expiry = c.now().Add(ttl)
	return token, nil
}

// Invalidate drops the cached token after the provider rejected it.
func (c *tokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}
