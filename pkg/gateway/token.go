package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// tokenRefreshSkew is how much remaining validity a cached token must have to
// be reused. Below it the cache refreshes before handing the token out.
const tokenRefreshSkew = 5 * time.Minute

// TokenCache is the one piece of shared mutable state across concurrent
// callers of a provider: a single cached auth token with a read-through
// refresh. The mutex is held across the refresh so only one fetch is in
// flight at a time; concurrent callers wait for it.
type TokenCache struct {
	mu    sync.Mutex
	fetch func(ctx context.Context) (Token, error)
	now   func() time.Time
	token Token
}

// NewTokenCache creates a cache around a provider token fetch.
func NewTokenCache(fetch func(ctx context.Context) (Token, error)) *TokenCache {
	return &TokenCache{fetch: fetch, now: time.Now}
}

// Get returns the cached token, refreshing it when less than five minutes of
// validity remain. A fetch failure is fatal to the calling operation; the
// stale token is never returned.
func (c *TokenCache) Get(ctx context.Context) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.Valid(c.now(), tokenRefreshSkew) {
		return c.token, nil
	}

	tok, err := c.fetch(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("refresh token: %w", err)
	}
	c.token = tok
	return c.token, nil
}

// Invalidate drops the cached token so the next Get refreshes. Used after a
// provider rejects a token as expired ahead of schedule.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = Token{}
}
