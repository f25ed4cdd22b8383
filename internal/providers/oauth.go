package providers

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
)

// TokenFetcher retrieves a new access token. The context carries the HTTP
// client under oauth2.HTTPClient.
type TokenFetcher func(ctx context.Context) (*oauth2.Token, error)

// TokenCache reuses an OAuth2 access token across vendor calls and fetches a
// fresh one with the caller's context once it has expired, so cancelling a
// request also abandons a slow token exchange.
type TokenCache struct {
	client *http.Client
	fetch  TokenFetcher

	mu  sync.Mutex
	tok *oauth2.Token
}

func NewTokenCache(client *http.Client, fetch TokenFetcher) *TokenCache {
	return &TokenCache{client: client, fetch: fetch}
}

func (c *TokenCache) Token(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok.Valid() {
		return c.tok, nil
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, boundClient(ctx, c.client))
	tok, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.tok = tok
	return tok, nil
}

// boundClient copies client with a transport that attaches ctx to every
// request. Some token flows post without a request context.
func boundClient(ctx context.Context, client *http.Client) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	bound := *client
	bound.Transport = contextTransport{ctx: ctx, base: base}
	return &bound
}

type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t contextTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(r.WithContext(t.ctx))
}
