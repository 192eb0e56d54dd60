// Package providers implements the adapter layer over external market
// data APIs: a uniform fetch lifecycle (rate limit, retries with
// backoff, response cache) composed around per-provider request
// building and normalization hooks, and the multi-provider manager
// that fails over between them.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/fks-trading/fks-data/internal/cache"
	"github.com/fks-trading/fks-data/internal/market"
)

// Adapter is the per-provider capability: a stable name plus the two
// hooks the shared lifecycle composes around. Implementations hold no
// transport state and are safe for concurrent use.
type Adapter interface {
	Name() string
	BuildRequest(req Request) (rawurl string, query url.Values, header http.Header, err error)
	Normalize(payload []byte, req Request) (*market.Result, error)
}

// Cacher is implemented by adapters whose responses are worth keeping.
// TTLFor returns the freshness window for a request; zero disables
// caching for that request.
type Cacher interface {
	TTLFor(req Request) time.Duration
}

// RateDefaulter lets an adapter declare its own RPS floor, used when
// neither an explicit option nor the environment names one.
type RateDefaulter interface {
	DefaultRPS() float64
}

// Client composes the fetch lifecycle around an Adapter. One Client per
// provider is shared across requests; the limiter serializes callers.
type Client struct {
	adapter Adapter
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	cache   cache.Cache
	log     zerolog.Logger
}

// NewClient wires an adapter into the shared lifecycle. c may be nil
// (caching disabled). Options resolve through the env precedence chain.
func NewClient(a Adapter, explicit Options, c cache.Cache) *Client {
	defaultRPS := 0.0
	if rd, ok := a.(RateDefaulter); ok {
		defaultRPS = rd.DefaultRPS()
	}
	opts := ResolveOptions(a.Name(), explicit, defaultRPS)

	var limiter *rate.Limiter
	if opts.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}
	if c == nil {
		c = cache.Noop{}
	}
	return &Client{
		adapter: a,
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: limiter,
		cache:   c,
		log:     log.With().Str("component", "provider").Str("provider", a.Name()).Logger(),
	}
}

// Name returns the adapter's stable provider name.
func (c *Client) Name() string { return c.adapter.Name() }

// Adapter exposes the wrapped adapter, mainly for shaper lookups.
func (c *Client) Adapter() Adapter { return c.adapter }

// Fetch runs the full lifecycle: rate-limit gate, cache check, HTTP
// with retries, normalize, cache fill. The only error it surfaces is
// *market.FetchError.
func (c *Client) Fetch(ctx context.Context, req Request) (*market.Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, market.NewFetchError(c.Name(), "rate limit wait: %v", err)
		}
	}

	ttl := c.ttlFor(req)
	key := cache.KeyOf(c.Name(), req.CacheParts()...)
	if ttl > 0 {
		if raw, ok := c.cache.Get(ctx, key); ok {
			var res market.Result
			if err := json.Unmarshal(raw, &res); err == nil {
				return &res, nil
			}
		}
	}

	payload, err := c.execute(ctx, req)
	if err != nil {
		// Upstream is down; a stale cached value beats nothing.
		if ttl > 0 {
			if raw, ok := c.cache.GetStale(ctx, key); ok {
				var res market.Result
				if jerr := json.Unmarshal(raw, &res); jerr == nil {
					c.log.Warn().Err(err).Msg("serving stale cache after upstream failure")
					return &res, nil
				}
			}
		}
		return nil, err
	}

	res, err := c.adapter.Normalize(payload, req)
	if err != nil {
		if _, ok := err.(*market.FetchError); ok {
			return nil, err
		}
		return nil, market.NewFetchError(c.Name(), "normalize: %v", err)
	}
	if res.Provider == "" {
		res.Provider = c.Name()
	}
	if res.Request == nil {
		res.Request = req.Echo()
	}

	if ttl > 0 && res.Rows() > 0 {
		if raw, jerr := json.Marshal(res); jerr == nil {
			c.cache.Set(ctx, key, raw, ttl)
		}
	}
	return res, nil
}

func (c *Client) ttlFor(req Request) time.Duration {
	if cr, ok := c.adapter.(Cacher); ok {
		return cr.TTLFor(req)
	}
	return 0
}

// execute runs the HTTP request with up to maxRetries+1 attempts.
// Backoff before attempt n (0-indexed) is base*2^n + U[0,jitter).
func (c *Client) execute(ctx context.Context, req Request) ([]byte, error) {
	rawurl, query, header, err := c.adapter.BuildRequest(req)
	if err != nil {
		fe := &market.FetchError{Provider: c.Name(), Message: err.Error()}
		return nil, fe
	}
	if len(query) > 0 {
		sep := "?"
		if u, perr := url.Parse(rawurl); perr == nil && u.RawQuery != "" {
			sep = "&"
		}
		rawurl += sep + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.opts.BackoffBase * (1 << (attempt - 1))
			backoff += time.Duration(rand.Int63n(int64(c.opts.BackoffJitter) + 1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, market.NewFetchError(c.Name(), "canceled: %v", ctx.Err())
			}
		}

		body, retryable, err := c.attempt(ctx, rawurl, header)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.log.Debug().Err(err).Int("attempt", attempt+1).Msg("fetch attempt failed")
	}

	if fe, ok := lastErr.(*market.FetchError); ok {
		return nil, fe
	}
	return nil, &market.FetchError{Provider: c.Name(), Message: lastErr.Error(), Retryable: true}
}

func (c *Client) attempt(ctx context.Context, rawurl string, header http.Header) (body []byte, retryable bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, false, &market.FetchError{Provider: c.Name(), Message: err.Error()}
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, true, &market.FetchError{Provider: c.Name(), Message: fmt.Sprintf("request: %v", err), Retryable: true}
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, true, &market.FetchError{Provider: c.Name(), Message: fmt.Sprintf("read body: %v", err), Retryable: true}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, &market.FetchError{
			Provider: c.Name(), StatusCode: resp.StatusCode, Retryable: true,
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(body, 200)),
		}
	default:
		// Other 4xx are terminal: retrying a bad request never helps.
		return nil, false, &market.FetchError{
			Provider: c.Name(), StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(body, 200)),
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
