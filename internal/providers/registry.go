package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fks-trading/fks-data/internal/cache"
)

// Factory constructs an adapter given its resolved API key.
type Factory func(apiKey string) Adapter

// defaultFactories is the built-in provider set. No reflection, no
// dynamic import: a name either maps to a factory or it does not exist.
var defaultFactories = map[string]Factory{
	"binance":      func(key string) Adapter { return NewBinance(key) },
	"polygon":      func(key string) Adapter { return NewPolygon(key) },
	"eodhd":        func(key string) Adapter { return NewEODHD(key) },
	"cmc":          func(key string) Adapter { return NewCMC(key) },
	"coingecko":    func(string) Adapter { return NewCoinGecko() },
	"alphavantage": func(key string) Adapter { return NewAlphaVantage(key) },
	"finnhub":      func(key string) Adapter { return NewFinnhub(key) },
	"tiingo":       func(key string) Adapter { return NewTiingo(key) },
	"newsapi":      func(key string) Adapter { return NewNewsAPI(key) },
	"datareader":   func(string) Adapter { return NewDataReader() },
	"massive":      func(key string) Adapter { return NewMassive(key) },
}

// Registry maps provider names to memoized shared clients. Adapter
// instances are shared across requests; the client's limiter state is
// what makes that sharing safe.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	clients   map[string]*Client
	cache     cache.Cache
	creds     *CredentialResolver
}

// NewRegistry builds the registry over the built-in provider set.
func NewRegistry(c cache.Cache, creds *CredentialResolver) *Registry {
	factories := make(map[string]Factory, len(defaultFactories))
	for name, f := range defaultFactories {
		factories[name] = f
	}
	if creds == nil {
		creds = NewCredentialResolver(nil)
	}
	return &Registry{
		factories: factories,
		clients:   make(map[string]*Client),
		cache:     c,
		creds:     creds,
	}
}

// Register adds or replaces a factory; used by tests to inject fakes.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	delete(r.clients, name)
}

// Client returns the shared client for name, constructing it on first
// use.
func (r *Registry) Client(name string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[name]; ok {
		return c, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	c := NewClient(f(r.creds.APIKey(name)), Options{}, r.cache)
	r.clients[name] = c
	return c, nil
}

// Names lists the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
