package providers

import (
	"github.com/fks-trading/fks-data/internal/secrets"
)

// credentialEnv maps a provider name to the ordered list of environment
// variables its API key may live under. First non-empty wins; the
// encrypted key store is the fallback for all of them.
var credentialEnv = map[string][]string{
	"binance":      {"BINANCE_API_KEY", "FKS_BINANCE_API_KEY"},
	"polygon":      {"POLYGON_API_KEY", "FKS_POLYGON_API_KEY"},
	"eodhd":        {"EODHD_API_KEY", "EODHD_API_TOKEN", "FKS_EODHD_API_KEY"},
	"cmc":          {"CMC_API_KEY", "COINMARKETCAP_API_KEY", "FKS_CMC_API_KEY"},
	"alphavantage": {"ALPHA_VANTAGE_API_KEY", "ALPHAVANTAGE_API_KEY", "FKS_ALPHAVANTAGE_API_KEY"},
	"finnhub":      {"FINNHUB_API_KEY", "FKS_FINNHUB_API_KEY"},
	"tiingo":       {"TIINGO_API_KEY", "FKS_TIINGO_API_KEY"},
	"newsapi":      {"NEWS_API_KEY", "NEWSAPI_KEY", "FKS_NEWS_API_KEY"},
	"massive":      {"MASSIVE_API_KEY", "FKS_MASSIVE_API_KEY", "POLYGON_API_KEY"},
}

// CredentialResolver looks up provider API keys: environment first,
// encrypted key store second. A nil key store limits resolution to the
// environment.
type CredentialResolver struct {
	store *secrets.KeyStore
}

// NewCredentialResolver wires the optional key store fallback.
func NewCredentialResolver(store *secrets.KeyStore) *CredentialResolver {
	return &CredentialResolver{store: store}
}

// APIKey returns the provider's API key or "" when none is configured.
// The value is never logged by this package; callers needing to display
// it use secrets.Mask.
func (r *CredentialResolver) APIKey(provider string) string {
	if names, ok := credentialEnv[provider]; ok {
		if v := secrets.EnvAny(names...); v != "" {
			return v
		}
	}
	if r != nil && r.store != nil {
		if pk := r.store.Get(provider); pk != nil {
			return pk.APIKey
		}
	}
	return ""
}

// Pair returns both the API key and secret for providers that sign
// requests (Binance user streams, webhook HMAC).
func (r *CredentialResolver) Pair(provider string) (apiKey, secret string) {
	apiKey = r.APIKey(provider)
	if r != nil && r.store != nil {
		if pk := r.store.Get(provider); pk != nil {
			if apiKey == "" {
				apiKey = pk.APIKey
			}
			secret = pk.Secret
		}
	}
	return apiKey, secret
}
