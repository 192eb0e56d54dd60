package providers

import (
	"strings"
)

// DataRequest is the normalized form callers hand the manager: an asset
// in BASE-QUOTE or plain ticker form, a canonical granularity and an
// optional window.
type DataRequest struct {
	AssetClass  string // crypto | stock | etf | futures
	Asset       string
	Granularity string
	Start       int64
	End         int64
	Limit       int
	// Provider pins the request to one provider, bypassing failover.
	Provider string
}

// Shaper maps a normalized DataRequest onto one provider's parameter
// shape. The per-provider conditional cascade lives here, not in the
// orchestrator.
type Shaper interface {
	Shape(req DataRequest) Request
}

// shapers holds the per-provider request shapers the manager consults.
var shapers = map[string]Shaper{
	"binance":      binanceShaper{},
	"polygon":      polygonShaper{},
	"cmc":          cmcShaper{},
	"coingecko":    coingeckoShaper{},
	"eodhd":        passthroughShaper{op: "fundamentals"},
	"alphavantage": passthroughShaper{},
	"finnhub":      passthroughShaper{},
	"tiingo":       passthroughShaper{},
	"massive":      massiveShaper{},
	"datareader":   passthroughShaper{},
}

// ShaperFor returns the provider's shaper, defaulting to passthrough.
func ShaperFor(provider string) Shaper {
	if s, ok := shapers[provider]; ok {
		return s
	}
	return passthroughShaper{}
}

// baseQuote splits "BTC-USD" / "BTC/USD" / "BTCUSD" into base and quote.
func baseQuote(asset string) (string, string) {
	for _, sep := range []string{"-", "/", "_"} {
		if i := strings.Index(asset, sep); i > 0 {
			return strings.ToUpper(asset[:i]), strings.ToUpper(asset[i+len(sep):])
		}
	}
	upper := strings.ToUpper(asset)
	for _, quote := range []string{"USDT", "USDC", "USD", "EUR", "BTC"} {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			return upper[:len(upper)-len(quote)], quote
		}
	}
	return upper, ""
}

// binanceShaper: BTC-USD -> BTCUSDT (Binance quotes stablecoin pairs).
type binanceShaper struct{}

func (binanceShaper) Shape(req DataRequest) Request {
	base, quote := baseQuote(req.Asset)
	switch quote {
	case "", "USD":
		quote = "USDT"
	}
	return Request{
		Symbol:   base + quote,
		Interval: req.Granularity,
		Start:    req.Start,
		End:      req.End,
		Limit:    req.Limit,
	}
}

// polygonShaper: crypto pairs become X:BTCUSD tickers; stocks pass
// through uppercased.
type polygonShaper struct{}

func (polygonShaper) Shape(req DataRequest) Request {
	symbol := strings.ToUpper(req.Asset)
	if req.AssetClass == "crypto" {
		base, quote := baseQuote(req.Asset)
		if quote == "" || quote == "USDT" {
			quote = "USD"
		}
		symbol = "X:" + base + quote
	}
	return Request{
		Symbol:   symbol,
		Interval: req.Granularity,
		Start:    req.Start,
		End:      req.End,
		Limit:    req.Limit,
	}
}

// cmcShaper: quotes endpoint wants the bare base symbol.
type cmcShaper struct{}

func (cmcShaper) Shape(req DataRequest) Request {
	base, _ := baseQuote(req.Asset)
	return Request{Op: "quotes", Symbol: base, Limit: req.Limit}
}

// coingeckoShaper: market_chart keyed by the base symbol.
type coingeckoShaper struct{}

func (coingeckoShaper) Shape(req DataRequest) Request {
	base, _ := baseQuote(req.Asset)
	return Request{
		Op:     "market_chart",
		Symbol: base,
		Start:  req.Start,
		End:    req.End,
		Limit:  req.Limit,
	}
}

// massiveShaper: X:BTCUSD ticker plus a resolution derived from the
// canonical granularity.
type massiveShaper struct{}

func (massiveShaper) Shape(req DataRequest) Request {
	symbol := strings.ToUpper(req.Asset)
	if req.AssetClass == "crypto" && !strings.Contains(symbol, ":") {
		base, quote := baseQuote(req.Asset)
		if quote == "" || quote == "USDT" {
			quote = "USD"
		}
		symbol = "X:" + base + quote
	}
	resolution := "1day"
	switch req.Granularity {
	case "1m":
		resolution = "1minute"
	case "5m":
		resolution = "5minute"
	case "15m":
		resolution = "15minute"
	case "30m":
		resolution = "30minute"
	case "1h":
		resolution = "1hour"
	case "4h":
		resolution = "4hour"
	case "1w":
		resolution = "1week"
	}
	return Request{
		Op:     "aggs",
		Symbol: symbol,
		Start:  req.Start,
		End:    req.End,
		Limit:  req.Limit,
		Params: map[string]string{"resolution": resolution},
	}
}

// passthroughShaper forwards the request unchanged; op is optional.
type passthroughShaper struct{ op string }

func (p passthroughShaper) Shape(req DataRequest) Request {
	return Request{
		Op:       p.op,
		Symbol:   strings.ToUpper(req.Asset),
		Interval: req.Granularity,
		Start:    req.Start,
		End:      req.End,
		Limit:    req.Limit,
	}
}
