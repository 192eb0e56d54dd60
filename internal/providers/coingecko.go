package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fks-trading/fks-data/internal/market"
)

// geckoIDs maps common ticker symbols to CoinGecko coin ids. Unknown
// symbols pass through lowercased and may 404 upstream.
var geckoIDs = map[string]string{
	"BTC": "bitcoin", "ETH": "ethereum", "SOL": "solana", "XRP": "ripple",
	"ADA": "cardano", "DOGE": "dogecoin", "DOT": "polkadot", "LTC": "litecoin",
	"LINK": "chainlink", "AVAX": "avalanche-2", "MATIC": "matic-network",
	"UNI": "uniswap", "ATOM": "cosmos", "BNB": "binancecoin", "USDT": "tether",
	"USDC": "usd-coin",
}

// CoinGecko serves market_chart bar history and simple_price quotes.
// Keyless; the public API rate limit makes the default RPS conservative.
type CoinGecko struct {
	BaseURL string
}

// NewCoinGecko builds the adapter against the public v3 API.
func NewCoinGecko() *CoinGecko {
	return &CoinGecko{BaseURL: "https://api.coingecko.com/api/v3"}
}

func (g *CoinGecko) Name() string        { return "coingecko" }
func (g *CoinGecko) DefaultRPS() float64 { return 0.5 }

func (g *CoinGecko) TTLFor(req Request) time.Duration { return 300 * time.Second }

func coinID(symbol string) string {
	sym := strings.ToUpper(strings.TrimSuffix(strings.TrimSuffix(symbol, "-USD"), "USD"))
	if id, ok := geckoIDs[sym]; ok {
		return id
	}
	return strings.ToLower(symbol)
}

func (g *CoinGecko) BuildRequest(req Request) (string, url.Values, http.Header, error) {
	q := url.Values{}
	switch req.Op {
	case "", "market_chart":
		if req.Symbol == "" {
			return "", nil, nil, fmt.Errorf("symbol required")
		}
		days := req.Param("days", "30")
		if req.Start > 0 && req.End > 0 {
			days = strconv.FormatInt((req.End-req.Start)/86400+1, 10)
		}
		q.Set("vs_currency", req.Param("vs_currency", "usd"))
		q.Set("days", days)
		return g.BaseURL + "/coins/" + url.PathEscape(coinID(req.Symbol)) + "/market_chart", q, http.Header{}, nil
	case "simple_price":
		if req.Symbol == "" {
			return "", nil, nil, fmt.Errorf("symbol required")
		}
		q.Set("ids", coinID(req.Symbol))
		q.Set("vs_currencies", req.Param("vs_currency", "usd"))
		q.Set("include_24hr_vol", "true")
		q.Set("include_market_cap", "true")
		q.Set("include_24hr_change", "true")
		return g.BaseURL + "/simple/price", q, http.Header{}, nil
	case "coins_list":
		return g.BaseURL + "/coins/list", q, http.Header{}, nil
	default:
		return "", nil, nil, fmt.Errorf("unsupported op %q", req.Op)
	}
}

func (g *CoinGecko) Normalize(payload []byte, req Request) (*market.Result, error) {
	switch req.Op {
	case "", "market_chart":
		return g.normalizeChart(payload, req)
	case "simple_price":
		return g.normalizeSimple(payload, req)
	case "coins_list":
		return g.normalizeList(payload, req)
	}
	return nil, market.NewFetchError(g.Name(), "unsupported op %q", req.Op)
}

// normalizeChart merges the prices / market_caps / total_volumes
// ms-pair arrays by timestamp into degenerate bars (close=price).
func (g *CoinGecko) normalizeChart(payload []byte, req Request) (*market.Result, error) {
	var body struct {
		Prices       [][2]float64 `json:"prices"`
		MarketCaps   [][2]float64 `json:"market_caps"`
		TotalVolumes [][2]float64 `json:"total_volumes"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, market.NewFetchError(g.Name(), "unexpected payload shape: %v", err)
	}

	volumes := make(map[int64]float64, len(body.TotalVolumes))
	for _, pair := range body.TotalVolumes {
		ts, err := market.ToUnixSeconds(pair[0])
		if err == nil {
			volumes[ts] = pair[1]
		}
	}

	res := &market.Result{Provider: g.Name(), Request: req.Echo()}
	for _, pair := range body.Prices {
		ts, err := market.ToUnixSeconds(pair[0])
		if err != nil {
			continue
		}
		price := pair[1]
		bar := market.Bar{
			Ts: ts, Open: price, High: price, Low: price, Close: price,
			Volume: volumes[ts], Provider: g.Name(),
		}
		if bar.Valid() {
			res.Bars = append(res.Bars, bar)
		}
	}
	res.SortBars()
	return res, nil
}

func (g *CoinGecko) normalizeSimple(payload []byte, req Request) (*market.Result, error) {
	var body map[string]map[string]float64
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, market.NewFetchError(g.Name(), "unexpected payload shape: %v", err)
	}
	vs := req.Param("vs_currency", "usd")
	res := &market.Result{Provider: g.Name(), Request: req.Echo()}
	ids := make([]string, 0, len(body))
	for id := range body {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fields := body[id]
		price, ok := fields[vs]
		if !ok {
			continue
		}
		res.Quotes = append(res.Quotes, market.Quote{
			Ts:               time.Now().UTC().Unix(),
			Symbol:           req.Symbol,
			Name:             id,
			Price:            price,
			Volume24h:        fields[vs+"_24h_vol"],
			MarketCap:        fields[vs+"_market_cap"],
			PercentChange24h: fields[vs+"_24h_change"],
		})
	}
	return res, nil
}

func (g *CoinGecko) normalizeList(payload []byte, req Request) (*market.Result, error) {
	var coins []struct {
		ID     string `json:"id"`
		Symbol string `json:"symbol"`
		Name   string `json:"name"`
	}
	if err := json.Unmarshal(payload, &coins); err != nil {
		return nil, market.NewFetchError(g.Name(), "unexpected payload shape: %v", err)
	}
	res := &market.Result{Provider: g.Name(), Request: req.Echo()}
	now := time.Now().UTC().Unix()
	for _, coin := range coins {
		res.Events = append(res.Events, market.Event{
			Ts: now, Kind: "coin", Symbol: strings.ToUpper(coin.Symbol),
			Fields: map[string]interface{}{"id": coin.ID, "name": coin.Name},
		})
	}
	return res, nil
}
