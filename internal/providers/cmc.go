package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fks-trading/fks-data/internal/market"
)

// CMC fetches crypto quotes from the CoinMarketCap pro API. Quote rows
// carry the degenerate OHLCV view so bar consumers can use them.
type CMC struct {
	BaseURL string
	APIKey  string
}

// NewCMC builds the adapter; the key goes into the X-CMC_PRO_API_KEY
// header.
func NewCMC(apiKey string) *CMC {
	return &CMC{BaseURL: "https://pro-api.coinmarketcap.com/v1", APIKey: apiKey}
}

func (c *CMC) Name() string        { return "cmc" }
func (c *CMC) DefaultRPS() float64 { return 0.5 }

func (c *CMC) TTLFor(req Request) time.Duration { return 300 * time.Second }

func (c *CMC) BuildRequest(req Request) (string, url.Values, http.Header, error) {
	if c.APIKey == "" {
		return "", nil, nil, fmt.Errorf("CMC_API_KEY not configured")
	}
	q := url.Values{}
	q.Set("convert", req.Param("convert", "USD"))

	var path string
	switch req.Op {
	case "", "quotes":
		if req.Symbol == "" {
			return "", nil, nil, fmt.Errorf("symbol required")
		}
		path = "/cryptocurrency/quotes/latest"
		q.Set("symbol", req.Symbol)
	case "listings":
		path = "/cryptocurrency/listings/latest"
		limit := req.Limit
		if limit <= 0 {
			limit = 100
		}
		q.Set("limit", strconv.Itoa(limit))
	default:
		return "", nil, nil, fmt.Errorf("unsupported op %q", req.Op)
	}

	h := http.Header{}
	h.Set("X-CMC_PRO_API_KEY", c.APIKey)
	return c.BaseURL + path, q, h, nil
}

type cmcCoin struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Quote  map[string]struct {
		Price            float64 `json:"price"`
		Volume24h        float64 `json:"volume_24h"`
		MarketCap        float64 `json:"market_cap"`
		PercentChange24h float64 `json:"percent_change_24h"`
		LastUpdated      string  `json:"last_updated"`
	} `json:"quote"`
}

func (c *CMC) Normalize(payload []byte, req Request) (*market.Result, error) {
	var body struct {
		Status struct {
			ErrorCode    int    `json:"error_code"`
			ErrorMessage string `json:"error_message"`
		} `json:"status"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, market.NewFetchError(c.Name(), "unexpected payload shape: %v", err)
	}
	if body.Status.ErrorCode != 0 {
		return nil, market.NewFetchError(c.Name(), "API error %d: %s",
			body.Status.ErrorCode, body.Status.ErrorMessage)
	}

	res := &market.Result{Provider: c.Name(), Request: req.Echo()}
	appendCoin := func(coin cmcCoin) {
		for _, quote := range coin.Quote {
			ts, err := market.ToUnixSeconds(quote.LastUpdated)
			if err != nil {
				continue
			}
			res.Quotes = append(res.Quotes, market.Quote{
				Ts: ts, Symbol: coin.Symbol, Name: coin.Name,
				Price: quote.Price, Volume24h: quote.Volume24h,
				MarketCap: quote.MarketCap, PercentChange24h: quote.PercentChange24h,
			})
			break
		}
	}

	// quotes/latest keys coins by symbol; listings/latest is an array.
	var bySymbol map[string]cmcCoin
	if err := json.Unmarshal(body.Data, &bySymbol); err == nil {
		for _, coin := range bySymbol {
			appendCoin(coin)
		}
		return res, nil
	}
	var list []cmcCoin
	if err := json.Unmarshal(body.Data, &list); err != nil {
		return nil, market.NewFetchError(c.Name(), "unexpected data shape: %v", err)
	}
	for _, coin := range list {
		appendCoin(coin)
	}
	return res, nil
}
