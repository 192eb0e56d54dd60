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

// Binance fetches futures klines from fapi.binance.com. Keyless for
// public market data; the API key header is attached when configured.
type Binance struct {
	BaseURL string
	APIKey  string
}

// NewBinance builds the adapter with the production base URL.
func NewBinance(apiKey string) *Binance {
	return &Binance{BaseURL: "https://fapi.binance.com", APIKey: apiKey}
}

func (b *Binance) Name() string       { return "binance" }
func (b *Binance) DefaultRPS() float64 { return 10 }

// TTLFor caches intraday kline responses for five minutes.
func (b *Binance) TTLFor(req Request) time.Duration { return 300 * time.Second }

func (b *Binance) BuildRequest(req Request) (string, url.Values, http.Header, error) {
	if req.Symbol == "" {
		return "", nil, nil, fmt.Errorf("symbol required")
	}
	interval := req.Interval
	if interval == "" {
		interval = "1h"
	}
	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("interval", interval)
	limit := req.Limit
	if limit <= 0 || limit > 1500 {
		limit = 500
	}
	q.Set("limit", strconv.Itoa(limit))
	if req.Start > 0 {
		q.Set("startTime", strconv.FormatInt(req.Start*1000, 10))
	}
	if req.End > 0 {
		q.Set("endTime", strconv.FormatInt(req.End*1000, 10))
	}

	h := http.Header{}
	if b.APIKey != "" {
		h.Set("X-MBX-APIKEY", b.APIKey)
	}
	return b.BaseURL + "/fapi/v1/klines", q, h, nil
}

// Normalize parses the kline array-of-arrays:
// [openTimeMs, "open", "high", "low", "close", "volume", closeTimeMs, ...].
// Malformed rows are skipped; a non-array payload (error envelope) fails.
func (b *Binance) Normalize(payload []byte, req Request) (*market.Result, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(payload, &rows); err != nil {
		var envelope struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if jerr := json.Unmarshal(payload, &envelope); jerr == nil && envelope.Msg != "" {
			return nil, market.NewFetchError(b.Name(), "API error %d: %s", envelope.Code, envelope.Msg)
		}
		return nil, market.NewFetchError(b.Name(), "unexpected payload shape: %v", err)
	}

	res := &market.Result{Provider: b.Name(), Request: req.Echo()}
	for _, row := range rows {
		bar, ok := parseKlineRow(row)
		if !ok {
			continue
		}
		bar.Provider = b.Name()
		if bar.Valid() {
			res.Bars = append(res.Bars, bar)
		}
	}
	res.SortBars()
	return res, nil
}

func parseKlineRow(row []json.RawMessage) (market.Bar, bool) {
	if len(row) < 6 {
		return market.Bar{}, false
	}
	var openTime float64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return market.Bar{}, false
	}
	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			// Some mirrors send numbers instead of strings.
			if err := json.Unmarshal(row[i+1], &vals[i]); err != nil {
				return market.Bar{}, false
			}
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return market.Bar{}, false
		}
		vals[i] = f
	}
	ts, err := market.ToUnixSeconds(openTime)
	if err != nil {
		return market.Bar{}, false
	}
	return market.Bar{
		Ts: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4],
	}, true
}
