package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fks-trading/fks-data/internal/market"
)

// AlphaVantage serves the TIME_SERIES_* and crypto functions. The free
// tier allows five requests per minute, hence the fractional RPS.
type AlphaVantage struct {
	BaseURL string
	APIKey  string
}

// NewAlphaVantage builds the adapter; the key rides as apikey param.
func NewAlphaVantage(apiKey string) *AlphaVantage {
	return &AlphaVantage{BaseURL: "https://www.alphavantage.co/query", APIKey: apiKey}
}

func (a *AlphaVantage) Name() string        { return "alphavantage" }
func (a *AlphaVantage) DefaultRPS() float64 { return 0.083 }

func (a *AlphaVantage) TTLFor(req Request) time.Duration { return 300 * time.Second }

func (a *AlphaVantage) BuildRequest(req Request) (string, url.Values, http.Header, error) {
	if req.Symbol == "" {
		return "", nil, nil, fmt.Errorf("symbol required")
	}
	if a.APIKey == "" {
		return "", nil, nil, fmt.Errorf("ALPHA_VANTAGE_API_KEY not configured")
	}

	q := url.Values{}
	q.Set("apikey", a.APIKey)
	q.Set("outputsize", req.Param("outputsize", "compact"))

	function := req.Param("function", "")
	if function == "" {
		switch {
		case req.Op == "crypto" && isIntraday(req.Interval):
			function = "CRYPTO_INTRADAY"
		case req.Op == "crypto":
			function = "DIGITAL_CURRENCY_DAILY"
		case isIntraday(req.Interval):
			function = "TIME_SERIES_INTRADAY"
		case req.Param("adjusted", "") == "true":
			function = "TIME_SERIES_DAILY_ADJUSTED"
		default:
			function = "TIME_SERIES_DAILY"
		}
	}
	q.Set("function", function)
	q.Set("symbol", req.Symbol)
	if strings.HasPrefix(function, "CRYPTO") || strings.HasPrefix(function, "DIGITAL") {
		q.Set("market", req.Param("market", "USD"))
	}
	if isIntraday(req.Interval) {
		q.Set("interval", avInterval(req.Interval))
	}
	return a.BaseURL, q, http.Header{}, nil
}

func isIntraday(interval string) bool {
	switch interval {
	case "1m", "5m", "15m", "30m", "1h":
		return true
	}
	return false
}

func avInterval(interval string) string {
	switch interval {
	case "1m":
		return "1min"
	case "5m":
		return "5min"
	case "15m":
		return "15min"
	case "30m":
		return "30min"
	default:
		return "60min"
	}
}

// Normalize walks the time-series map keyed by datetime string. The
// "Error Message" and "Note" envelopes are structural failures (the
// Note signals rate limiting).
func (a *AlphaVantage) Normalize(payload []byte, req Request) (*market.Result, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, market.NewFetchError(a.Name(), "unexpected payload shape: %v", err)
	}
	for _, envelope := range []string{"Error Message", "Note", "Information"} {
		if raw, ok := body[envelope]; ok {
			var msg string
			_ = json.Unmarshal(raw, &msg)
			fe := market.NewFetchError(a.Name(), "API %s: %s", strings.ToLower(envelope), msg)
			fe.Retryable = envelope == "Note"
			return nil, fe
		}
	}

	res := &market.Result{Provider: a.Name(), Request: req.Echo()}
	for key, raw := range body {
		if !strings.Contains(key, "Time Series") {
			continue
		}
		var series map[string]map[string]string
		if err := json.Unmarshal(raw, &series); err != nil {
			return nil, market.NewFetchError(a.Name(), "unexpected series shape: %v", err)
		}
		for datetime, fields := range series {
			ts, err := market.ToUnixSeconds(datetime)
			if err != nil {
				continue
			}
			bar, ok := avBar(ts, fields)
			if !ok {
				continue
			}
			bar.Provider = a.Name()
			if bar.Valid() {
				res.Bars = append(res.Bars, bar)
			}
		}
		break
	}
	res.SortBars()
	return res, nil
}

// avBar pulls "1. open" style keys; digital-currency payloads use
// "1a. open (USD)" variants, so match on the numeric prefix.
func avBar(ts int64, fields map[string]string) (market.Bar, bool) {
	get := func(prefix string) (float64, bool) {
		for key, val := range fields {
			if strings.HasPrefix(key, prefix) {
				f, err := strconv.ParseFloat(val, 64)
				return f, err == nil
			}
		}
		return 0, false
	}
	open, ok1 := get("1")
	high, ok2 := get("2")
	low, ok3 := get("3")
	clos, ok4 := get("4")
	vol, ok5 := get("5")
	if !(ok1 && ok2 && ok3 && ok4) {
		return market.Bar{}, false
	}
	if !ok5 {
		vol = 0
	}
	return market.Bar{Ts: ts, Open: open, High: high, Low: low, Close: clos, Volume: vol}, true
}
