package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fks-trading/fks-data/internal/market"
)

// Polygon fetches aggregate bars from api.polygon.io.
type Polygon struct {
	BaseURL string
	APIKey  string
}

// NewPolygon builds the adapter; apiKey is required at fetch time.
func NewPolygon(apiKey string) *Polygon {
	return &Polygon{BaseURL: "https://api.polygon.io", APIKey: apiKey}
}

func (p *Polygon) Name() string        { return "polygon" }
func (p *Polygon) DefaultRPS() float64 { return 4 }

func (p *Polygon) TTLFor(req Request) time.Duration { return 300 * time.Second }

// BuildRequest targets /v2/aggs/ticker/{t}/range/{mult}/{timespan}/{from}/{to}.
// Interval maps onto (multiplier, timespan); from/to are millisecond
// epochs or YYYY-MM-DD dates.
func (p *Polygon) BuildRequest(req Request) (string, url.Values, http.Header, error) {
	if req.Symbol == "" {
		return "", nil, nil, fmt.Errorf("symbol required")
	}
	if p.APIKey == "" {
		return "", nil, nil, fmt.Errorf("POLYGON_API_KEY not configured")
	}
	mult, timespan, err := polygonRange(req.Interval)
	if err != nil {
		return "", nil, nil, err
	}

	end := req.End
	if end == 0 {
		end = time.Now().Unix()
	}
	start := req.Start
	if start == 0 {
		start = end - 30*86400
	}

	rawurl := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/%d/%s/%d/%d",
		p.BaseURL, url.PathEscape(req.Symbol), mult, timespan, start*1000, end*1000)

	q := url.Values{}
	q.Set("adjusted", "true")
	q.Set("sort", "asc")
	q.Set("limit", "50000")

	h := http.Header{}
	h.Set("Authorization", "Bearer "+p.APIKey)
	return rawurl, q, h, nil
}

func polygonRange(interval string) (int, string, error) {
	switch interval {
	case "", "1d":
		return 1, "day", nil
	case "1m":
		return 1, "minute", nil
	case "5m":
		return 5, "minute", nil
	case "15m":
		return 15, "minute", nil
	case "30m":
		return 30, "minute", nil
	case "1h":
		return 1, "hour", nil
	case "4h":
		return 4, "hour", nil
	case "1w":
		return 1, "week", nil
	case "1M":
		return 1, "month", nil
	default:
		return 0, "", fmt.Errorf("unsupported interval %q", interval)
	}
}

type polygonAgg struct {
	T  float64 `json:"t"`
	O  float64 `json:"o"`
	H  float64 `json:"h"`
	L  float64 `json:"l"`
	C  float64 `json:"c"`
	V  float64 `json:"v"`
	N  int64   `json:"n"`
	VW float64 `json:"vw"`
}

func (p *Polygon) Normalize(payload []byte, req Request) (*market.Result, error) {
	var body struct {
		Status  string       `json:"status"`
		Error   string       `json:"error"`
		Results []polygonAgg `json:"results"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, market.NewFetchError(p.Name(), "unexpected payload shape: %v", err)
	}
	if body.Error != "" {
		return nil, market.NewFetchError(p.Name(), "API error: %s", body.Error)
	}

	res := &market.Result{Provider: p.Name(), Request: req.Echo()}
	for _, agg := range body.Results {
		ts, err := market.ToUnixSeconds(agg.T)
		if err != nil {
			continue
		}
		bar := market.Bar{
			Ts: ts, Open: agg.O, High: agg.H, Low: agg.L, Close: agg.C,
			Volume: agg.V, Provider: p.Name(),
		}
		if bar.Valid() {
			res.Bars = append(res.Bars, bar)
		}
	}
	res.SortBars()
	return res, nil
}
