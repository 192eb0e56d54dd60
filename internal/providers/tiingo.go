package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fks-trading/fks-data/internal/market"
)

// Tiingo serves daily equity prices from /tiingo/daily/{sym}/prices.
type Tiingo struct {
	BaseURL string
	Token   string
}

// NewTiingo builds the adapter; auth is the "Token <key>" header.
func NewTiingo(token string) *Tiingo {
	return &Tiingo{BaseURL: "https://api.tiingo.com/tiingo", Token: token}
}

func (t *Tiingo) Name() string        { return "tiingo" }
func (t *Tiingo) DefaultRPS() float64 { return 2 }

func (t *Tiingo) TTLFor(req Request) time.Duration { return 3600 * time.Second }

func (t *Tiingo) BuildRequest(req Request) (string, url.Values, http.Header, error) {
	if req.Symbol == "" {
		return "", nil, nil, fmt.Errorf("symbol required")
	}
	if t.Token == "" {
		return "", nil, nil, fmt.Errorf("TIINGO_API_KEY not configured")
	}
	q := url.Values{}
	if req.Start > 0 {
		q.Set("startDate", time.Unix(req.Start, 0).UTC().Format("2006-01-02"))
	}
	if req.End > 0 {
		q.Set("endDate", time.Unix(req.End, 0).UTC().Format("2006-01-02"))
	}
	h := http.Header{}
	h.Set("Authorization", "Token "+t.Token)
	h.Set("Content-Type", "application/json")
	return t.BaseURL + "/daily/" + url.PathEscape(req.Symbol) + "/prices", q, h, nil
}

func (t *Tiingo) Normalize(payload []byte, req Request) (*market.Result, error) {
	var rows []struct {
		Date   string  `json:"date"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume float64 `json:"volume"`
	}
	if err := json.Unmarshal(payload, &rows); err != nil {
		var envelope struct {
			Detail string `json:"detail"`
		}
		if jerr := json.Unmarshal(payload, &envelope); jerr == nil && envelope.Detail != "" {
			return nil, market.NewFetchError(t.Name(), "API error: %s", envelope.Detail)
		}
		return nil, market.NewFetchError(t.Name(), "unexpected payload shape: %v", err)
	}

	res := &market.Result{Provider: t.Name(), Request: req.Echo()}
	for _, row := range rows {
		ts, err := market.ToUnixSeconds(row.Date)
		if err != nil {
			continue
		}
		bar := market.Bar{
			Ts: ts, Open: row.Open, High: row.High, Low: row.Low,
			Close: row.Close, Volume: row.Volume, Provider: t.Name(),
		}
		if bar.Valid() {
			res.Bars = append(res.Bars, bar)
		}
	}
	res.SortBars()
	return res, nil
}
