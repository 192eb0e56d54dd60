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

// Finnhub serves /stock/candle columnar bars.
type Finnhub struct {
	BaseURL string
	Token   string
}

// NewFinnhub builds the adapter; token rides as the token query param.
func NewFinnhub(token string) *Finnhub {
	return &Finnhub{BaseURL: "https://finnhub.io/api/v1", Token: token}
}

func (f *Finnhub) Name() string        { return "finnhub" }
func (f *Finnhub) DefaultRPS() float64 { return 1 }

func (f *Finnhub) TTLFor(req Request) time.Duration { return 300 * time.Second }

func finnhubResolution(interval string) (string, error) {
	switch interval {
	case "1m":
		return "1", nil
	case "5m":
		return "5", nil
	case "15m":
		return "15", nil
	case "30m":
		return "30", nil
	case "1h":
		return "60", nil
	case "", "1d":
		return "D", nil
	case "1w":
		return "W", nil
	case "1M":
		return "M", nil
	default:
		return "", fmt.Errorf("unsupported interval %q", interval)
	}
}

func (f *Finnhub) BuildRequest(req Request) (string, url.Values, http.Header, error) {
	if req.Symbol == "" {
		return "", nil, nil, fmt.Errorf("symbol required")
	}
	if f.Token == "" {
		return "", nil, nil, fmt.Errorf("FINNHUB_API_KEY not configured")
	}
	resolution, err := finnhubResolution(req.Interval)
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

	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("resolution", resolution)
	q.Set("from", strconv.FormatInt(start, 10))
	q.Set("to", strconv.FormatInt(end, 10))
	q.Set("token", f.Token)
	return f.BaseURL + "/stock/candle", q, http.Header{}, nil
}

// Normalize parses the columnar candle body {s,t[],o[],h[],l[],c[],v[]}.
// s=="no_data" yields an empty result; any other non-ok status or a
// column length mismatch is a structural failure.
func (f *Finnhub) Normalize(payload []byte, req Request) (*market.Result, error) {
	var body struct {
		S string    `json:"s"`
		T []float64 `json:"t"`
		O []float64 `json:"o"`
		H []float64 `json:"h"`
		L []float64 `json:"l"`
		C []float64 `json:"c"`
		V []float64 `json:"v"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, market.NewFetchError(f.Name(), "unexpected payload shape: %v", err)
	}

	res := &market.Result{Provider: f.Name(), Request: req.Echo()}
	if body.S == "no_data" {
		return res, nil
	}
	if body.S != "ok" {
		return nil, market.NewFetchError(f.Name(), "candle status %q", body.S)
	}
	n := len(body.T)
	if len(body.O) != n || len(body.H) != n || len(body.L) != n || len(body.C) != n || len(body.V) != n {
		return nil, market.NewFetchError(f.Name(), "column length mismatch")
	}

	for i := 0; i < n; i++ {
		ts, err := market.ToUnixSeconds(body.T[i])
		if err != nil {
			continue
		}
		bar := market.Bar{
			Ts: ts, Open: body.O[i], High: body.H[i], Low: body.L[i],
			Close: body.C[i], Volume: body.V[i], Provider: f.Name(),
		}
		if bar.Valid() {
			res.Bars = append(res.Bars, bar)
		}
	}
	res.SortBars()
	return res, nil
}
