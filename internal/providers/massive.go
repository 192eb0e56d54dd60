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

// Massive serves the futures microstructure family (contracts,
// products, schedules, aggs, trades, quotes, market status, exchanges)
// hosted on the Polygon futures API. Every op normalizes to Event rows
// so the REST pass-through keeps the provider's field set intact; aggs
// carry OHLCV plus transactions, dollar_volume and settlement_price.
type Massive struct {
	BaseURL string
	APIKey  string
}

// NewMassive builds the adapter. The key chain is MASSIVE_API_KEY ->
// FKS_MASSIVE_API_KEY -> POLYGON_API_KEY (resolved by the caller).
func NewMassive(apiKey string) *Massive {
	return &Massive{BaseURL: "https://api.polygon.io", APIKey: apiKey}
}

func (m *Massive) Name() string        { return "massive" }
func (m *Massive) DefaultRPS() float64 { return 4 }

func (m *Massive) TTLFor(req Request) time.Duration { return 300 * time.Second }

func (m *Massive) BuildRequest(req Request) (string, url.Values, http.Header, error) {
	if m.APIKey == "" {
		return "", nil, nil, fmt.Errorf("MASSIVE_API_KEY not configured")
	}
	q := url.Values{}
	q.Set("apiKey", m.APIKey)
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	var path string
	switch req.Op {
	case "contracts":
		path = "/futures/vX/contracts"
		if pc := req.Param("product_code", ""); pc != "" {
			q.Set("product_code", pc)
		}
	case "contract":
		if req.Symbol == "" {
			return "", nil, nil, fmt.Errorf("ticker required")
		}
		path = "/futures/vX/contracts/" + url.PathEscape(req.Symbol)
	case "products":
		path = "/futures/vX/products"
		if name := req.Param("name", ""); name != "" {
			q.Set("name", name)
		}
	case "product":
		if req.Symbol == "" {
			return "", nil, nil, fmt.Errorf("product code required")
		}
		path = "/futures/vX/products/" + url.PathEscape(req.Symbol)
	case "schedules":
		path = "/futures/vX/schedules"
		if d := req.Param("session_end_date", ""); d != "" {
			q.Set("session_end_date", d)
		}
	case "product_schedules":
		if req.Symbol == "" {
			return "", nil, nil, fmt.Errorf("product code required")
		}
		path = "/futures/vX/products/" + url.PathEscape(req.Symbol) + "/schedules"
	case "aggs":
		if req.Symbol == "" {
			return "", nil, nil, fmt.Errorf("ticker required")
		}
		path = "/futures/vX/aggs/" + url.PathEscape(req.Symbol)
		q.Set("resolution", req.Param("resolution", "1day"))
		if req.Start > 0 {
			q.Set("window_start.gte", strconv.FormatInt(req.Start*1_000_000_000, 10))
		}
		if req.End > 0 {
			q.Set("window_start.lte", strconv.FormatInt(req.End*1_000_000_000, 10))
		}
	case "trades":
		if req.Symbol == "" {
			return "", nil, nil, fmt.Errorf("ticker required")
		}
		path = "/futures/vX/trades/" + url.PathEscape(req.Symbol)
	case "quotes":
		if req.Symbol == "" {
			return "", nil, nil, fmt.Errorf("ticker required")
		}
		path = "/futures/vX/quotes/" + url.PathEscape(req.Symbol)
	case "market_status":
		path = "/futures/vX/market-status"
	case "exchanges":
		path = "/v3/reference/exchanges"
		q.Set("asset_class", "futures")
	default:
		return "", nil, nil, fmt.Errorf("unsupported op %q", req.Op)
	}
	return m.BaseURL + path, q, http.Header{}, nil
}

func (m *Massive) Normalize(payload []byte, req Request) (*market.Result, error) {
	var body struct {
		Status  string          `json:"status"`
		Error   string          `json:"error"`
		Results json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, market.NewFetchError(m.Name(), "unexpected payload shape: %v", err)
	}
	if body.Error != "" {
		return nil, market.NewFetchError(m.Name(), "API error: %s", body.Error)
	}

	res := &market.Result{Provider: m.Name(), Request: req.Echo()}
	if len(body.Results) == 0 {
		return res, nil
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(body.Results, &rows); err != nil {
		// Single-object results (contract, product, market_status).
		var one map[string]interface{}
		if jerr := json.Unmarshal(body.Results, &one); jerr != nil {
			return nil, market.NewFetchError(m.Name(), "unexpected results shape: %v", err)
		}
		rows = []map[string]interface{}{one}
	}

	for _, row := range rows {
		ev, ok := m.eventFor(req.Op, req.Symbol, row)
		if ok {
			res.Events = append(res.Events, ev)
		}
	}
	return res, nil
}

func (m *Massive) eventFor(op, symbol string, row map[string]interface{}) (market.Event, bool) {
	ev := market.Event{Kind: op, Symbol: symbol, Fields: row}
	switch op {
	case "aggs":
		ts, err := market.ToUnixSeconds(row["window_start"])
		if err != nil {
			return market.Event{}, false
		}
		ev.Ts = ts
		ev.Fields = map[string]interface{}{
			"ts":               ts,
			"open":             row["open"],
			"high":             row["high"],
			"low":              row["low"],
			"close":            row["close"],
			"volume":           row["volume"],
			"transactions":     row["transactions"],
			"dollar_volume":    row["dollar_volume"],
			"settlement_price": row["settlement_price"],
		}
	case "trades":
		ts, err := market.ToUnixSeconds(row["sip_timestamp"])
		if err != nil {
			return market.Event{}, false
		}
		ev.Ts = ts
		ev.Fields = map[string]interface{}{
			"ts":     ts,
			"price":  row["price"],
			"size":   row["size"],
			"ticker": row["ticker"],
		}
	case "quotes":
		ts, err := market.ToUnixSeconds(row["sip_timestamp"])
		if err != nil {
			return market.Event{}, false
		}
		ev.Ts = ts
		ev.Fields = map[string]interface{}{
			"ts":        ts,
			"bid_price": row["bid_price"],
			"bid_size":  row["bid_size"],
			"ask_price": row["ask_price"],
			"ask_size":  row["ask_size"],
		}
	default:
		ev.Ts = time.Now().UTC().Unix()
	}
	return ev, true
}
