package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fks-trading/fks-data/internal/market"
)

// EODHD serves the fundamentals family from eodhd.com: fundamentals,
// earnings calendar, economic events and insider transactions. All ops
// normalize to Event rows; provider extras ride in Fields.
type EODHD struct {
	BaseURL string
	Token   string
}

// NewEODHD builds the adapter; token is the api_token query parameter.
func NewEODHD(token string) *EODHD {
	return &EODHD{BaseURL: "https://eodhd.com/api", Token: token}
}

func (e *EODHD) Name() string        { return "eodhd" }
func (e *EODHD) DefaultRPS() float64 { return 1 }

// TTLFor varies by endpoint: fundamentals move daily, calendars hourly.
func (e *EODHD) TTLFor(req Request) time.Duration {
	switch req.Op {
	case "fundamentals":
		return 86400 * time.Second
	case "insider":
		return 14400 * time.Second
	default:
		return 3600 * time.Second
	}
}

func (e *EODHD) BuildRequest(req Request) (string, url.Values, http.Header, error) {
	if e.Token == "" {
		return "", nil, nil, fmt.Errorf("EODHD_API_KEY not configured")
	}
	q := url.Values{}
	q.Set("api_token", e.Token)
	q.Set("fmt", "json")

	var path string
	switch req.Op {
	case "", "fundamentals":
		if req.Symbol == "" {
			return "", nil, nil, fmt.Errorf("symbol required")
		}
		path = "/fundamentals/" + url.PathEscape(req.Symbol)
	case "earnings":
		path = "/calendar/earnings"
		if req.Symbol != "" {
			q.Set("symbols", req.Symbol)
		}
		setDateRange(q, "from", "to", req)
	case "economic":
		path = "/economic-events"
		if c := req.Param("country", ""); c != "" {
			q.Set("country", c)
		}
		setDateRange(q, "from", "to", req)
	case "insider":
		path = "/insider-transactions"
		if req.Symbol != "" {
			q.Set("code", req.Symbol)
		}
		setDateRange(q, "from", "to", req)
	default:
		return "", nil, nil, fmt.Errorf("unsupported op %q", req.Op)
	}
	return e.BaseURL + path, q, http.Header{}, nil
}

func setDateRange(q url.Values, fromKey, toKey string, req Request) {
	if req.Start > 0 {
		q.Set(fromKey, time.Unix(req.Start, 0).UTC().Format("2006-01-02"))
	}
	if req.End > 0 {
		q.Set(toKey, time.Unix(req.End, 0).UTC().Format("2006-01-02"))
	}
}

func (e *EODHD) Normalize(payload []byte, req Request) (*market.Result, error) {
	res := &market.Result{Provider: e.Name(), Request: req.Echo()}
	switch req.Op {
	case "", "fundamentals":
		var doc map[string]interface{}
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, market.NewFetchError(e.Name(), "unexpected payload shape: %v", err)
		}
		res.Events = append(res.Events, market.Event{
			Ts:     time.Now().UTC().Unix(),
			Kind:   "fundamentals",
			Symbol: req.Symbol,
			Fields: doc,
		})
	case "earnings":
		rows, err := e.listRows(payload)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			ev, ok := earningsEvent(row)
			if ok {
				res.Events = append(res.Events, ev)
			}
		}
	case "economic", "insider":
		rows, err := e.listRows(payload)
		if err != nil {
			return nil, err
		}
		kind := req.Op
		for _, row := range rows {
			ev, ok := datedEvent(row, kind)
			if ok {
				res.Events = append(res.Events, ev)
			}
		}
	}
	return res, nil
}

// listRows accepts both a bare array and the {earnings:[...]} wrapper.
func (e *EODHD) listRows(payload []byte) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	if err := json.Unmarshal(payload, &rows); err == nil {
		return rows, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, market.NewFetchError(e.Name(), "unexpected payload shape: %v", err)
	}
	for _, raw := range wrapped {
		if err := json.Unmarshal(raw, &rows); err == nil {
			return rows, nil
		}
	}
	return nil, market.NewFetchError(e.Name(), "no row array in payload")
}

func earningsEvent(row map[string]interface{}) (market.Event, bool) {
	ev, ok := datedEvent(row, "earnings")
	if !ok {
		return market.Event{}, false
	}
	if sym, ok := row["code"].(string); ok {
		ev.Symbol = sym
	}
	// Estimate and actual stay in Fields for downstream consumers.
	if actual, ok := row["actual"].(float64); ok {
		ev.Value = actual
	}
	return ev, true
}

func datedEvent(row map[string]interface{}, kind string) (market.Event, bool) {
	raw, ok := row["date"]
	if !ok {
		raw, ok = row["transactionDate"]
	}
	if !ok {
		return market.Event{}, false
	}
	ts, err := market.ToUnixSeconds(raw)
	if err != nil {
		return market.Event{}, false
	}
	ev := market.Event{Ts: ts, Kind: kind, Fields: row}
	if sym, ok := row["code"].(string); ok {
		ev.Symbol = sym
	}
	if v, ok := row["actual"].(float64); ok {
		ev.Value = v
	}
	return ev, true
}
