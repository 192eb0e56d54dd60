package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fks-trading/fks-data/internal/market"
	"github.com/fks-trading/fks-data/internal/providers"
)

// passthroughAdapter proxies any op to the test upstream and echoes the
// payload back as a single event.
type passthroughAdapter struct {
	name string
	base string
}

func (a passthroughAdapter) Name() string { return a.name }

func (a passthroughAdapter) BuildRequest(req providers.Request) (string, url.Values, http.Header, error) {
	q := url.Values{}
	q.Set("op", req.Op)
	if req.Symbol != "" {
		q.Set("symbol", req.Symbol)
	}
	for k, v := range req.Params {
		q.Set(k, v)
	}
	return a.base + "/proxy", q, nil, nil
}

func (a passthroughAdapter) Normalize(payload []byte, req providers.Request) (*market.Result, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, market.NewFetchError(a.name, "bad payload: %v", err)
	}
	fields := map[string]interface{}{}
	for k, v := range body {
		fields[k] = v
	}
	return &market.Result{
		Provider: a.name,
		Events:   []market.Event{{Kind: req.Op, Fields: fields}},
		Request:  req.Echo(),
	}, nil
}

func registryWith(t *testing.T, name string, upstreamBody string) (*providers.Registry, *httptest.Server) {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(upstreamBody))
	}))
	t.Cleanup(upstream.Close)

	reg := providers.NewRegistry(nil, nil)
	reg.Register(name, func(string) providers.Adapter {
		return passthroughAdapter{name: name, base: upstream.URL}
	})
	return reg, upstream
}

func TestFuturesPassThrough(t *testing.T) {
	reg, _ := registryWith(t, "massive", `{"ticker":"ESZ5","last":5300.25}`)
	s := testServer(t, Deps{Fetcher: &fakeFetcher{}, Clients: reg})

	rec := doJSON(t, s, http.MethodGet, "/futures/contracts/ESZ5?limit=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res market.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "massive", res.Provider)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "contract", res.Events[0].Kind)
	assert.Equal(t, "ESZ5", res.Request["symbol"])
}

func TestFuturesListEndpoints(t *testing.T) {
	reg, _ := registryWith(t, "massive", `{"results":[]}`)
	s := testServer(t, Deps{Fetcher: &fakeFetcher{}, Clients: reg})

	for _, path := range []string{
		"/futures/contracts", "/futures/products", "/futures/schedules",
		"/futures/market-status", "/futures/exchanges",
	} {
		rec := doJSON(t, s, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestNewsEndpoint(t *testing.T) {
	reg, _ := registryWith(t, "newsapi", `{"status":"ok","articles":[]}`)
	s := testServer(t, Deps{Fetcher: &fakeFetcher{}, Clients: reg})

	rec := doJSON(t, s, http.MethodGet, "/news?symbol=AAPL", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/news", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "symbol or query required")
}

func TestNewsBulkContinuesPastFailures(t *testing.T) {
	reg, _ := registryWith(t, "newsapi", `{"status":"ok"}`)
	s := testServer(t, Deps{Fetcher: &fakeFetcher{}, Clients: reg})

	rec := doJSON(t, s, http.MethodPost, "/news/bulk",
		BulkNewsRequest{Symbols: []string{"AAPL", "MSFT"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Results  map[string]json.RawMessage `json:"results"`
		Failures map[string]string          `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Results, 2)
	assert.Empty(t, body.Failures)

	rec = doJSON(t, s, http.MethodPost, "/news/bulk", BulkNewsRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
