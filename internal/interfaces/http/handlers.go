package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/fks-trading/fks-data/internal/market"
	"github.com/fks-trading/fks-data/internal/providers"
)

const (
	priceCacheTTL = 60 * time.Second
	ohlcvCacheTTL = 300 * time.Second
)

// PriceResponse is the /price payload.
type PriceResponse struct {
	Symbol   string  `json:"symbol"`
	Price    float64 `json:"price"`
	Provider string  `json:"provider"`
	Ts       int64   `json:"ts"`
	Cached   bool    `json:"cached,omitempty"`
}

// OHLCVResponse is the /ohlcv payload.
type OHLCVResponse struct {
	Symbol   string       `json:"symbol"`
	Interval string       `json:"interval"`
	Provider string       `json:"provider"`
	Count    int          `json:"count"`
	Bars     []market.Bar `json:"bars"`
	Cached   bool         `json:"cached,omitempty"`
}

func useCache(r *http.Request) bool {
	v := r.URL.Query().Get("use_cache")
	return v == "" || v == "true" || v == "1"
}

// cachedJSON serves key from the result cache when allowed.
func (s *Server) cachedJSON(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.deps.Cache == nil || !useCache(r) {
		return false
	}
	raw, ok := s.deps.Cache.Get(r.Context(), key)
	if !ok {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", "hit")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
	return true
}

func (s *Server) storeJSON(r *http.Request, key string, body interface{}, ttl time.Duration) {
	if s.deps.Cache == nil {
		return
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	s.deps.Cache.Set(r.Context(), key, raw, ttl)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "symbol is required")
		return
	}
	provider := q.Get("provider")
	cacheKey := "price:" + symbol + ":" + orAny(provider)
	if s.cachedJSON(w, r, cacheKey) {
		return
	}

	res, err := s.deps.Fetcher.GetData(r.Context(), providers.DataRequest{
		AssetClass:  q.Get("asset_class"),
		Asset:       symbol,
		Granularity: "1m",
		Limit:       1,
		Provider:    provider,
	})
	if err != nil {
		s.upstreamError(w, err)
		return
	}
	price, ok := res.LatestClose()
	if !ok {
		writeError(w, http.StatusNotFound, "no_data", "no price available for "+symbol)
		return
	}
	body := PriceResponse{Symbol: symbol, Price: price, Provider: res.Provider, Ts: s.now().Unix()}
	s.storeJSON(r, cacheKey, body, priceCacheTTL)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleOHLCV(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	interval := q.Get("interval")
	if symbol == "" || interval == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "symbol and interval are required")
		return
	}
	if !market.KnownInterval(interval) {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown interval "+interval)
		return
	}
	limit := intParam(q.Get("limit"), 100)
	start := int64Param(q.Get("start"))
	end := int64Param(q.Get("end"))
	provider := q.Get("provider")

	cacheKey := strings.Join([]string{"ohlcv", symbol, interval,
		strconv.Itoa(limit), strconv.FormatInt(start, 10), strconv.FormatInt(end, 10),
		orAny(provider)}, ":")
	if s.cachedJSON(w, r, cacheKey) {
		return
	}

	res, err := s.deps.Fetcher.GetData(r.Context(), providers.DataRequest{
		AssetClass:  q.Get("asset_class"),
		Asset:       symbol,
		Granularity: interval,
		Start:       start,
		End:         end,
		Limit:       limit,
		Provider:    provider,
	})
	if err != nil {
		s.upstreamError(w, err)
		return
	}
	if len(res.Bars) == 0 {
		writeError(w, http.StatusNotFound, "no_data", "no candles for "+symbol)
		return
	}
	body := OHLCVResponse{
		Symbol:   symbol,
		Interval: interval,
		Provider: res.Provider,
		Count:    len(res.Bars),
		Bars:     res.Bars,
	}
	s.storeJSON(r, cacheKey, body, ohlcvCacheTTL)
	writeJSON(w, http.StatusOK, body)
}

// ProviderInfo is the static metadata served by /providers.
type ProviderInfo struct {
	Name         string   `json:"name"`
	AssetClasses []string `json:"asset_classes"`
	RateLimitRPS float64  `json:"rate_limit_rps"`
	Capabilities []string `json:"capabilities"`
}

var providerCatalog = []ProviderInfo{
	{Name: "binance", AssetClasses: []string{"crypto"}, RateLimitRPS: 10, Capabilities: []string{"ohlcv"}},
	{Name: "polygon", AssetClasses: []string{"crypto", "stock", "etf"}, RateLimitRPS: 4, Capabilities: []string{"ohlcv"}},
	{Name: "cmc", AssetClasses: []string{"crypto"}, RateLimitRPS: 0.5, Capabilities: []string{"quotes", "listings"}},
	{Name: "coingecko", AssetClasses: []string{"crypto"}, RateLimitRPS: 0.5, Capabilities: []string{"ohlcv", "quotes"}},
	{Name: "eodhd", AssetClasses: []string{"stock", "etf"}, RateLimitRPS: 1, Capabilities: []string{"fundamentals", "earnings", "economic", "insider"}},
	{Name: "alphavantage", AssetClasses: []string{"stock", "crypto"}, RateLimitRPS: 0.083, Capabilities: []string{"ohlcv"}},
	{Name: "finnhub", AssetClasses: []string{"stock"}, RateLimitRPS: 1, Capabilities: []string{"ohlcv"}},
	{Name: "tiingo", AssetClasses: []string{"stock", "etf"}, RateLimitRPS: 1, Capabilities: []string{"ohlcv"}},
	{Name: "newsapi", AssetClasses: []string{"any"}, RateLimitRPS: 1, Capabilities: []string{"news"}},
	{Name: "massive", AssetClasses: []string{"futures"}, RateLimitRPS: 4, Capabilities: []string{"aggs", "trades", "quotes", "reference"}},
	{Name: "datareader", AssetClasses: []string{"stock", "series"}, RateLimitRPS: 1, Capabilities: []string{"ohlcv", "series"}},
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": providerCatalog,
		"health":    s.deps.Fetcher.Health(),
	})
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	if s.deps.Clients == nil {
		writeError(w, http.StatusInternalServerError, "unavailable", "news provider not configured")
		return
	}
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" && q.Get("query") == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "symbol or query is required")
		return
	}
	res, err := s.fetchNews(r, symbol, q.Get("query"), q.Get("from"), q.Get("to"),
		q.Get("language"), q.Get("sort_by"), intParam(q.Get("page_size"), 20))
	if err != nil {
		s.upstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BulkNewsRequest is the /news/bulk body.
type BulkNewsRequest struct {
	Symbols  []string `json:"symbols"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	PageSize int      `json:"page_size"`
}

func (s *Server) handleNewsBulk(w http.ResponseWriter, r *http.Request) {
	if s.deps.Clients == nil {
		writeError(w, http.StatusInternalServerError, "unavailable", "news provider not configured")
		return
	}
	var req BulkNewsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Symbols) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "symbols[] is required")
		return
	}
	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	results := make(map[string]*market.Result, len(req.Symbols))
	failures := make(map[string]string)
	for _, symbol := range req.Symbols {
		res, err := s.fetchNews(r, symbol, "", req.From, req.To, "", "", req.PageSize)
		if err != nil {
			// One dead symbol must not sink the batch.
			failures[symbol] = err.Error()
			continue
		}
		results[symbol] = res
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results":  results,
		"failures": failures,
	})
}

func (s *Server) fetchNews(r *http.Request, symbol, query, from, to, language, sortBy string, pageSize int) (*market.Result, error) {
	client, err := s.deps.Clients.Client("newsapi")
	if err != nil {
		return nil, err
	}
	params := map[string]string{"page_size": strconv.Itoa(pageSize)}
	for k, v := range map[string]string{"query": query, "from": from, "to": to,
		"language": language, "sort_by": sortBy} {
		if v != "" {
			params[k] = v
		}
	}
	return client.Fetch(r.Context(), providers.Request{
		Op:     "everything",
		Symbol: symbol,
		Params: params,
	})
}

// futuresOp builds a validated pass-through to the futures provider:
// the path variable becomes the symbol, remaining query parameters ride
// along verbatim.
func (s *Server) futuresOp(op, pathVar string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Clients == nil {
			writeError(w, http.StatusInternalServerError, "unavailable", "futures provider not configured")
			return
		}
		client, err := s.deps.Clients.Client("massive")
		if err != nil {
			writeError(w, http.StatusInternalServerError, "unavailable", err.Error())
			return
		}

		req := providers.Request{Op: op, Params: map[string]string{}}
		if pathVar != "" {
			req.Symbol = mux.Vars(r)[pathVar]
			if req.Symbol == "" {
				writeError(w, http.StatusBadRequest, "bad_request", pathVar+" is required")
				return
			}
		}
		for k, vs := range r.URL.Query() {
			if len(vs) == 0 || vs[0] == "" {
				continue
			}
			switch k {
			case "start":
				req.Start = int64Param(vs[0])
			case "end":
				req.End = int64Param(vs[0])
			case "limit":
				req.Limit = intParam(vs[0], 0)
			case "interval", "resolution":
				req.Interval = vs[0]
			default:
				req.Params[k] = vs[0]
			}
		}

		res, err := client.Fetch(r.Context(), req)
		if err != nil {
			s.upstreamError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// upstreamError maps fetch failures onto the status-code contract.
func (s *Server) upstreamError(w http.ResponseWriter, err error) {
	var fe *market.FetchError
	switch {
	case errors.Is(err, market.ErrNoData):
		writeError(w, http.StatusNotFound, "no_data", err.Error())
	case errors.As(err, &fe) && fe.StatusCode == http.StatusBadRequest:
		writeError(w, http.StatusBadRequest, "bad_request", fe.Message)
	default:
		writeError(w, http.StatusInternalServerError, "upstream", err.Error())
	}
}

func orAny(s string) string {
	if s == "" {
		return "any"
	}
	return s
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func int64Param(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
