package providers

import (
	"sort"
	"strconv"
)

// Request is the normalized fetch request adapters translate into
// provider-specific URLs. Op selects the endpoint family within an
// adapter ("klines", "fundamentals", "aggs", ...); adapters that serve
// a single family ignore it. Start and End are unix seconds, zero when
// unset. Params carries provider-specific extras verbatim.
type Request struct {
	Op       string
	Symbol   string
	Interval string
	Start    int64
	End      int64
	Limit    int
	Params   map[string]string
}

// Echo renders the request as the string map echoed back inside every
// fetch result.
func (r Request) Echo() map[string]string {
	out := map[string]string{}
	if r.Op != "" {
		out["op"] = r.Op
	}
	if r.Symbol != "" {
		out["symbol"] = r.Symbol
	}
	if r.Interval != "" {
		out["interval"] = r.Interval
	}
	if r.Start != 0 {
		out["start"] = strconv.FormatInt(r.Start, 10)
	}
	if r.End != 0 {
		out["end"] = strconv.FormatInt(r.End, 10)
	}
	if r.Limit != 0 {
		out["limit"] = strconv.Itoa(r.Limit)
	}
	for k, v := range r.Params {
		out[k] = v
	}
	return out
}

// CacheParts returns the ordered parameter list a cache key is derived
// from. Fixed fields come first, extras follow in sorted key order so
// the same request always maps to the same key.
func (r Request) CacheParts() []string {
	parts := []string{r.Op, r.Symbol, r.Interval,
		strconv.FormatInt(r.Start, 10), strconv.FormatInt(r.End, 10),
		strconv.Itoa(r.Limit)}
	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+r.Params[k])
	}
	return parts
}

// Param returns a provider-specific extra, or def when absent.
func (r Request) Param(key, def string) string {
	if v, ok := r.Params[key]; ok && v != "" {
		return v
	}
	return def
}
