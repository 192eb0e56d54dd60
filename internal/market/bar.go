package market

import "math"

// Bar is one OHLCV candle aligned to an interval boundary.
// Ts is integer seconds UTC.
type Bar struct {
	Ts       int64   `json:"ts"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	Provider string  `json:"provider,omitempty"`
}

// Valid reports whether the bar satisfies the OHLC invariant:
// low <= min(open,close), high >= max(open,close), volume >= 0.
// Invalid bars are dropped during normalization, never repaired.
func (b Bar) Valid() bool {
	if b.Ts <= 0 {
		return false
	}
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if b.Volume < 0 {
		return false
	}
	lo := math.Min(b.Open, b.Close)
	hi := math.Max(b.Open, b.Close)
	return b.Low <= lo && b.High >= hi
}

// Quote is a point-in-time price snapshot from a ticker style provider.
// The degenerate OHLCV view lets bar consumers treat quote providers
// uniformly: open=high=low=close=price, volume=volume24h.
type Quote struct {
	Ts               int64   `json:"ts"`
	Symbol           string  `json:"symbol"`
	Name             string  `json:"name,omitempty"`
	Price            float64 `json:"price"`
	Volume24h        float64 `json:"volume_24h"`
	MarketCap        float64 `json:"market_cap"`
	PercentChange24h float64 `json:"percent_change_24h"`
}

// Bar returns the degenerate OHLCV view of the quote.
func (q Quote) Bar() Bar {
	return Bar{
		Ts:     q.Ts,
		Open:   q.Price,
		High:   q.Price,
		Low:    q.Price,
		Close:  q.Price,
		Volume: q.Volume24h,
	}
}

// Event is a non-bar time-series row: fundamentals, earnings, economic
// indicators, insider transactions, news articles. Provider specific
// extras are preserved in Fields.
type Event struct {
	Ts     int64                  `json:"ts"`
	Kind   string                 `json:"kind"`
	Symbol string                 `json:"symbol,omitempty"`
	Value  float64                `json:"value,omitempty"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}
