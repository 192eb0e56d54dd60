package market

// Side is the aggressor side of a trade tick.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideUnknown Side = "unknown"
)

// Tick is a single trade or quote update.
type Tick struct {
	Ts            int64   `json:"ts"`
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Volume        float64 `json:"volume"`
	Side          Side    `json:"side"`
	Source        string  `json:"source"`
	TradeID       string  `json:"trade_id,omitempty"`
	IsMarketMaker bool    `json:"is_market_maker,omitempty"`
}

// Valid reports whether the tick carries a usable price.
func (t Tick) Valid() bool {
	return t.Ts > 0 && t.Price >= 0 && t.Volume >= 0 && t.Symbol != ""
}
