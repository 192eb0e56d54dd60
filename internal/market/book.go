package market

import "sort"

// BookLevel is one price level on a side of the order book.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook holds bids sorted strictly descending by price and asks
// strictly ascending.
type OrderBook struct {
	Ts     int64       `json:"ts"`
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
}

// Normalize sorts both sides into their canonical order.
func (ob *OrderBook) Normalize() {
	sort.Slice(ob.Bids, func(i, j int) bool { return ob.Bids[i].Price > ob.Bids[j].Price })
	sort.Slice(ob.Asks, func(i, j int) bool { return ob.Asks[i].Price < ob.Asks[j].Price })
}

// Depth is max(|bids|, |asks|).
func (ob *OrderBook) Depth() int {
	if len(ob.Bids) > len(ob.Asks) {
		return len(ob.Bids)
	}
	return len(ob.Asks)
}

// BestBid returns the highest bid, ok=false on an empty side.
func (ob *OrderBook) BestBid() (BookLevel, bool) {
	if len(ob.Bids) == 0 {
		return BookLevel{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the lowest ask, ok=false on an empty side.
func (ob *OrderBook) BestAsk() (BookLevel, bool) {
	if len(ob.Asks) == 0 {
		return BookLevel{}, false
	}
	return ob.Asks[0], true
}

// Spread is ask minus bid; ok is false unless both sides are populated.
func (ob *OrderBook) Spread() (float64, bool) {
	bid, okB := ob.BestBid()
	ask, okA := ob.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return ask.Price - bid.Price, true
}
