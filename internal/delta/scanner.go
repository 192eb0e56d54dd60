// Package delta classifies tick-to-tick price moves into up/down
// binary states and keeps a bounded per-symbol history for sequence
// queries.
package delta

import (
	"math"
	"sync"
	"time"

	"github.com/fks-trading/fks-data/internal/persistence"
)

const (
	// microThresholdPct marks moves under 0.01% as micro changes.
	microThresholdPct = 0.01
	// minChange is the absolute floor below which a move counts as flat.
	minChange = 0.00001
	// historyCap bounds the per-symbol ring buffer.
	historyCap = 4096
	// DefaultStateDepth is the binary window length for state rows.
	DefaultStateDepth = 8
)

// Tick is one observed top-of-book sample.
type Tick struct {
	Symbol   string
	Exchange string
	Bid      float64
	Ask      float64
	Last     float64
	Volume   float64
	Time     time.Time
}

// Delta is the classified outcome of one tick against the previous one
// for the same symbol.
type Delta struct {
	Symbol      string
	Exchange    string
	Price       float64
	PriceDelta  float64
	DeltaPct    float64
	Direction   int16 // +1 up, -1 down, 0 flat
	MicroChange bool
	BinaryValue string // "1" up, "0" down, "" flat
	Time        time.Time
}

// Row converts the delta to its persisted tick form.
func (d Delta) Row(t Tick) persistence.TickRow {
	return persistence.TickRow{
		Time:          d.Time,
		Symbol:        d.Symbol,
		Exchange:      d.Exchange,
		Bid:           t.Bid,
		Ask:           t.Ask,
		Last:          d.Price,
		Volume:        t.Volume,
		Spread:        t.Ask - t.Bid,
		PriceDelta:    d.PriceDelta,
		DeltaPct:      d.DeltaPct,
		Direction:     d.Direction,
		IsMicroChange: d.MicroChange,
		BinaryValue:   d.BinaryValue,
	}
}

type symbolState struct {
	lastPrice float64
	exchange  string
	lastTime  time.Time
	seen      bool
	// ring of binary values, oldest first once full
	ring  []byte
	start int
	count int

	up, down, flat, micro int64
}

func (s *symbolState) push(b byte) {
	if s.count < historyCap {
		s.ring[(s.start+s.count)%historyCap] = b
		s.count++
		return
	}
	s.ring[s.start] = b
	s.start = (s.start + 1) % historyCap
}

// Scanner classifies ticks per symbol. Safe for concurrent use.
type Scanner struct {
	mu      sync.Mutex
	symbols map[string]*symbolState
}

// NewScanner builds an empty scanner.
func NewScanner() *Scanner {
	return &Scanner{symbols: make(map[string]*symbolState)}
}

// ScanTick classifies one tick. The first tick for a symbol only seeds
// the baseline and returns ok=false; flat moves return a Delta with
// direction 0 and no binary value. Every tick, flat ones included,
// becomes the new baseline, so the next delta measures against the
// latest observed price rather than the last directional one.
func (s *Scanner) ScanTick(t Tick) (Delta, bool) {
	price := t.Last
	if price == 0 {
		price = (t.Bid + t.Ask) / 2
	}
	if price == 0 {
		return Delta{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.symbols[t.Symbol]
	if !ok {
		st = &symbolState{ring: make([]byte, historyCap)}
		s.symbols[t.Symbol] = st
	}
	st.exchange = t.Exchange
	st.lastTime = t.Time
	if !st.seen {
		st.seen = true
		st.lastPrice = price
		return Delta{}, false
	}

	d := Delta{
		Symbol:     t.Symbol,
		Exchange:   t.Exchange,
		Price:      price,
		PriceDelta: price - st.lastPrice,
		Time:       t.Time,
	}
	if st.lastPrice != 0 {
		d.DeltaPct = 100 * d.PriceDelta / st.lastPrice
	}

	switch {
	case math.Abs(d.PriceDelta) < minChange:
		d.Direction = 0
		st.flat++
	case d.PriceDelta > 0:
		d.Direction = 1
		d.BinaryValue = "1"
		st.up++
		st.push('1')
	default:
		d.Direction = -1
		d.BinaryValue = "0"
		st.down++
		st.push('0')
	}
	d.MicroChange = d.Direction != 0 && math.Abs(d.DeltaPct) < microThresholdPct
	if d.MicroChange {
		st.micro++
	}

	st.lastPrice = price
	return d, true
}

// BinarySequence returns up to maxLength most-recent binary states for
// the symbol, oldest first.
func (s *Scanner) BinarySequence(symbol string, maxLength int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.symbols[symbol]
	if !ok || st.count == 0 {
		return ""
	}
	n := st.count
	if maxLength > 0 && maxLength < n {
		n = maxLength
	}
	out := make([]byte, n)
	// take the newest n, preserving order
	first := st.count - n
	for i := 0; i < n; i++ {
		out[i] = st.ring[(st.start+first+i)%historyCap]
	}
	return string(out)
}

// State snapshots the most recent depth-length binary window for the
// symbol: next_move_prob is the fraction of up moves in the window and
// the prediction follows the majority. Returns ok=false until the
// window is full.
func (s *Scanner) State(symbol string, depth int) (persistence.BTRState, bool) {
	if depth <= 0 {
		depth = DefaultStateDepth
	}
	seq := s.BinarySequence(symbol, depth)
	if len(seq) < depth {
		return persistence.BTRState{}, false
	}

	s.mu.Lock()
	st := s.symbols[symbol]
	exchange, ts := st.exchange, st.lastTime
	s.mu.Unlock()

	ups := 0
	for i := 0; i < len(seq); i++ {
		if seq[i] == '1' {
			ups++
		}
	}
	prob := float64(ups) / float64(len(seq))
	prediction := "DOWN"
	if prob >= 0.5 {
		prediction = "UP"
	}
	return persistence.BTRState{
		Symbol:       symbol,
		Exchange:     exchange,
		Time:         ts,
		StateSeq:     seq,
		Depth:        int16(depth),
		NextMoveProb: prob,
		Prediction:   prediction,
	}, true
}

// SymbolStats summarizes classified moves for one symbol.
type SymbolStats struct {
	Symbol      string  `json:"symbol"`
	Up          int64   `json:"up"`
	Down        int64   `json:"down"`
	Flat        int64   `json:"flat"`
	Micro       int64   `json:"micro"`
	Total       int64   `json:"total"`
	UpRatio     float64 `json:"up_ratio"`
	SequenceLen int     `json:"sequence_len"`
}

// Stats snapshots per-symbol counters.
func (s *Scanner) Stats() map[string]SymbolStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]SymbolStats, len(s.symbols))
	for sym, st := range s.symbols {
		stats := SymbolStats{
			Symbol: sym,
			Up:     st.up, Down: st.down, Flat: st.flat, Micro: st.micro,
			Total:       st.up + st.down + st.flat,
			SequenceLen: st.count,
		}
		if directional := st.up + st.down; directional > 0 {
			stats.UpRatio = float64(st.up) / float64(directional)
		}
		out[sym] = stats
	}
	return out
}
