package delta

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tick(sym string, last float64) Tick {
	return Tick{Symbol: sym, Exchange: "binance", Last: last, Bid: last - 0.5, Ask: last + 0.5, Time: time.Now()}
}

func TestFirstTickSeedsBaseline(t *testing.T) {
	s := NewScanner()
	_, ok := s.ScanTick(tick("BTC-USD", 50000))
	assert.False(t, ok)

	d, ok := s.ScanTick(tick("BTC-USD", 50010))
	require.True(t, ok)
	assert.Equal(t, int16(1), d.Direction)
	assert.Equal(t, "1", d.BinaryValue)
	assert.InDelta(t, 10, d.PriceDelta, 1e-9)
	assert.InDelta(t, 0.02, d.DeltaPct, 1e-6)
	assert.False(t, d.MicroChange, "0.02% is above the micro threshold")
}

func TestDirectionAndMicroClassification(t *testing.T) {
	s := NewScanner()
	s.ScanTick(tick("BTC-USD", 50000))

	down, ok := s.ScanTick(tick("BTC-USD", 49999))
	require.True(t, ok)
	assert.Equal(t, int16(-1), down.Direction)
	assert.Equal(t, "0", down.BinaryValue)
	assert.True(t, down.MicroChange, "1 point on 50000 is 0.002%, micro")

	flat, ok := s.ScanTick(tick("BTC-USD", 49999))
	require.True(t, ok)
	assert.Equal(t, int16(0), flat.Direction)
	assert.Empty(t, flat.BinaryValue)
	assert.False(t, flat.MicroChange)
}

func TestMidpointFallbackWhenNoLast(t *testing.T) {
	s := NewScanner()
	first := Tick{Symbol: "ETH-USD", Bid: 99, Ask: 101, Time: time.Now()}
	_, ok := s.ScanTick(first)
	assert.False(t, ok)

	second := Tick{Symbol: "ETH-USD", Bid: 100, Ask: 102, Time: time.Now()}
	d, ok := s.ScanTick(second)
	require.True(t, ok)
	assert.InDelta(t, 1.0, d.PriceDelta, 1e-9, "midpoints 100 -> 101")

	_, ok = s.ScanTick(Tick{Symbol: "ZERO"})
	assert.False(t, ok, "no usable price at all")
}

func TestBinarySequenceOrderAndTrim(t *testing.T) {
	s := NewScanner()
	prices := []float64{100, 101, 100.5, 102, 103, 102.5}
	for _, p := range prices {
		s.ScanTick(tick("BTC-USD", p))
	}
	// moves: +1, -0.5, +1.5, +1, -0.5 -> "10110"
	assert.Equal(t, "10110", s.BinarySequence("BTC-USD", 0))
	assert.Equal(t, "110", s.BinarySequence("BTC-USD", 3))
	assert.Equal(t, "", s.BinarySequence("UNKNOWN", 5))
}

func TestRingBufferBounded(t *testing.T) {
	s := NewScanner()
	price := 1000.0
	s.ScanTick(tick("BTC-USD", price))
	for i := 0; i < historyCap+100; i++ {
		price += 1
		s.ScanTick(tick("BTC-USD", price))
	}
	seq := s.BinarySequence("BTC-USD", 0)
	assert.Len(t, seq, historyCap)
	assert.Equal(t, historyCap, s.Stats()["BTC-USD"].SequenceLen)
}

func TestStats(t *testing.T) {
	s := NewScanner()
	s.ScanTick(tick("BTC-USD", 100))
	s.ScanTick(tick("BTC-USD", 101))   // up
	s.ScanTick(tick("BTC-USD", 100.5)) // down
	s.ScanTick(tick("BTC-USD", 100.5)) // flat
	s.ScanTick(tick("BTC-USD", 101.5)) // up

	st := s.Stats()["BTC-USD"]
	assert.Equal(t, int64(2), st.Up)
	assert.Equal(t, int64(1), st.Down)
	assert.Equal(t, int64(1), st.Flat)
	assert.Equal(t, int64(4), st.Total)
	assert.InDelta(t, 2.0/3.0, st.UpRatio, 1e-9)
}

func TestRowConversion(t *testing.T) {
	s := NewScanner()
	s.ScanTick(tick("BTC-USD", 50000))
	in := tick("BTC-USD", 50010)
	d, ok := s.ScanTick(in)
	require.True(t, ok)

	row := d.Row(in)
	assert.Equal(t, "BTC-USD", row.Symbol)
	assert.Equal(t, "binance", row.Exchange)
	assert.Equal(t, 50010.0, row.Last)
	assert.InDelta(t, 1.0, row.Spread, 1e-9)
	assert.Equal(t, int16(1), row.Direction)
	assert.Equal(t, "1", row.BinaryValue)
}

func TestConcurrentScans(t *testing.T) {
	s := NewScanner()
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			sym := fmt.Sprintf("SYM-%d", g)
			for i := 0; i < 500; i++ {
				s.ScanTick(tick(sym, 100+float64(i%7)))
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}
	assert.Len(t, s.Stats(), 4)
}

func TestFlatTickRebasesBaseline(t *testing.T) {
	s := NewScanner()
	s.ScanTick(tick("BTC-USD", 100))

	// Sub-threshold move: classified flat, but it still becomes the
	// baseline for the next delta.
	flat, ok := s.ScanTick(tick("BTC-USD", 100.000001))
	require.True(t, ok)
	assert.Equal(t, int16(0), flat.Direction)

	d, ok := s.ScanTick(tick("BTC-USD", 100.5))
	require.True(t, ok)
	assert.Equal(t, int16(1), d.Direction)
	assert.InDelta(t, 0.499999, d.PriceDelta, 1e-9, "delta measured from the flat price, not the original 100")
}

func TestStateFromBinaryWindow(t *testing.T) {
	s := NewScanner()
	price := 100.0
	s.ScanTick(tick("EUR-USDT", price))
	for _, dir := range "10110011" {
		if dir == '1' {
			price++
		} else {
			price--
		}
		s.ScanTick(tick("EUR-USDT", price))
	}

	state, ok := s.State("EUR-USDT", 8)
	require.True(t, ok)
	assert.Equal(t, "10110011", state.StateSeq)
	assert.Equal(t, int16(8), state.Depth)
	assert.InDelta(t, 0.625, state.NextMoveProb, 1e-9)
	assert.Equal(t, "UP", state.Prediction)
	assert.Equal(t, "binance", state.Exchange)
}

func TestStateNeedsFullWindow(t *testing.T) {
	s := NewScanner()
	s.ScanTick(tick("BTC-USD", 100))
	s.ScanTick(tick("BTC-USD", 101))

	_, ok := s.State("BTC-USD", 8)
	assert.False(t, ok)

	_, ok = s.State("UNSEEN", 8)
	assert.False(t, ok)
}
