package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarValid(t *testing.T) {
	tests := []struct {
		name string
		bar  Bar
		want bool
	}{
		{"well_formed", Bar{Ts: 1732646400, Open: 100, High: 101, Low: 99.5, Close: 100.5, Volume: 123.45}, true},
		{"flat_bar", Bar{Ts: 1, Open: 5, High: 5, Low: 5, Close: 5, Volume: 0}, true},
		{"high_below_close", Bar{Ts: 1, Open: 10, High: 9, Low: 8, Close: 9.5, Volume: 1}, false},
		{"low_above_open", Bar{Ts: 1, Open: 10, High: 12, Low: 11, Close: 11.5, Volume: 1}, false},
		{"negative_volume", Bar{Ts: 1, Open: 10, High: 12, Low: 9, Close: 11, Volume: -1}, false},
		{"zero_ts", Bar{Open: 10, High: 12, Low: 9, Close: 11, Volume: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.bar.Valid())
		})
	}
}

func TestQuoteDegenerateBar(t *testing.T) {
	q := Quote{Ts: 1700000000, Symbol: "BTC", Price: 42000.5, Volume24h: 9e9}
	b := q.Bar()
	assert.Equal(t, q.Price, b.Open)
	assert.Equal(t, q.Price, b.High)
	assert.Equal(t, q.Price, b.Low)
	assert.Equal(t, q.Price, b.Close)
	assert.Equal(t, q.Volume24h, b.Volume)
	assert.True(t, b.Valid())
}

func TestResultKindAndLatestClose(t *testing.T) {
	r := &Result{Provider: "binance"}
	assert.Equal(t, KindEmpty, r.Kind())
	_, ok := r.LatestClose()
	assert.False(t, ok)

	r.Bars = []Bar{
		{Ts: 200, Close: 2, Open: 2, High: 2, Low: 2},
		{Ts: 100, Close: 1, Open: 1, High: 1, Low: 1},
	}
	assert.Equal(t, KindBars, r.Kind())
	last, ok := r.LatestClose()
	require.True(t, ok)
	assert.Equal(t, 2.0, last)

	r.SortBars()
	assert.Equal(t, int64(100), r.Bars[0].Ts)
	assert.Equal(t, int64(200), r.Bars[1].Ts)
}

func TestOrderBookNormalize(t *testing.T) {
	ob := &OrderBook{
		Symbol: "BTCUSDT",
		Bids:   []BookLevel{{Price: 99, Size: 1}, {Price: 101, Size: 2}, {Price: 100, Size: 3}},
		Asks:   []BookLevel{{Price: 103, Size: 1}, {Price: 102, Size: 2}},
	}
	ob.Normalize()
	assert.Equal(t, 101.0, ob.Bids[0].Price)
	assert.Equal(t, 99.0, ob.Bids[2].Price)
	assert.Equal(t, 102.0, ob.Asks[0].Price)
	assert.Equal(t, 3, ob.Depth())

	spread, ok := ob.Spread()
	require.True(t, ok)
	assert.InDelta(t, 1.0, spread, 1e-9)
}

func TestToUnixSeconds(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want int64
	}{
		{"seconds", int64(1732646400), 1732646400},
		{"milliseconds", float64(1732646400000), 1732646400},
		{"nanoseconds", float64(1732646400000000000), 1732646400},
		{"numeric_string", "1732646400000", 1732646400},
		{"rfc3339_z", "2024-11-26T18:40:00Z", 1732646400},
		{"date_only", "2024-11-26", 1732579200},
		{"space_separated", "2024-11-26 18:40:00", 1732646400},
		{"time_value", time.Unix(1732646400, 0), 1732646400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToUnixSeconds(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ToUnixSeconds("not a time")
	assert.Error(t, err)
	_, err = ToUnixSeconds(nil)
	assert.Error(t, err)
}

func TestIntervalHelpers(t *testing.T) {
	d, err := IntervalDuration("1h")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	_, err = IntervalDuration("7q")
	assert.Error(t, err)

	aligned, err := AlignToInterval(1732646461, "1m")
	require.NoError(t, err)
	assert.Equal(t, int64(1732646460), aligned)

	assert.True(t, KnownInterval("4h"))
	assert.False(t, KnownInterval("2w"))
}

func TestSafeSymbol(t *testing.T) {
	assert.Equal(t, "BTC-USD", SafeSymbol("BTC/USD"))
	assert.Equal(t, "X-BTCUSD", SafeSymbol("X:BTCUSD"))
	assert.Equal(t, "AAPL.US", SafeSymbol("AAPL.US"))
}
