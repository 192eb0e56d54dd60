package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fks-trading/fks-data/internal/market"
)

func TestBinanceNormalizeKline(t *testing.T) {
	payload := []byte(`[[1732646400000, "100.0", "101.0", "99.5", "100.5", "123.45", 0, 0, 0, 0, 0, 0]]`)
	b := NewBinance("")
	res, err := b.Normalize(payload, Request{Symbol: "BTCUSDT", Interval: "1h"})
	require.NoError(t, err)
	require.Len(t, res.Bars, 1)

	bar := res.Bars[0]
	assert.Equal(t, int64(1732646400), bar.Ts)
	assert.Equal(t, 100.0, bar.Open)
	assert.Equal(t, 101.0, bar.High)
	assert.Equal(t, 99.5, bar.Low)
	assert.Equal(t, 100.5, bar.Close)
	assert.Equal(t, 123.45, bar.Volume)
}

func TestBinanceNormalizeSkipsMalformedRows(t *testing.T) {
	// Two good rows with one malformed appended: count of well-formed
	// outputs is unchanged.
	payload := []byte(`[
		[1732646400000, "100.0", "101.0", "99.5", "100.5", "1.0", 0],
		[1732650000000, "100.5", "102.0", "100.0", "101.5", "2.0", 0],
		[1732653600000, "not-a-number", "x", "y", "z", "w", 0]
	]`)
	res, err := NewBinance("").Normalize(payload, Request{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Len(t, res.Bars, 2)
}

func TestBinanceNormalizeErrorEnvelope(t *testing.T) {
	payload := []byte(`{"code": -1121, "msg": "Invalid symbol."}`)
	_, err := NewBinance("").Normalize(payload, Request{Symbol: "NOPE"})
	require.Error(t, err)
	var fe *market.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Message, "Invalid symbol")
}

func TestBinanceNormalizeEmptyPayload(t *testing.T) {
	res, err := NewBinance("").Normalize([]byte(`[]`), Request{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, market.KindEmpty, res.Kind())
	assert.Empty(t, res.Bars)
}

func TestBinanceNormalizeSortsAscending(t *testing.T) {
	payload := []byte(`[
		[1732650000000, "1", "2", "0.5", "1.5", "1", 0],
		[1732646400000, "1", "2", "0.5", "1.5", "1", 0]
	]`)
	res, err := NewBinance("").Normalize(payload, Request{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, res.Bars, 2)
	assert.Less(t, res.Bars[0].Ts, res.Bars[1].Ts)
}

func TestBinanceNormalizeDropsInvalidOHLC(t *testing.T) {
	// High below open violates the bar invariant; dropped, not repaired.
	payload := []byte(`[[1732646400000, "100.0", "99.0", "99.5", "100.5", "1.0", 0]]`)
	res, err := NewBinance("").Normalize(payload, Request{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Empty(t, res.Bars)
}

func TestPolygonNormalize(t *testing.T) {
	payload := []byte(`{"status":"OK","results":[
		{"t":1732646400000,"o":100,"h":101,"l":99.5,"c":100.5,"v":123.45,"n":10,"vw":100.2}
	]}`)
	res, err := NewPolygon("key").Normalize(payload, Request{Symbol: "X:BTCUSD"})
	require.NoError(t, err)
	require.Len(t, res.Bars, 1)
	assert.Equal(t, int64(1732646400), res.Bars[0].Ts)
}

func TestFinnhubNormalizeNoData(t *testing.T) {
	res, err := NewFinnhub("tok").Normalize([]byte(`{"s":"no_data"}`), Request{Symbol: "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, market.KindEmpty, res.Kind())
}

func TestFinnhubNormalizeColumnMismatch(t *testing.T) {
	payload := []byte(`{"s":"ok","t":[1,2],"o":[1],"h":[1,2],"l":[1,2],"c":[1,2],"v":[1,2]}`)
	_, err := NewFinnhub("tok").Normalize(payload, Request{Symbol: "AAPL"})
	require.Error(t, err)
}

func TestFinnhubNormalizeColumnar(t *testing.T) {
	payload := []byte(`{"s":"ok","t":[1732646400],"o":[100],"h":[101],"l":[99.5],"c":[100.5],"v":[5]}`)
	res, err := NewFinnhub("tok").Normalize(payload, Request{Symbol: "AAPL"})
	require.NoError(t, err)
	require.Len(t, res.Bars, 1)
	assert.Equal(t, 100.5, res.Bars[0].Close)
}

func TestAlphaVantageErrorEnvelopes(t *testing.T) {
	_, err := NewAlphaVantage("k").Normalize([]byte(`{"Error Message": "Invalid API call."}`), Request{Symbol: "AAPL"})
	require.Error(t, err)
	assert.False(t, market.IsRetryable(err))

	_, err = NewAlphaVantage("k").Normalize([]byte(`{"Note": "API call frequency exceeded"}`), Request{Symbol: "AAPL"})
	require.Error(t, err)
	assert.True(t, market.IsRetryable(err), "rate-limit note is retryable")
}

func TestAlphaVantageNormalizeDaily(t *testing.T) {
	payload := []byte(`{"Meta Data":{},"Time Series (Daily)":{
		"2024-11-26": {"1. open":"100.0","2. high":"101.0","3. low":"99.5","4. close":"100.5","5. volume":"1000"}
	}}`)
	res, err := NewAlphaVantage("k").Normalize(payload, Request{Symbol: "AAPL", Interval: "1d"})
	require.NoError(t, err)
	require.Len(t, res.Bars, 1)
	assert.Equal(t, 100.5, res.Bars[0].Close)
}

func TestCMCNormalizeQuotes(t *testing.T) {
	payload := []byte(`{"status":{"error_code":0},"data":{"BTC":{
		"symbol":"BTC","name":"Bitcoin","quote":{"USD":{
			"price":97000.5,"volume_24h":1e9,"market_cap":1.9e12,
			"percent_change_24h":2.5,"last_updated":"2024-11-26T18:00:00.000Z"}}}}}`)
	res, err := NewCMC("k").Normalize(payload, Request{Op: "quotes", Symbol: "BTC"})
	require.NoError(t, err)
	require.Len(t, res.Quotes, 1)
	q := res.Quotes[0]
	assert.Equal(t, "BTC", q.Symbol)
	assert.Equal(t, 97000.5, q.Price)

	bar := q.Bar()
	assert.Equal(t, q.Price, bar.Open)
	assert.Equal(t, q.Price, bar.Close)
	assert.True(t, bar.Valid())
}

func TestCoinGeckoMarketChartMergesVolumes(t *testing.T) {
	payload := []byte(`{
		"prices":[[1732646400000, 97000.5],[1732650000000, 97100.0]],
		"market_caps":[[1732646400000, 1.9e12]],
		"total_volumes":[[1732646400000, 5e8],[1732650000000, 6e8]]}`)
	res, err := NewCoinGecko().Normalize(payload, Request{Op: "market_chart", Symbol: "BTC"})
	require.NoError(t, err)
	require.Len(t, res.Bars, 2)
	assert.Equal(t, 5e8, res.Bars[0].Volume)
	assert.Equal(t, 6e8, res.Bars[1].Volume)
}

func TestDataReaderFredCSV(t *testing.T) {
	payload := []byte("DATE,CPIAUCSL\n2024-10-01,314.686\n2024-11-01,.\n2024-12-01,315.2\n")
	res, err := NewDataReader().Normalize(payload, Request{Symbol: "CPIAUCSL"})
	require.NoError(t, err)
	require.Len(t, res.Events, 2, "missing-value rows are skipped")
	assert.Equal(t, 314.686, res.Events[0].Value)
	assert.Equal(t, "series", res.Events[0].Kind)
}

func TestDataReaderStooqCSV(t *testing.T) {
	payload := []byte("Date,Open,High,Low,Close,Volume\n2024-11-26,100,101,99.5,100.5,1234\n")
	res, err := NewDataReader().Normalize(payload, Request{Symbol: "SPY.US",
		Params: map[string]string{"source": "stooq"}})
	require.NoError(t, err)
	require.Len(t, res.Bars, 1)
	assert.Equal(t, 1234.0, res.Bars[0].Volume)
}

func TestMassiveNormalizeAggs(t *testing.T) {
	payload := []byte(`{"status":"OK","results":[{
		"window_start":1732646400000000000,"open":100,"high":101,"low":99.5,
		"close":100.5,"volume":50,"transactions":7,"dollar_volume":5025,
		"settlement_price":100.4,"ticker":"ESZ4"}]}`)
	res, err := NewMassive("k").Normalize(payload, Request{Op: "aggs", Symbol: "ESZ4"})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, int64(1732646400), res.Events[0].Ts)
	assert.Equal(t, 100.5, res.Events[0].Fields["close"])
	assert.Equal(t, 100.4, res.Events[0].Fields["settlement_price"])
}

func TestMassiveNormalizeTrades(t *testing.T) {
	payload := []byte(`{"results":[{"sip_timestamp":1732646400123000000,"price":100.5,"size":2,"ticker":"ESZ4"}]}`)
	res, err := NewMassive("k").Normalize(payload, Request{Op: "trades", Symbol: "ESZ4"})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, 100.5, res.Events[0].Fields["price"])
}

func TestNewsAPINormalize(t *testing.T) {
	payload := []byte(`{"status":"ok","articles":[{
		"title":"BTC rallies","description":"...","url":"https://example.com/a",
		"publishedAt":"2024-11-26T18:00:00Z","source":{"id":"rt","name":"Reuters"}}]}`)
	res, err := NewNewsAPI("k").Normalize(payload, Request{Op: "everything", Symbol: "BTC"})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "news", res.Events[0].Kind)
	assert.Equal(t, "Reuters", res.Events[0].Fields["source"])
}

func TestTiingoNormalize(t *testing.T) {
	payload := []byte(`[{"date":"2024-11-26T00:00:00.000Z","open":100,"high":101,"low":99.5,"close":100.5,"volume":1000}]`)
	res, err := NewTiingo("k").Normalize(payload, Request{Symbol: "AAPL"})
	require.NoError(t, err)
	require.Len(t, res.Bars, 1)
}
