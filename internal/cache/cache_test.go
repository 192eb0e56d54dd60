package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyOf(t *testing.T) {
	assert.Equal(t, "binance:klines:BTCUSDT:1h", KeyOf("binance", "klines", "BTCUSDT", "1h"))
	assert.Equal(t, "price:BTC:any", KeyOf("price", "BTC", "any"))
}

func TestGetMissOnNil(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewRedisWithClient(client)

	mock.ExpectGet("fksdata:absent").RedisNil()

	_, ok := c.Get(context.Background(), "absent")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetHitReturnsEnvelopeData(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewRedisWithClient(client)

	entry := Entry{
		Data:       json.RawMessage(`{"price":42000.5}`),
		StoredAt:   time.Now().UTC(),
		TTLSeconds: 60,
	}
	payload, err := json.Marshal(entry)
	require.NoError(t, err)

	mock.ExpectGet("fksdata:price:BTC:any").SetVal(string(payload))

	data, ok := c.Get(context.Background(), "price:BTC:any")
	require.True(t, ok)
	assert.JSONEq(t, `{"price":42000.5}`, string(data))
	assert.Equal(t, int64(1), c.Stats().Hits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetExpiredEnvelopeIsMiss(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewRedisWithClient(client)

	entry := Entry{
		Data:       json.RawMessage(`{"stale":true}`),
		StoredAt:   time.Now().UTC().Add(-2 * time.Hour),
		TTLSeconds: 60,
	}
	payload, err := json.Marshal(entry)
	require.NoError(t, err)

	mock.ExpectGet("fksdata:old").SetVal(string(payload))

	_, ok := c.Get(context.Background(), "old")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestGetErrorDegradesToMiss(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewRedisWithClient(client)

	mock.ExpectGet("fksdata:broken").SetErr(errors.New("connection reset"))

	_, ok := c.Get(context.Background(), "broken")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Errors)
}

func TestSetStoresEnvelope(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewRedisWithClient(client)

	mock.Regexp().ExpectSet("fksdata:ohlcv:BTC:1h", `\{.+\}`, 5*time.Minute).SetVal("OK")

	c.Set(context.Background(), "ohlcv:BTC:1h", []byte(`[{"ts":1}]`), 5*time.Minute)
	assert.Equal(t, int64(1), c.Stats().Sets)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNoopAlwaysMisses(t *testing.T) {
	var c Cache = Noop{}
	c.Set(context.Background(), "k", []byte("v"), time.Minute)
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.NoError(t, c.Ping(context.Background()))
}
