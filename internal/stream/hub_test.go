package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	mu     sync.Mutex
	subs   [][]SubKey
	closed bool
}

func (f *fakeUpstream) Resubscribe(pairs []SubKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, pairs)
	return nil
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeUpstream) lastSubs() []SubKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeUpstream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func startHub(t *testing.T, dialer Dialer) *Hub {
	t.Helper()
	h := NewHub(dialer, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// hubConn attaches a connection without a real socket; messages arrive
// on c.send.
func hubConn(h *Hub) *conn {
	c := newConn(nil, h)
	h.commands <- command{kind: cmdRegister, c: c}
	return c
}

func recvMsg(t *testing.T, c *conn) ServerMessage {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message within deadline")
		return ServerMessage{}
	}
}

func TestSubscribeUnionAndTeardown(t *testing.T) {
	up := &fakeUpstream{}
	dials := 0
	h := startHub(t, func(provider string, _ chan<- Event) (Upstream, error) {
		dials++
		assert.Equal(t, "binance", provider)
		return up, nil
	})

	a := hubConn(h)
	b := hubConn(h)
	assert.Equal(t, TypeStatus, recvMsg(t, a).Type)
	assert.Equal(t, TypeStatus, recvMsg(t, b).Type)

	h.commands <- command{kind: cmdSubscribe, c: a, msg: ClientMessage{
		Action: ActionSubscribe, Symbols: []string{"BTC-USD"}, Timeframes: []string{"1m"}}}
	recvMsg(t, a)

	h.commands <- command{kind: cmdSubscribe, c: b, msg: ClientMessage{
		Action: ActionSubscribe, Symbols: []string{"ETH-USD"}, Timeframes: []string{"1m"}}}
	recvMsg(t, b)

	require.Eventually(t, func() bool { return len(up.lastSubs()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []SubKey{
		{Symbol: "BTC-USD", Timeframe: "1m"},
		{Symbol: "ETH-USD", Timeframe: "1m"},
	}, up.lastSubs())
	assert.Equal(t, 1, dials, "one upstream serves every client")

	// First client leaves; union shrinks but upstream stays.
	h.commands <- command{kind: cmdUnregister, c: a}
	require.Eventually(t, func() bool { return len(up.lastSubs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, up.isClosed())

	// Last client leaves; upstream torn down.
	h.commands <- command{kind: cmdUnregister, c: b}
	require.Eventually(t, up.isClosed, 2*time.Second, 10*time.Millisecond)
}

func TestUnchangedUnionSkipsResubscribe(t *testing.T) {
	up := &fakeUpstream{}
	h := startHub(t, func(string, chan<- Event) (Upstream, error) { return up, nil })

	a := hubConn(h)
	recvMsg(t, a)
	sub := ClientMessage{Action: ActionSubscribe, Symbols: []string{"BTC-USD"}, Timeframes: []string{"1m"}}
	h.commands <- command{kind: cmdSubscribe, c: a, msg: sub}
	recvMsg(t, a)
	require.Eventually(t, func() bool { return len(up.subs) == 1 }, 2*time.Second, 10*time.Millisecond)

	// Identical subscribe changes nothing upstream.
	h.commands <- command{kind: cmdSubscribe, c: a, msg: sub}
	recvMsg(t, a)
	time.Sleep(50 * time.Millisecond)
	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Len(t, up.subs, 1)
}

func TestDispatchFiltersBySubscription(t *testing.T) {
	h := startHub(t, nil)

	sub := hubConn(h)
	other := hubConn(h)
	recvMsg(t, sub)
	recvMsg(t, other)

	h.commands <- command{kind: cmdSubscribe, c: sub, msg: ClientMessage{
		Symbols: []string{"BTC-USD"}, Timeframes: []string{"1m"}}}
	recvMsg(t, sub)
	h.commands <- command{kind: cmdSubscribe, c: other, msg: ClientMessage{
		Symbols: []string{"ETH-USD"}, Timeframes: []string{"1m"}}}
	recvMsg(t, other)

	data, _ := json.Marshal(OHLCVPayload{Ts: 1732646400, Open: 100, High: 101, Low: 99.5, Close: 100.5, Volume: 123.45, IsClosed: true})
	h.Publish(Event{Type: TypeOHLCV, Provider: "binance", Symbol: "BTC-USD", Timeframe: "1m", Data: data})

	msg := recvMsg(t, sub)
	assert.Equal(t, TypeOHLCV, msg.Type)
	assert.Equal(t, "BTC-USD", msg.Symbol)
	assert.Equal(t, "1m", msg.Timeframe)

	var payload OHLCVPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, int64(1732646400), payload.Ts)
	assert.True(t, payload.IsClosed)

	select {
	case got := <-other.send:
		t.Fatalf("unsubscribed peer received %v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExchangeNativeSubscriptionReceivesEvents(t *testing.T) {
	h := startHub(t, nil)

	c := hubConn(h)
	recvMsg(t, c)

	// Subscribing with the exchange-native spelling must match the
	// normalized symbol upstream frames carry.
	h.commands <- command{kind: cmdSubscribe, c: c, msg: ClientMessage{
		Symbols: []string{"BTCUSDT"}, Timeframes: []string{"1m"}}}
	recvMsg(t, c)

	frame := `{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT",` +
		`"k":{"t":1732646400000,"i":"1m","o":"100.0","h":"101.0","l":"99.5","c":"100.5","v":"123.45","x":true}}}`
	e, ok := normalizeBinanceFrame([]byte(frame))
	require.True(t, ok)
	h.Publish(e)

	msg := recvMsg(t, c)
	assert.Equal(t, TypeOHLCV, msg.Type)
	assert.Equal(t, "BTC-USD", msg.Symbol)
	assert.Equal(t, "1m", msg.Timeframe)

	// Unsubscribing with the same native spelling clears the pair.
	h.commands <- command{kind: cmdUnsubscribe, c: c, msg: ClientMessage{
		Symbols: []string{"BTCUSDT"}}}
	recvMsg(t, c)
	h.Publish(e)
	select {
	case got := <-c.send:
		t.Fatalf("unsubscribed peer received %v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCanonicalSymbol(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT": "BTC-USD",
		"btcusdt": "BTC-USD",
		"BTC-USD": "BTC-USD",
		"BTC/USD": "BTC-USD",
		"ETH-BTC": "ETH-BTC",
		"AAPL":    "AAPL",
	}
	for in, want := range cases {
		assert.Equal(t, want, canonicalSymbol(in), in)
	}
}

func TestSlowPeerDropped(t *testing.T) {
	h := startHub(t, nil)

	c := hubConn(h)
	recvMsg(t, c)
	h.commands <- command{kind: cmdSubscribe, c: c, msg: ClientMessage{
		Symbols: []string{"BTC-USD"}, Timeframes: []string{"1m"}}}
	// Do not drain: fill the buffer past capacity.
	data, _ := json.Marshal(OHLCVPayload{Ts: 1})
	for i := 0; i < sendBuffer+8; i++ {
		h.Publish(Event{Type: TypeOHLCV, Symbol: "BTC-USD", Timeframe: "1m", Data: data})
	}
	// The hub closes the send channel when it drops the peer.
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-c.send:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEndToEndWebSocket(t *testing.T) {
	h := startHub(t, nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	var msg ServerMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, TypeStatus, msg.Type)
	assert.Equal(t, "connected", msg.Message)

	require.NoError(t, ws.WriteJSON(ClientMessage{
		Action: ActionSubscribe, Symbols: []string{"BTC-USD"}, Timeframes: []string{"1m"}}))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "subscribed", msg.Message)

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionPing}))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, TypePong, msg.Type)

	data, _ := json.Marshal(OHLCVPayload{Ts: 1732646400, Close: 100.5, IsClosed: true})
	h.Publish(Event{Type: TypeOHLCV, Symbol: "BTC-USD", Timeframe: "1m", Data: data})
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, TypeOHLCV, msg.Type)
	assert.NotEmpty(t, msg.Timestamp)

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: "bogus"}))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, TypeError, msg.Type)
}

func TestStreamNames(t *testing.T) {
	assert.Equal(t, "btcusdt@kline_1m", streamName(SubKey{Symbol: "BTC-USD", Timeframe: "1m"}))
	assert.Equal(t, "ethusdt@aggTrade", streamName(SubKey{Symbol: "ETH-USD"}))
	assert.Equal(t, "btcusdt@kline_1h", streamName(SubKey{Symbol: "BTCUSD", Timeframe: "1h"}))
	assert.Equal(t, "solusdc@kline_1m", streamName(SubKey{Symbol: "SOL/USDC", Timeframe: "1m"}))
}

func TestDisplaySymbol(t *testing.T) {
	assert.Equal(t, "BTC-USD", displaySymbol("BTCUSDT"))
	assert.Equal(t, "ETH-BTC", displaySymbol("ETHBTC"))
	assert.Equal(t, "WEIRD", displaySymbol("WEIRD"))
}

func TestNormalizeBinanceFrames(t *testing.T) {
	kline := `{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT",
		"k":{"t":1732646400000,"i":"1m","o":"100.0","h":"101.0","l":"99.5","c":"100.5","v":"123.45","x":true}}}`
	e, ok := normalizeBinanceFrame([]byte(kline))
	require.True(t, ok)
	assert.Equal(t, TypeOHLCV, e.Type)
	assert.Equal(t, "BTC-USD", e.Symbol)
	assert.Equal(t, "1m", e.Timeframe)

	var p OHLCVPayload
	require.NoError(t, json.Unmarshal(e.Data, &p))
	assert.Equal(t, int64(1732646400), p.Ts)
	assert.Equal(t, 100.0, p.Open)
	assert.Equal(t, 100.5, p.Close)
	assert.True(t, p.IsClosed)

	trade := `{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","s":"BTCUSDT","p":"50000.5","q":"0.25","T":1732646400123,"m":true}}`
	e, ok = normalizeBinanceFrame([]byte(trade))
	require.True(t, ok)
	assert.Equal(t, TypeTrade, e.Type)
	var tp TradePayload
	require.NoError(t, json.Unmarshal(e.Data, &tp))
	assert.Equal(t, 50000.5, tp.Price)
	assert.Equal(t, "sell", tp.Side)
	assert.Equal(t, int64(1732646400), tp.Ts)

	// Subscription acks and junk frames are dropped silently.
	_, ok = normalizeBinanceFrame([]byte(`{"result":null,"id":1}`))
	assert.False(t, ok)
	_, ok = normalizeBinanceFrame([]byte(`not json`))
	assert.False(t, ok)
}
