package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const binanceStreamBase = "wss://fstream.binance.com/stream"

// BinanceWS is the upstream client for Binance futures combined
// streams. Resubscribing reconnects with a new combined-stream URL; the
// listener goroutine normalizes frames onto the hub's event channel.
type BinanceWS struct {
	base   string
	events chan<- Event
	log    zerolog.Logger

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
	gen    int // invalidates listeners from replaced connections
}

// DialBinance is the hub Dialer for provider "binance". The socket is
// dialed lazily on the first Resubscribe, since a combined-stream URL
// needs at least one stream name.
func DialBinance(provider string, events chan<- Event) (Upstream, error) {
	if provider != "binance" {
		return nil, fmt.Errorf("unsupported streaming provider %q", provider)
	}
	return &BinanceWS{base: binanceStreamBase, events: events, log: zerolog.Nop()}, nil
}

// NewBinanceWS builds a client against a custom endpoint (tests).
func NewBinanceWS(base string, events chan<- Event, log zerolog.Logger) *BinanceWS {
	return &BinanceWS{base: base, events: events, log: log.With().Str("component", "binancews").Logger()}
}

// streamName maps a subscription to a Binance combined-stream segment:
// kline for timeframed pairs, aggTrade otherwise.
func streamName(k SubKey) string {
	sym := strings.ToLower(binanceSymbol(k.Symbol))
	if k.Timeframe == "" {
		return sym + "@aggTrade"
	}
	return sym + "@kline_" + k.Timeframe
}

// binanceSymbol renders BTC-USD as BTCUSDT.
func binanceSymbol(symbol string) string {
	upper := strings.ToUpper(symbol)
	for _, sep := range []string{"-", "/", "_"} {
		if i := strings.Index(upper, sep); i > 0 {
			base, quote := upper[:i], upper[i+len(sep):]
			if quote == "USD" || quote == "" {
				quote = "USDT"
			}
			return base + quote
		}
	}
	if strings.HasSuffix(upper, "USD") {
		return upper + "T"
	}
	return upper
}

// Resubscribe replaces the subscription set by reconnecting with the
// new combined-stream URL. The previous socket, if any, is closed and
// its listener generation invalidated.
func (b *BinanceWS) Resubscribe(pairs []SubKey) error {
	names := make([]string, 0, len(pairs))
	for _, p := range pairs {
		names = append(names, streamName(p))
	}
	url := b.base + "?streams=" + strings.Join(names, "/")

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial binance stream: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ws.Close()
		return fmt.Errorf("upstream closed")
	}
	if b.ws != nil {
		b.ws.Close()
	}
	b.ws = ws
	b.gen++
	gen := b.gen
	b.mu.Unlock()

	go b.listen(ws, gen)
	return nil
}

// Close tears the connection down for good.
func (b *BinanceWS) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.ws != nil {
		err := b.ws.Close()
		b.ws = nil
		return err
	}
	return nil
}

func (b *BinanceWS) listen(ws *websocket.Conn, gen int) {
	defer ws.Close()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			b.mu.Lock()
			stale := b.gen != gen || b.closed
			b.mu.Unlock()
			if !stale {
				b.log.Warn().Err(err).Msg("upstream read failed")
			}
			return
		}
		if e, ok := normalizeBinanceFrame(raw); ok {
			select {
			case b.events <- e:
			default:
				// Hub saturated; candle updates repeat, dropping one is safe.
			}
		}
	}
}

// combinedFrame is the {stream, data} envelope of combined streams.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineFrame struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		Start    int64  `json:"t"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

type aggTradeFrame struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	Maker     bool   `json:"m"`
}

// normalizeBinanceFrame converts one upstream frame into a hub event.
// Unrecognized frames (subscription acks, unknown event types) are
// dropped.
func normalizeBinanceFrame(raw []byte) (Event, bool) {
	var frame combinedFrame
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame.Data) == 0 {
		return Event{}, false
	}

	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(frame.Data, &probe); err != nil {
		return Event{}, false
	}

	switch probe.EventType {
	case "kline":
		var k klineFrame
		if err := json.Unmarshal(frame.Data, &k); err != nil {
			return Event{}, false
		}
		payload := OHLCVPayload{
			Ts:       k.Kline.Start / 1000,
			Open:     parseF(k.Kline.Open),
			High:     parseF(k.Kline.High),
			Low:      parseF(k.Kline.Low),
			Close:    parseF(k.Kline.Close),
			Volume:   parseF(k.Kline.Volume),
			IsClosed: k.Kline.Closed,
		}
		data, _ := json.Marshal(payload)
		return Event{
			Type:      TypeOHLCV,
			Provider:  "binance",
			Symbol:    displaySymbol(k.Symbol),
			Timeframe: k.Kline.Interval,
			Data:      data,
		}, true
	case "aggTrade":
		var t aggTradeFrame
		if err := json.Unmarshal(frame.Data, &t); err != nil {
			return Event{}, false
		}
		side := "buy"
		if t.Maker {
			side = "sell"
		}
		payload := TradePayload{
			Ts:    t.TradeTime / 1000,
			Price: parseF(t.Price),
			Size:  parseF(t.Quantity),
			Side:  side,
		}
		data, _ := json.Marshal(payload)
		return Event{
			Type:     TypeTrade,
			Provider: "binance",
			Symbol:   displaySymbol(t.Symbol),
			Data:     data,
		}, true
	}
	return Event{}, false
}

// canonicalSymbol normalizes any client-supplied spelling (BTCUSDT,
// btc-usd, BTC/USDT) to the display form events carry (BTC-USD), so
// subscription matching is insensitive to exchange-native symbols.
func canonicalSymbol(symbol string) string {
	return displaySymbol(binanceSymbol(symbol))
}

// displaySymbol renders BTCUSDT back as BTC-USD, the form clients
// subscribe with.
func displaySymbol(exchange string) string {
	upper := strings.ToUpper(exchange)
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD", "EUR", "BTC"} {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			base := upper[:len(upper)-len(quote)]
			if quote == "USDT" {
				quote = "USD"
			}
			return base + "-" + quote
		}
	}
	return upper
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
