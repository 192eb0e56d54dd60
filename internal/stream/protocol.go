// Package stream fans live market events out to WebSocket clients. A
// single hub goroutine owns all subscription state; upstream exchange
// connections are dialed on demand and torn down when the last
// subscriber leaves.
package stream

import (
	"encoding/json"
	"time"
)

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Server message types.
const (
	TypeStatus = "status"
	TypePong   = "pong"
	TypeOHLCV  = "ohlcv"
	TypeTrade  = "trade"
	TypeQuote  = "quote"
	TypeError  = "error"
)

// ClientMessage is the client→server frame.
type ClientMessage struct {
	Action     string   `json:"action"`
	Symbols    []string `json:"symbols,omitempty"`
	Timeframes []string `json:"timeframes,omitempty"`
	Provider   string   `json:"provider,omitempty"`
}

// ServerMessage is the server→client frame.
type ServerMessage struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol,omitempty"`
	Timeframe string          `json:"timeframe,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// OHLCVPayload is the normalized candle event body.
type OHLCVPayload struct {
	Ts       int64   `json:"ts"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	IsClosed bool    `json:"is_closed"`
}

// TradePayload is the normalized trade event body.
type TradePayload struct {
	Ts    int64   `json:"ts"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	Side  string  `json:"side,omitempty"`
}

// Event is one normalized upstream message addressed to subscribers of
// (Symbol, Timeframe). Timeframe is empty for trades and quotes.
type Event struct {
	Type      string
	Provider  string
	Symbol    string
	Timeframe string
	Data      json.RawMessage
}

// frame renders the event as the wire message.
func (e Event) frame(now time.Time) ServerMessage {
	return ServerMessage{
		Type:      e.Type,
		Symbol:    e.Symbol,
		Timeframe: e.Timeframe,
		Provider:  e.Provider,
		Data:      e.Data,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

func statusMessage(now time.Time, msg string) ServerMessage {
	return ServerMessage{Type: TypeStatus, Message: msg, Timestamp: now.UTC().Format(time.RFC3339)}
}

func errorMessage(now time.Time, msg string) ServerMessage {
	return ServerMessage{Type: TypeError, Message: msg, Timestamp: now.UTC().Format(time.RFC3339)}
}
