package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// conn is one attached WebSocket peer. The reader goroutine feeds hub
// commands; the writer goroutine drains send and owns all writes to the
// socket, including keepalive pings.
type conn struct {
	ws   *websocket.Conn
	hub  *Hub
	send chan ServerMessage

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, hub *Hub) *conn {
	return &conn{ws: ws, hub: hub, send: make(chan ServerMessage, sendBuffer)}
}

// trySend queues a message without blocking. False means the peer's
// buffer is full and it should be dropped.
func (c *conn) trySend(msg ServerMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *conn) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readLoop parses client frames until the peer goes away, then
// unregisters.
func (c *conn) readLoop() {
	defer func() {
		c.hub.commands <- command{kind: cmdUnregister, c: c}
		c.ws.Close()
	}()
	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.trySend(errorMessage(c.hub.now(), "malformed message"))
			continue
		}
		switch msg.Action {
		case ActionPing:
			// Protocol-level ping answers directly; no state involved.
			c.trySend(ServerMessage{Type: TypePong, Timestamp: c.hub.now().UTC().Format(time.RFC3339)})
		case ActionSubscribe:
			c.hub.commands <- command{kind: cmdSubscribe, c: c, msg: msg}
		case ActionUnsubscribe:
			c.hub.commands <- command{kind: cmdUnsubscribe, c: c, msg: msg}
		default:
			c.trySend(errorMessage(c.hub.now(), "unknown action "+msg.Action))
		}
	}
}

// writeLoop drains send and emits keepalive pings. Exits when send is
// closed by the hub or a write fails.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
