package stream

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// SubKey identifies one upstream subscription. Timeframe is empty for
// trade and quote streams.
type SubKey struct {
	Symbol    string
	Timeframe string
}

// Upstream is a live exchange connection the hub drives. Resubscribe
// replaces the full subscription set.
type Upstream interface {
	Resubscribe(pairs []SubKey) error
	Close() error
}

// Dialer opens an upstream for a provider, delivering normalized events
// on the channel until closed.
type Dialer func(provider string, events chan<- Event) (Upstream, error)

type connState struct {
	symbols    map[string]struct{}
	timeframes map[string]struct{}
	provider   string
}

type cmdKind int

const (
	cmdRegister cmdKind = iota
	cmdUnregister
	cmdSubscribe
	cmdUnsubscribe
)

type command struct {
	kind cmdKind
	c    *conn
	msg  ClientMessage
}

// Hub owns every connection's subscription state. All mutation happens
// inside Run's loop; readers and upstreams only send on channels.
type Hub struct {
	commands chan command
	events   chan Event
	conns    map[*conn]*connState
	upstream map[string]Upstream
	lastSubs map[string]string // provider -> canonical pair-set fingerprint
	dialer   Dialer
	upgrader websocket.Upgrader
	log      zerolog.Logger
	now      func() time.Time
}

// NewHub builds a hub. dialer may be nil, disabling upstreams (events
// can still be injected with Publish).
func NewHub(dialer Dialer, log zerolog.Logger) *Hub {
	return &Hub{
		commands: make(chan command, 64),
		events:   make(chan Event, 256),
		conns:    make(map[*conn]*connState),
		upstream: make(map[string]Upstream),
		lastSubs: make(map[string]string),
		dialer:   dialer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.With().Str("component", "stream").Logger(),
		now: time.Now,
	}
}

// Publish injects a normalized event, e.g. from the delta scanner.
// Never blocks; drops when the hub is saturated.
func (h *Hub) Publish(e Event) {
	select {
	case h.events <- e:
	default:
		h.log.Warn().Str("symbol", e.Symbol).Msg("event dropped, hub saturated")
	}
}

// Run processes commands and events until ctx ends, then closes every
// connection and upstream.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.conns {
				c.closeSend()
			}
			for name, up := range h.upstream {
				up.Close()
				delete(h.upstream, name)
			}
			return
		case cmd := <-h.commands:
			h.handle(cmd)
		case e := <-h.events:
			h.dispatch(e)
		}
	}
}

func (h *Hub) handle(cmd command) {
	switch cmd.kind {
	case cmdRegister:
		h.conns[cmd.c] = &connState{
			symbols:    make(map[string]struct{}),
			timeframes: make(map[string]struct{}),
		}
		cmd.c.trySend(statusMessage(h.now(), "connected"))
	case cmdUnregister:
		st, ok := h.conns[cmd.c]
		if !ok {
			return
		}
		delete(h.conns, cmd.c)
		cmd.c.closeSend()
		if st.provider != "" {
			h.syncUpstream(st.provider)
		}
	case cmdSubscribe:
		h.subscribe(cmd.c, cmd.msg)
	case cmdUnsubscribe:
		h.unsubscribe(cmd.c, cmd.msg)
	}
}

func (h *Hub) subscribe(c *conn, msg ClientMessage) {
	st, ok := h.conns[c]
	if !ok {
		return
	}
	provider := msg.Provider
	if provider == "" {
		provider = "binance"
	}
	if st.provider != "" && st.provider != provider {
		// Switching providers drops the old subscription set.
		old := st.provider
		st.symbols = make(map[string]struct{})
		st.timeframes = make(map[string]struct{})
		st.provider = provider
		h.syncUpstream(old)
	} else {
		st.provider = provider
	}
	for _, s := range msg.Symbols {
		st.symbols[canonicalSymbol(s)] = struct{}{}
	}
	for _, tf := range msg.Timeframes {
		st.timeframes[tf] = struct{}{}
	}
	c.trySend(statusMessage(h.now(), "subscribed"))
	h.syncUpstream(provider)
}

func (h *Hub) unsubscribe(c *conn, msg ClientMessage) {
	st, ok := h.conns[c]
	if !ok {
		return
	}
	if len(msg.Symbols) == 0 && len(msg.Timeframes) == 0 {
		st.symbols = make(map[string]struct{})
		st.timeframes = make(map[string]struct{})
	}
	for _, s := range msg.Symbols {
		delete(st.symbols, canonicalSymbol(s))
	}
	for _, tf := range msg.Timeframes {
		delete(st.timeframes, tf)
	}
	c.trySend(statusMessage(h.now(), "unsubscribed"))
	if st.provider != "" {
		h.syncUpstream(st.provider)
	}
}

// union computes the provider's full (symbol, timeframe) subscription
// set across all connections, sorted for a stable fingerprint.
func (h *Hub) union(provider string) []SubKey {
	set := make(map[SubKey]struct{})
	for _, st := range h.conns {
		if st.provider != provider {
			continue
		}
		for sym := range st.symbols {
			if len(st.timeframes) == 0 {
				set[SubKey{Symbol: sym}] = struct{}{}
				continue
			}
			for tf := range st.timeframes {
				set[SubKey{Symbol: sym, Timeframe: tf}] = struct{}{}
			}
		}
	}
	out := make([]SubKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out
}

// syncUpstream reconciles the provider's upstream connection with the
// current union: dial on first subscriber, resubscribe on change, tear
// down when the last subscriber leaves.
func (h *Hub) syncUpstream(provider string) {
	if h.dialer == nil {
		return
	}
	pairs := h.union(provider)
	fp := fingerprint(pairs)

	up, connected := h.upstream[provider]
	switch {
	case len(pairs) == 0:
		if connected {
			up.Close()
			delete(h.upstream, provider)
			delete(h.lastSubs, provider)
			h.log.Info().Str("provider", provider).Msg("upstream torn down")
		}
		return
	case !connected:
		dialed, err := h.dialer(provider, h.events)
		if err != nil {
			h.log.Error().Err(err).Str("provider", provider).Msg("upstream dial failed")
			return
		}
		h.upstream[provider] = dialed
		up = dialed
	}

	if h.lastSubs[provider] == fp {
		return
	}
	if err := up.Resubscribe(pairs); err != nil {
		h.log.Error().Err(err).Str("provider", provider).Msg("upstream resubscribe failed")
		return
	}
	h.lastSubs[provider] = fp
	h.log.Debug().Str("provider", provider).Int("pairs", len(pairs)).Msg("upstream resubscribed")
}

func fingerprint(pairs []SubKey) string {
	out := ""
	for _, p := range pairs {
		out += p.Symbol + "@" + p.Timeframe + ";"
	}
	return out
}

// dispatch fans one event out to matching subscribers. A peer whose
// buffer is full is dead weight: close it and drop it from the
// registry so a slow consumer cannot stall the rest.
func (h *Hub) dispatch(e Event) {
	msg := e.frame(h.now())
	for c, st := range h.conns {
		if e.Provider != "" && st.provider != e.Provider {
			continue
		}
		if _, ok := st.symbols[e.Symbol]; !ok {
			continue
		}
		if e.Timeframe != "" {
			if _, ok := st.timeframes[e.Timeframe]; !ok {
				continue
			}
		}
		if !c.trySend(msg) {
			h.log.Warn().Msg("slow websocket peer dropped")
			delete(h.conns, c)
			c.closeSend()
			if st.provider != "" {
				h.syncUpstream(st.provider)
			}
		}
	}
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := newConn(ws, h)
	h.commands <- command{kind: cmdRegister, c: c}
	go c.writeLoop()
	go c.readLoop()
}
