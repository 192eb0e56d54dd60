package delta

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/fks-trading/fks-data/internal/persistence"
	"github.com/fks-trading/fks-data/internal/stream"
)

const (
	tapBuffer  = 256
	flushBatch = 200
	flushEvery = 2 * time.Second
)

// TickSink persists classified ticks in batches along with the rolling
// binary state per symbol.
type TickSink interface {
	InsertTicks(ctx context.Context, ticks []persistence.TickRow) error
	UpsertBTRState(ctx context.Context, state persistence.BTRState) error
}

// Tap wraps a stream dialer so every trade event also runs through the
// scanner before reaching the hub. Classified ticks are buffered and
// written to sink in batches; a nil sink disables persistence. The
// relay stops when the upstream is closed or ctx is cancelled.
func Tap(ctx context.Context, next stream.Dialer, scanner *Scanner, sink TickSink, log zerolog.Logger) stream.Dialer {
	log = log.With().Str("component", "delta").Logger()
	return func(provider string, events chan<- stream.Event) (stream.Upstream, error) {
		tapped := make(chan stream.Event, tapBuffer)
		up, err := next(provider, tapped)
		if err != nil {
			return nil, err
		}
		done := make(chan struct{})
		go relay(ctx, done, tapped, events, scanner, sink, log)
		return &tappedUpstream{Upstream: up, done: done}, nil
	}
}

type tappedUpstream struct {
	stream.Upstream
	done chan struct{}
}

func (t *tappedUpstream) Close() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	return t.Upstream.Close()
}

func relay(ctx context.Context, done <-chan struct{}, in <-chan stream.Event, out chan<- stream.Event,
	scanner *Scanner, sink TickSink, log zerolog.Logger) {
	var pending []persistence.TickRow
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	flush := func() {
		if sink == nil || len(pending) == 0 {
			pending = pending[:0]
			return
		}
		if err := sink.InsertTicks(ctx, pending); err != nil {
			log.Warn().Err(err).Int("rows", len(pending)).Msg("tick batch insert failed")
		}
		seen := map[string]struct{}{}
		for _, row := range pending {
			seen[row.Symbol] = struct{}{}
		}
		for symbol := range seen {
			state, ok := scanner.State(symbol, DefaultStateDepth)
			if !ok {
				continue
			}
			if err := sink.UpsertBTRState(ctx, state); err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("state upsert failed")
			}
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-done:
			flush()
			return
		case <-ticker.C:
			flush()
		case e := <-in:
			if row, ok := classify(scanner, e); ok {
				pending = append(pending, row)
				if len(pending) >= flushBatch {
					flush()
				}
			}
			select {
			case out <- e:
			case <-ctx.Done():
				flush()
				return
			case <-done:
				flush()
				return
			}
		}
	}
}

// classify runs a trade event through the scanner. Non-trade events and
// baseline-seeding first ticks yield no row.
func classify(scanner *Scanner, e stream.Event) (persistence.TickRow, bool) {
	if e.Type != stream.TypeTrade {
		return persistence.TickRow{}, false
	}
	var p stream.TradePayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return persistence.TickRow{}, false
	}
	tick := Tick{
		Symbol:   e.Symbol,
		Exchange: e.Provider,
		Last:     p.Price,
		Volume:   p.Size,
		Time:     time.Unix(p.Ts, 0).UTC(),
	}
	d, ok := scanner.ScanTick(tick)
	if !ok || d.Direction == 0 {
		return persistence.TickRow{}, false
	}
	return d.Row(tick), true
}
