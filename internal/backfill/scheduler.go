package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fks-trading/fks-data/internal/market"
	"github.com/fks-trading/fks-data/internal/persistence"
	"github.com/fks-trading/fks-data/internal/providers"
	"github.com/fks-trading/fks-data/internal/validate"
)

// Fetcher is the slice of the provider manager the backfiller needs.
type Fetcher interface {
	GetData(ctx context.Context, req providers.DataRequest) (*market.Result, error)
}

// BarSink is the slice of the bar store the backfiller writes through.
type BarSink interface {
	UpsertBars(ctx context.Context, source, symbol, interval string, bars []market.Bar) (int, error)
	MaterializeSplits(ctx context.Context, source, symbol, interval string, splits []persistence.Split) error
	FetchRange(ctx context.Context, provider, symbol, interval string, startTs, endTs int64) ([]market.Bar, error)
}

// Scheduler drives the chunked historical walk for every enabled asset.
// One pass per asset-interval per tick; the cursor in the registry makes
// the walk resumable across restarts.
type Scheduler struct {
	store   *Store
	fetcher Fetcher
	sink    BarSink
	log     zerolog.Logger

	// CSVRoot is where managed CSVs land; empty disables CSV output.
	CSVRoot string
	// Pause between chunk fetches, to stay under provider budgets on
	// top of the per-client limiter.
	ChunkPause time.Duration
	// Ratios used when a walk completes and splits materialize.
	Ratios SplitRatios

	now func() time.Time
}

// NewScheduler wires the backfill loop. sink may be nil (CSV-only mode).
func NewScheduler(store *Store, fetcher Fetcher, sink BarSink, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		fetcher:    fetcher,
		sink:       sink,
		log:        log.With().Str("component", "backfill").Logger(),
		CSVRoot:    "data/managed",
		ChunkPause: 250 * time.Millisecond,
		Ratios:     DefaultSplitRatios(),
		now:        time.Now,
	}
}

// chunkSpan sizes one fetch window by granularity: sub-hourly data
// walks a day at a time, hourly a week, daily and coarser a month.
func chunkSpan(interval string) time.Duration {
	d, err := market.IntervalDuration(interval)
	if err != nil {
		return 30 * 24 * time.Hour
	}
	switch {
	case d < time.Hour:
		return 24 * time.Hour
	case d >= time.Hour && d < 24*time.Hour:
		return 7 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// Run walks every enabled asset until ctx ends. interval is the pause
// between full passes.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Error().Err(err).Msg("backfill pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce advances every enabled asset-interval by at most one chunk.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	assets, err := s.store.ListAssets()
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}
	for _, a := range assets {
		if !a.Enabled {
			continue
		}
		for _, iv := range a.Intervals {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.stepAsset(ctx, a, iv); err != nil {
				s.log.Warn().Err(err).
					Str("source", a.Source).Str("symbol", a.Symbol).Str("interval", iv).
					Msg("backfill step failed")
			}
			if s.ChunkPause > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.ChunkPause):
				}
			}
		}
	}
	return nil
}

// stepAsset fetches one chunk for (asset, interval) and advances the
// cursor. Empty and all-invalid responses still advance, since a provider
// with no data for a window must not wedge the walk, but transport
// errors leave the cursor put so the window is retried next pass.
func (s *Scheduler) stepAsset(ctx context.Context, a Asset, interval string) error {
	p, err := s.store.ProgressFor(a.ID, interval)
	if err != nil {
		return err
	}
	if p.Done() {
		return s.materialize(ctx, a, interval, p)
	}

	chunkEnd := p.LastCursor.Add(chunkSpan(interval))
	if chunkEnd.After(p.TargetEnd) {
		chunkEnd = p.TargetEnd
	}

	res, err := s.fetcher.GetData(ctx, providers.DataRequest{
		AssetClass:  a.AssetType,
		Asset:       a.Symbol,
		Granularity: interval,
		Start:       p.LastCursor.Unix(),
		End:         chunkEnd.Unix(),
	})
	if err != nil {
		return fmt.Errorf("fetch %s/%s [%s, %s): %w",
			a.Symbol, interval,
			p.LastCursor.Format(time.RFC3339), chunkEnd.Format(time.RFC3339), err)
	}

	// Rows persist under the registry source, not the provider that
	// happened to serve the chunk, so split materialization reads back
	// everything the walk stored.
	stored := 0
	if len(res.Bars) > 0 {
		report := validate.CheckBatch(res.Bars)
		if !report.Usable() {
			s.log.Warn().
				Str("symbol", a.Symbol).Str("interval", interval).
				Float64("missing_pct", report.MissingPct).
				Msg("chunk rejected, walking past it")
		} else {
			if s.sink != nil {
				stored, err = s.sink.UpsertBars(ctx, a.Source, a.Symbol, interval, res.Bars)
				if err != nil {
					return fmt.Errorf("store chunk: %w", err)
				}
			}
			if s.CSVRoot != "" {
				if _, err := AppendBars(s.CSVRoot, a.Source, a.Symbol, interval, res.Bars); err != nil {
					// CSV is a secondary artifact; a write failure must not
					// stall the walk once the database has the rows.
					s.log.Warn().Err(err).Str("symbol", a.Symbol).Msg("csv append failed")
				}
			}
		}
	}

	if err := s.store.AdvanceCursor(a.ID, interval, chunkEnd, stored); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	s.log.Debug().
		Str("symbol", a.Symbol).Str("interval", interval).
		Int("bars", len(res.Bars)).Int("stored", stored).
		Time("cursor", chunkEnd).
		Msg("backfill chunk")

	next, err := s.store.ProgressFor(a.ID, interval)
	if err == nil && next.Done() {
		return s.materialize(ctx, a, interval, next)
	}
	return nil
}

// materialize computes and records train/val/test splits once a walk
// has covered its target window. Re-running is idempotent upstream.
func (s *Scheduler) materialize(ctx context.Context, a Asset, interval string, p Progress) error {
	if s.sink == nil {
		return nil
	}
	bars, err := s.sink.FetchRange(ctx, a.Source, a.Symbol, interval,
		p.TargetStart.Unix(), p.TargetEnd.Unix())
	if err != nil {
		return fmt.Errorf("load range for splits: %w", err)
	}
	if len(bars) == 0 {
		return nil
	}
	ts := make([]int64, len(bars))
	for i, b := range bars {
		ts[i] = b.Ts
	}
	ranges, err := ComputeTimeSplits(ts, s.Ratios)
	if err != nil {
		return err
	}
	splits := make([]persistence.Split, 0, len(ranges))
	for _, r := range ranges {
		splits = append(splits, persistence.Split{Name: r.Kind, StartTs: r.Start, EndTs: r.End})
	}
	if err := s.sink.MaterializeSplits(ctx, a.Source, a.Symbol, interval, splits); err != nil {
		return fmt.Errorf("materialize splits: %w", err)
	}
	if s.CSVRoot != "" {
		if err := WriteSplitCSVs(s.CSVRoot, a.Source, a.Symbol, interval, bars, ranges); err != nil {
			s.log.Warn().Err(err).Str("symbol", a.Symbol).Msg("split csv write failed")
		}
	}
	s.log.Info().
		Str("symbol", a.Symbol).Str("interval", interval).
		Int("rows", len(bars)).Int("splits", len(splits)).
		Msg("backfill complete, splits materialized")
	return nil
}
