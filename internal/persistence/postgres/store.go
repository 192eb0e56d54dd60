// Package postgres implements the persistence contracts over
// Postgres/TimescaleDB via sqlx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fks-trading/fks-data/internal/market"
	"github.com/fks-trading/fks-data/internal/persistence"
	"github.com/fks-trading/fks-data/internal/secrets"
)

// ErrDuplicate surfaces unique violations (pq code 23505) on plain
// inserts.
var ErrDuplicate = errors.New("duplicate row")

// Store is the production BarStore / TickStore / QualitySink.
type Store struct {
	db           *sqlx.DB
	timeout      time.Duration
	batchTimeout time.Duration
	log          zerolog.Logger
}

// DSNFromEnv resolves the database DSN: FKS_DB_URL then DATABASE_URL.
func DSNFromEnv() string {
	return secrets.EnvAny("FKS_DB_URL", "DATABASE_URL")
}

// Connect opens the pool and pings it.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an existing pool; used by tests.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:           db,
		timeout:      30 * time.Second,
		batchTimeout: 2 * time.Minute,
		log:          log.With().Str("component", "store").Logger(),
	}
}

// DB exposes the pool for the migration runner.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports pool liveness.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the ohlcv and dataset_splits tables when absent
// and attempts Timescale hypertable conversion. Hypertable failure is
// tolerated: plain Postgres works, it just partitions nothing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS ohlcv (
			source   text NOT NULL,
			symbol   text NOT NULL,
			interval text NOT NULL,
			ts       timestamptz NOT NULL,
			open     double precision NOT NULL,
			high     double precision NOT NULL,
			low      double precision NOT NULL,
			close    double precision NOT NULL,
			volume   double precision NOT NULL,
			PRIMARY KEY (source, symbol, interval, ts))`,
		`CREATE TABLE IF NOT EXISTS dataset_splits (
			source     text NOT NULL,
			symbol     text NOT NULL,
			interval   text NOT NULL,
			split      text NOT NULL,
			start_ts   timestamptz NOT NULL,
			end_ts     timestamptz NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (source, symbol, interval, split))`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`SELECT create_hypertable('ohlcv', 'ts', if_not_exists => TRUE, migrate_data => TRUE)`); err != nil {
		s.log.Debug().Err(err).Msg("hypertable conversion unavailable, continuing on plain table")
	}
	return nil
}

// UpsertBars writes bars in one transaction with ON CONFLICT DO UPDATE
// on the canonical key; updates overwrite the OHLCV fields (last writer
// wins per ts). Invalid bars are skipped and counted. Returns rows
// written.
func (s *Store) UpsertBars(ctx context.Context, source, symbol, interval string, bars []market.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.batchTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ohlcv (source, symbol, interval, ts, open, high, low, close, volume)
		VALUES ($1, $2, $3, to_timestamp($4), $5, $6, $7, $8, $9)
		ON CONFLICT (source, symbol, interval, ts) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			close = EXCLUDED.close, volume = EXCLUDED.volume`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	written, skipped := 0, 0
	for _, bar := range bars {
		if !bar.Valid() {
			skipped++
			continue
		}
		if _, err := stmt.ExecContext(ctx, source, symbol, interval,
			bar.Ts, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume); err != nil {
			return written, fmt.Errorf("upsert bar ts=%d: %w", bar.Ts, err)
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}
	if skipped > 0 {
		s.log.Warn().Int("skipped", skipped).Str("symbol", symbol).Msg("invalid bars dropped during upsert")
	}
	return written, nil
}

// MaterializeSplits upserts split boundaries on their composite key.
func (s *Store) MaterializeSplits(ctx context.Context, source, symbol, interval string, splits []persistence.Split) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin splits tx: %w", err)
	}
	defer tx.Rollback()

	for _, split := range splits {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dataset_splits (source, symbol, interval, split, start_ts, end_ts)
			VALUES ($1, $2, $3, $4, to_timestamp($5), to_timestamp($6))
			ON CONFLICT (source, symbol, interval, split) DO UPDATE SET
				start_ts = EXCLUDED.start_ts, end_ts = EXCLUDED.end_ts, created_at = now()`,
			source, symbol, interval, split.Name, split.StartTs, split.EndTs); err != nil {
			return fmt.Errorf("upsert split %s: %w", split.Name, err)
		}
	}
	return tx.Commit()
}

type barRow struct {
	Ts     time.Time `db:"ts"`
	Open   float64   `db:"open"`
	High   float64   `db:"high"`
	Low    float64   `db:"low"`
	Close  float64   `db:"close"`
	Volume float64   `db:"volume"`
	Source string    `db:"source"`
}

// FetchRange returns bars ascending by ts; bounds are inclusive.
func (s *Store) FetchRange(ctx context.Context, provider, symbol, interval string, startTs, endTs int64) ([]market.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []barRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT source, ts, open, high, low, close, volume
		FROM ohlcv
		WHERE source = $1 AND symbol = $2 AND interval = $3
		  AND ts >= to_timestamp($4) AND ts <= to_timestamp($5)
		ORDER BY ts ASC`,
		provider, symbol, interval, startTs, endTs)
	if err != nil {
		return nil, fmt.Errorf("fetch range: %w", err)
	}

	bars := make([]market.Bar, 0, len(rows))
	for _, r := range rows {
		bars = append(bars, market.Bar{
			Ts: r.Ts.UTC().Unix(), Open: r.Open, High: r.High, Low: r.Low,
			Close: r.Close, Volume: r.Volume, Provider: r.Source,
		})
	}
	return bars, nil
}

// Latest returns the most recent bar, or market.ErrNoData.
func (s *Store) Latest(ctx context.Context, provider, symbol, interval string) (*market.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var r barRow
	err := s.db.GetContext(ctx, &r, `
		SELECT source, ts, open, high, low, close, volume
		FROM ohlcv
		WHERE source = $1 AND symbol = $2 AND interval = $3
		ORDER BY ts DESC
		LIMIT 1`,
		provider, symbol, interval)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, market.ErrNoData
		}
		return nil, fmt.Errorf("latest bar: %w", err)
	}
	return &market.Bar{
		Ts: r.Ts.UTC().Unix(), Open: r.Open, High: r.High, Low: r.Low,
		Close: r.Close, Volume: r.Volume, Provider: r.Source,
	}, nil
}

// InsertTicks batch-inserts into the tick_data hypertable.
func (s *Store) InsertTicks(ctx context.Context, ticks []persistence.TickRow) error {
	if len(ticks) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.batchTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ticks tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tick_data (time, symbol, exchange, bid, ask, last, volume,
			spread, price_delta, delta_pct, direction, is_micro_change, binary_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`)
	if err != nil {
		return fmt.Errorf("prepare tick insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx, t.Time, t.Symbol, t.Exchange, t.Bid, t.Ask,
			t.Last, t.Volume, t.Spread, t.PriceDelta, t.DeltaPct, t.Direction,
			t.IsMicroChange, t.BinaryValue); err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return fmt.Errorf("%w: %v", ErrDuplicate, err)
			}
			return fmt.Errorf("insert tick: %w", err)
		}
	}
	return tx.Commit()
}

// UpsertBTRState writes one precomputed binary state row keyed by
// (symbol, exchange, time).
func (s *Store) UpsertBTRState(ctx context.Context, state persistence.BTRState) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO btr_states (symbol, exchange, time, state_sequence, depth, next_move_prob, prediction)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol, exchange, time) DO UPDATE SET
			state_sequence = EXCLUDED.state_sequence, depth = EXCLUDED.depth,
			next_move_prob = EXCLUDED.next_move_prob, prediction = EXCLUDED.prediction`,
		state.Symbol, state.Exchange, state.Time, state.StateSeq,
		state.Depth, state.NextMoveProb, state.Prediction)
	if err != nil {
		return fmt.Errorf("upsert btr state: %w", err)
	}
	return nil
}

// LatestBTRStates returns the newest state rows for a symbol.
func (s *Store) LatestBTRStates(ctx context.Context, symbol string, limit int) ([]persistence.BTRState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}
	var rows []persistence.BTRState
	err := s.db.SelectContext(ctx, &rows, `
		SELECT symbol, exchange, time, state_sequence, depth, next_move_prob, prediction
		FROM btr_states
		WHERE symbol = $1
		ORDER BY time DESC
		LIMIT $2`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("latest btr states: %w", err)
	}
	return rows, nil
}

// InsertQualityScore appends one composite score row.
func (s *Store) InsertQualityScore(ctx context.Context, row persistence.QualityRow) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO data_quality_scores (time, symbol, overall, status,
			component_scores, issues, issue_count, check_duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.Time, row.Symbol, row.Overall, row.Status,
		row.ComponentScores, row.Issues, row.IssueCount, row.CheckDurationMs)
	if err != nil {
		return fmt.Errorf("insert quality score: %w", err)
	}
	return nil
}
