// Package persistence defines the storage contracts the service writes
// through: the idempotent OHLCV store, tick and state tables, and the
// quality-score sink. The postgres subpackage is the production
// implementation.
package persistence

import (
	"context"
	"time"

	"github.com/fks-trading/fks-data/internal/market"
)

// Split is one labeled contiguous time range of a dataset.
type Split struct {
	Name    string `json:"split" db:"split"`
	StartTs int64  `json:"start_ts"`
	EndTs   int64  `json:"end_ts"`
}

// TickRow is one row of the tick_data hypertable.
type TickRow struct {
	Time          time.Time `db:"time"`
	Symbol        string    `db:"symbol"`
	Exchange      string    `db:"exchange"`
	Bid           float64   `db:"bid"`
	Ask           float64   `db:"ask"`
	Last          float64   `db:"last"`
	Volume        float64   `db:"volume"`
	Spread        float64   `db:"spread"`
	PriceDelta    float64   `db:"price_delta"`
	DeltaPct      float64   `db:"delta_pct"`
	Direction     int16     `db:"direction"`
	IsMicroChange bool      `db:"is_micro_change"`
	BinaryValue   string    `db:"binary_value"`
}

// BTRState is one precomputed binary state sequence row.
type BTRState struct {
	Symbol       string    `db:"symbol" json:"symbol"`
	Exchange     string    `db:"exchange" json:"exchange"`
	Time         time.Time `db:"time" json:"time"`
	StateSeq     string    `db:"state_sequence" json:"state_sequence"`
	Depth        int16     `db:"depth" json:"depth"`
	NextMoveProb float64   `db:"next_move_prob" json:"next_move_prob"`
	Prediction   string    `db:"prediction" json:"prediction"`
}

// QualityRow is the persisted form of a composite quality score.
type QualityRow struct {
	Time            time.Time `db:"time"`
	Symbol          string    `db:"symbol"`
	Overall         float64   `db:"overall"`
	Status          string    `db:"status"`
	ComponentScores []byte    `db:"component_scores"`
	Issues          []byte    `db:"issues"`
	IssueCount      int       `db:"issue_count"`
	CheckDurationMs float64   `db:"check_duration_ms"`
}

// BarStore is the canonical OHLCV surface. All writes are idempotent on
// (source, symbol, interval, ts).
type BarStore interface {
	EnsureSchema(ctx context.Context) error
	UpsertBars(ctx context.Context, source, symbol, interval string, bars []market.Bar) (int, error)
	MaterializeSplits(ctx context.Context, source, symbol, interval string, splits []Split) error
	FetchRange(ctx context.Context, provider, symbol, interval string, startTs, endTs int64) ([]market.Bar, error)
	Latest(ctx context.Context, provider, symbol, interval string) (*market.Bar, error)
}

// TickStore covers the high-frequency tables.
type TickStore interface {
	InsertTicks(ctx context.Context, ticks []TickRow) error
	UpsertBTRState(ctx context.Context, state BTRState) error
	LatestBTRStates(ctx context.Context, symbol string, limit int) ([]BTRState, error)
}

// QualitySink persists composite quality scores.
type QualitySink interface {
	InsertQualityScore(ctx context.Context, row QualityRow) error
}
