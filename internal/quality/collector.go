// Package quality runs the composite data-quality pipeline on stored
// series and exports the results as Prometheus metrics, optionally
// persisting each score for trend queries.
package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/fks-trading/fks-data/internal/market"
	"github.com/fks-trading/fks-data/internal/persistence"
	"github.com/fks-trading/fks-data/internal/validate"
)

// metrics holds the exported instruments. One set per collector so
// tests can use private registries.
type metrics struct {
	score    *prometheus.GaugeVec
	age      *prometheus.GaugeVec
	outliers *prometheus.CounterVec
	stale    *prometheus.CounterVec
	duration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		score: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fks_data_quality_score",
			Help: "Latest quality score per symbol and component (overall included).",
		}, []string{"symbol", "component"}),
		age: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fks_data_freshness_age_seconds",
			Help: "Age of the newest stored point per symbol.",
		}, []string{"symbol"}),
		outliers: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fks_data_outliers_detected_total",
			Help: "Outliers flagged per symbol and detection method.",
		}, []string{"symbol", "method"}),
		stale: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fks_data_stale_data_total",
			Help: "Quality checks that found critically stale data.",
		}, []string{"symbol"}),
		duration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "fks_data_quality_check_duration_seconds",
			Help:    "Wall time of one quality check.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Collector wires the validators into one reusable pipeline.
type Collector struct {
	detector     *validate.OutlierDetector
	monitor      *validate.FreshnessMonitor
	completeness *validate.CompletenessValidator
	scorer       *validate.CompositeScorer
	sink         persistence.QualitySink
	metrics      *metrics
	log          zerolog.Logger
	now          func() time.Time
}

// NewCollector builds the default pipeline (z-score outliers on close,
// default freshness and completeness thresholds, 0.3/0.3/0.4 weights).
// sink may be nil to skip persistence; reg may be nil to skip metrics
// registration against the default registry semantics.
func NewCollector(sink persistence.QualitySink, reg prometheus.Registerer, log zerolog.Logger) (*Collector, error) {
	detector, err := validate.NewOutlierDetector(validate.MethodZScore)
	if err != nil {
		return nil, err
	}
	scorer, err := validate.NewCompositeScorer(validate.DefaultWeights())
	if err != nil {
		return nil, err
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Collector{
		detector:     detector,
		monitor:      validate.NewFreshnessMonitor(),
		completeness: validate.NewCompletenessValidator(),
		scorer:       scorer,
		sink:         sink,
		metrics:      newMetrics(reg),
		log:          log.With().Str("component", "quality").Logger(),
		now:          time.Now,
	}, nil
}

// Check grades one symbol's bars, exports the metrics and persists the
// score when a sink is configured. Persistence failures degrade to a
// log line; the score is still returned.
func (c *Collector) Check(ctx context.Context, symbol, interval string, bars []market.Bar) (validate.QualityScore, error) {
	started := c.now()

	closes := make([]float64, len(bars))
	timestamps := make([]int64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		timestamps[i] = b.Ts
	}

	outlier := c.detector.Detect("close", closes)
	freshness, err := c.monitor.Check(symbol, timestamps, interval, c.now())
	if err != nil {
		return validate.QualityScore{}, fmt.Errorf("quality check %s: %w", symbol, err)
	}
	rows, _ := validate.RowsFromBars(bars)
	completeness := c.completeness.Check(symbol, rows, timestamps, interval)

	score := c.scorer.Score(symbol, outlier, len(bars), freshness, completeness, c.now())
	elapsed := c.now().Sub(started)

	c.export(symbol, score, outlier, freshness)
	c.persist(ctx, score, elapsed)

	c.log.Debug().
		Str("symbol", symbol).
		Float64("overall", score.Overall).
		Str("status", score.Status).
		Int("issues", len(score.Issues)).
		Msg("quality check")
	return score, nil
}

// CheckBatch grades many symbols, continuing past per-symbol failures.
// The error aggregates how many symbols failed.
func (c *Collector) CheckBatch(ctx context.Context, interval string, series map[string][]market.Bar) (map[string]validate.QualityScore, error) {
	out := make(map[string]validate.QualityScore, len(series))
	failed := 0
	for symbol, bars := range series {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		score, err := c.Check(ctx, symbol, interval, bars)
		if err != nil {
			failed++
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("quality check failed")
			continue
		}
		out[symbol] = score
	}
	if failed > 0 {
		return out, fmt.Errorf("quality batch: %d of %d symbols failed", failed, len(series))
	}
	return out, nil
}

func (c *Collector) export(symbol string, score validate.QualityScore,
	outlier validate.OutlierResult, freshness validate.FreshnessResult) {

	c.metrics.score.WithLabelValues(symbol, "overall").Set(score.Overall)
	for component, v := range score.Components {
		c.metrics.score.WithLabelValues(symbol, component).Set(v)
	}
	c.metrics.age.WithLabelValues(symbol).Set(freshness.AgeSeconds)
	if outlier.OutlierCount > 0 {
		c.metrics.outliers.WithLabelValues(symbol, outlier.Method).Add(float64(outlier.OutlierCount))
	}
	if freshness.Status == validate.StatusCritical {
		c.metrics.stale.WithLabelValues(symbol).Inc()
	}
}

func (c *Collector) persist(ctx context.Context, score validate.QualityScore, elapsed time.Duration) {
	c.metrics.duration.Observe(elapsed.Seconds())
	if c.sink == nil {
		return
	}
	components, _ := json.Marshal(score.Components)
	issues, _ := json.Marshal(score.Issues)
	row := persistence.QualityRow{
		Time:            score.Timestamp,
		Symbol:          score.Symbol,
		Overall:         score.Overall,
		Status:          score.Status,
		ComponentScores: components,
		Issues:          issues,
		IssueCount:      len(score.Issues),
		CheckDurationMs: float64(elapsed.Microseconds()) / 1000,
	}
	if err := c.sink.InsertQualityScore(ctx, row); err != nil {
		c.log.Warn().Err(err).Str("symbol", score.Symbol).Msg("quality score persist failed")
	}
}
