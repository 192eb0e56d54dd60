package validate

import (
	"fmt"
	"sort"
	"time"

	"github.com/fks-trading/fks-data/internal/market"
)

// Freshness statuses.
const (
	StatusFresh    = "fresh"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// FreshnessResult reports the age of the newest point and any interval
// gaps.
type FreshnessResult struct {
	Symbol            string  `json:"symbol"`
	LastTs            int64   `json:"last_ts"`
	AgeSeconds        float64 `json:"age_seconds"`
	Status            string  `json:"status"`
	GapsDetected      int     `json:"gaps_detected"`
	ExpectedFrequency string  `json:"expected_frequency"`
}

// FreshnessMonitor grades data age against thresholds and detects gaps
// by comparing consecutive deltas to the expected interval.
type FreshnessMonitor struct {
	FreshAfter    time.Duration // upper bound for "fresh", default 5m
	CriticalAfter time.Duration // upper bound for "warning", default 15m
	GapTolerance  float64       // gap when delta > expected * tolerance, default 1.5
}

// NewFreshnessMonitor applies the default thresholds.
func NewFreshnessMonitor() *FreshnessMonitor {
	return &FreshnessMonitor{
		FreshAfter:    5 * time.Minute,
		CriticalAfter: 15 * time.Minute,
		GapTolerance:  1.5,
	}
}

// Check grades timestamps (seconds UTC, any order) for symbol against
// the expected frequency and reference time now.
func (m *FreshnessMonitor) Check(symbol string, timestamps []int64, frequency string, now time.Time) (FreshnessResult, error) {
	expected, err := market.IntervalDuration(frequency)
	if err != nil {
		return FreshnessResult{}, fmt.Errorf("freshness check: %w", err)
	}
	res := FreshnessResult{Symbol: symbol, Status: StatusCritical, ExpectedFrequency: frequency}
	if len(timestamps) == 0 {
		return res, nil
	}

	sorted := append([]int64(nil), timestamps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	res.LastTs = sorted[len(sorted)-1]
	res.AgeSeconds = now.Sub(time.Unix(res.LastTs, 0)).Seconds()

	age := time.Duration(res.AgeSeconds * float64(time.Second))
	switch {
	case age <= m.FreshAfter:
		res.Status = StatusFresh
	case age <= m.CriticalAfter:
		res.Status = StatusWarning
	}

	limit := expected.Seconds() * m.GapTolerance
	for i := 1; i < len(sorted); i++ {
		if float64(sorted[i]-sorted[i-1]) > limit {
			res.GapsDetected++
		}
	}
	return res, nil
}
