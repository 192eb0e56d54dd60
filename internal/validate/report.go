package validate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/fks-trading/fks-data/internal/market"
)

// BatchReport summarizes one fetched chunk of bars; the backfill loop
// uses it to decide whether a chunk is worth persisting.
type BatchReport struct {
	Rows                int      `json:"rows"`
	MissingPct          float64  `json:"missing_pct"`
	DuplicateTimestamps int      `json:"duplicate_timestamps"`
	OutlierPct          float64  `json:"outlier_pct"`
	GapCount            int      `json:"gap_count"`
	TimeframeSeconds    int64    `json:"timeframe_seconds"`
	Notes               []string `json:"notes,omitempty"`
}

// Usable is the backfill acceptance rule: a chunk persists when no more
// than half of it is missing.
func (r BatchReport) Usable() bool { return r.MissingPct <= 50 }

// CheckBatch inspects a sorted-or-not chunk of bars. Outliers are |z|>5
// on log returns; gaps are deltas above 2.5x the modal timeframe.
func CheckBatch(bars []market.Bar) BatchReport {
	report := BatchReport{Rows: len(bars)}
	if len(bars) == 0 {
		report.MissingPct = 100
		report.Notes = append(report.Notes, "empty chunk")
		return report
	}

	missing := 0
	seen := make(map[int64]int, len(bars))
	for _, b := range bars {
		if !b.Valid() {
			missing++
		}
		seen[b.Ts]++
	}
	for _, count := range seen {
		if count > 1 {
			report.DuplicateTimestamps += count - 1
		}
	}
	report.MissingPct = 100 * float64(missing) / float64(len(bars))

	if len(bars) < 3 {
		return report
	}

	// Modal timeframe from consecutive deltas of the sorted series.
	sorted := append([]market.Bar(nil), bars...)
	res := market.Result{Bars: sorted}
	res.SortBars()
	sorted = res.Bars

	diffCounts := map[int64]int{}
	for i := 1; i < len(sorted); i++ {
		diffCounts[sorted[i].Ts-sorted[i-1].Ts]++
	}
	best := 0
	for diff, count := range diffCounts {
		if count > best || (count == best && diff < report.TimeframeSeconds) {
			best = count
			report.TimeframeSeconds = diff
		}
	}
	if report.TimeframeSeconds > 0 {
		limit := float64(report.TimeframeSeconds) * 2.5
		for i := 1; i < len(sorted); i++ {
			if float64(sorted[i].Ts-sorted[i-1].Ts) > limit {
				report.GapCount++
			}
		}
	}

	// Log returns, z-scored.
	returns := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Close > 0 && sorted[i].Close > 0 {
			returns = append(returns, math.Log(sorted[i].Close/sorted[i-1].Close))
		}
	}
	if len(returns) >= 3 {
		mean := stat.Mean(returns, nil)
		sigma := stat.StdDev(returns, nil)
		if sigma > 0 {
			outliers := 0
			for _, r := range returns {
				if math.Abs(r-mean)/sigma > 5 {
					outliers++
				}
			}
			report.OutlierPct = 100 * float64(outliers) / float64(len(returns))
		}
	}

	if report.DuplicateTimestamps > 0 {
		report.Notes = append(report.Notes, fmt.Sprintf("%d duplicate timestamps", report.DuplicateTimestamps))
	}
	if report.GapCount > 0 {
		report.Notes = append(report.Notes, fmt.Sprintf("%d gaps above 2.5x timeframe", report.GapCount))
	}
	return report
}

// CrossSourceMismatch compares latest closes from two sources: relative
// difference against their mean above tolerance means the sources
// disagree.
func CrossSourceMismatch(a, b float64, tolerance float64) bool {
	mean := (a + b) / 2
	if mean == 0 {
		return false
	}
	return math.Abs(a-b)/mean > tolerance
}
