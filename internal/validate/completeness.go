package validate

import (
	"math"
	"sort"

	"github.com/fks-trading/fks-data/internal/market"
)

// Completeness status bands.
const (
	StatusExcellent = "excellent"
	StatusGood      = "good"
	StatusFair      = "fair"
	StatusPoor      = "poor"
)

// CompletenessResult grades how much of the expected data is present
// and usable.
type CompletenessResult struct {
	Symbol            string         `json:"symbol"`
	TotalRows         int            `json:"total_rows"`
	CompleteRows      int            `json:"complete_rows"`
	CompletenessPct   float64        `json:"completeness_pct"`
	MissingFields     map[string]int `json:"missing_fields"`
	GapsDetected      int            `json:"gaps_detected"`
	MinPointsMet      bool           `json:"min_points_met"`
	Status            string         `json:"status"`
	ExpectedRows      int            `json:"expected_rows,omitempty"`
	MissingTimestamps int            `json:"missing_timestamps,omitempty"`
}

// Row is one record under completeness inspection: field name to value,
// nil or NaN meaning missing.
type Row map[string]*float64

// RowsFromBars converts bars to inspection rows. A zero Ts makes every
// field missing (the row is unusable).
func RowsFromBars(bars []market.Bar) ([]Row, []int64) {
	rows := make([]Row, 0, len(bars))
	timestamps := make([]int64, 0, len(bars))
	for _, b := range bars {
		b := b
		rows = append(rows, Row{
			"open": &b.Open, "high": &b.High, "low": &b.Low,
			"close": &b.Close, "volume": &b.Volume,
		})
		timestamps = append(timestamps, b.Ts)
	}
	return rows, timestamps
}

// CompletenessValidator checks required-field presence, row counts and
// missing timestamps against the nominal frequency.
type CompletenessValidator struct {
	RequiredFields []string
	MinPoints      int
}

// NewCompletenessValidator requires OHLCV fields and 50 points by
// default.
func NewCompletenessValidator() *CompletenessValidator {
	return &CompletenessValidator{
		RequiredFields: []string{"open", "high", "low", "close", "volume"},
		MinPoints:      50,
	}
}

// Check grades rows for symbol. frequency may be empty to skip the
// expected-timestamp count.
func (v *CompletenessValidator) Check(symbol string, rows []Row, timestamps []int64, frequency string) CompletenessResult {
	res := CompletenessResult{
		Symbol:        symbol,
		TotalRows:     len(rows),
		MissingFields: map[string]int{},
		Status:        StatusPoor,
	}

	for _, row := range rows {
		complete := true
		for _, field := range v.RequiredFields {
			val, ok := row[field]
			if !ok || val == nil || math.IsNaN(*val) {
				res.MissingFields[field]++
				complete = false
			}
		}
		if complete {
			res.CompleteRows++
		}
	}
	if res.TotalRows > 0 {
		res.CompletenessPct = 100 * float64(res.CompleteRows) / float64(res.TotalRows)
	}
	res.MinPointsMet = res.TotalRows >= v.MinPoints

	if frequency != "" && len(timestamps) > 1 {
		if expected, err := market.IntervalDuration(frequency); err == nil {
			sorted := append([]int64(nil), timestamps...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			step := int64(expected.Seconds())
			span := sorted[len(sorted)-1] - sorted[0]
			res.ExpectedRows = int(span/step) + 1
			if res.ExpectedRows > len(sorted) {
				res.MissingTimestamps = res.ExpectedRows - len(sorted)
			}
			limit := float64(step) * 1.5
			for i := 1; i < len(sorted); i++ {
				if float64(sorted[i]-sorted[i-1]) > limit {
					res.GapsDetected++
				}
			}
		}
	}

	switch {
	case res.CompletenessPct >= 99:
		res.Status = StatusExcellent
	case res.CompletenessPct >= 95:
		res.Status = StatusGood
	case res.CompletenessPct >= 90:
		res.Status = StatusFair
	}
	return res
}
