// Package validate implements the data-quality suite: outlier
// detection, freshness and gap monitoring, completeness scoring and the
// weighted composite quality score.
package validate

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Outlier detection methods.
const (
	MethodZScore = "zscore"
	MethodIQR    = "iqr"
	MethodMAD    = "mad"
)

// Severity bands assigned by outlier share.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// OutlierResult reports the flagged indices for one field.
type OutlierResult struct {
	Field          string  `json:"field"`
	OutlierIndices []int   `json:"outlier_indices"`
	OutlierCount   int     `json:"outlier_count"`
	Method         string  `json:"method"`
	Threshold      float64 `json:"threshold"`
	Severity       string  `json:"severity"`
}

// OutlierPct is the share of points flagged, in percent.
func (r OutlierResult) OutlierPct(total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(r.OutlierCount) / float64(total)
}

// OutlierDetector flags anomalous points with one of three methods.
// MAD is the most robust to heavy tails; zscore the least.
type OutlierDetector struct {
	Method     string
	Threshold  float64
	MinPeriods int
	Window     int // optional rolling window for zscore, 0 = whole series
}

// NewOutlierDetector applies per-method default thresholds: zscore 3.0,
// iqr 1.5, mad 3.0.
func NewOutlierDetector(method string) (*OutlierDetector, error) {
	d := &OutlierDetector{Method: method, MinPeriods: 20}
	switch method {
	case MethodZScore, MethodMAD:
		d.Threshold = 3.0
	case MethodIQR:
		d.Threshold = 1.5
	default:
		return nil, fmt.Errorf("unknown outlier method %q", method)
	}
	return d, nil
}

// Detect flags outliers in values. Fewer than MinPeriods points yields
// an empty result, not an error.
func (d *OutlierDetector) Detect(field string, values []float64) OutlierResult {
	res := OutlierResult{Field: field, Method: d.Method, Threshold: d.Threshold, Severity: SeverityLow}
	if len(values) < d.MinPeriods {
		return res
	}

	switch d.Method {
	case MethodZScore:
		res.OutlierIndices = d.detectZScore(values)
	case MethodIQR:
		res.OutlierIndices = d.detectIQR(values)
	case MethodMAD:
		res.OutlierIndices = d.detectMAD(values)
	}
	res.OutlierCount = len(res.OutlierIndices)

	switch pct := res.OutlierPct(len(values)); {
	case pct > 10:
		res.Severity = SeverityHigh
	case pct > 5:
		res.Severity = SeverityMedium
	}
	return res
}

func (d *OutlierDetector) detectZScore(values []float64) []int {
	if d.Window > 0 && d.Window < len(values) {
		return d.detectRollingZScore(values)
	}
	mean := stat.Mean(values, nil)
	sigma := stat.StdDev(values, nil)
	if sigma == 0 || math.IsNaN(sigma) {
		return nil
	}
	var out []int
	for i, v := range values {
		if math.Abs(v-mean)/sigma > d.Threshold {
			out = append(out, i)
		}
	}
	return out
}

func (d *OutlierDetector) detectRollingZScore(values []float64) []int {
	var out []int
	for i := d.Window; i < len(values); i++ {
		window := values[i-d.Window : i]
		mean := stat.Mean(window, nil)
		sigma := stat.StdDev(window, nil)
		if sigma == 0 || math.IsNaN(sigma) {
			continue
		}
		if math.Abs(values[i]-mean)/sigma > d.Threshold {
			out = append(out, i)
		}
	}
	return out
}

func (d *OutlierDetector) detectIQR(values []float64) []int {
	lo, hi := iqrFences(values, d.Threshold)
	var out []int
	for i, v := range values {
		if v < lo || v > hi {
			out = append(out, i)
		}
	}
	return out
}

// iqrFences returns [Q1 - k*IQR, Q3 + k*IQR].
func iqrFences(values []float64, k float64) (float64, float64) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q1 := stat.Quantile(0.25, stat.Empirical, sorted, nil)
	q3 := stat.Quantile(0.75, stat.Empirical, sorted, nil)
	iqr := q3 - q1
	return q1 - k*iqr, q3 + k*iqr
}

func (d *OutlierDetector) detectMAD(values []float64) []int {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	med := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - med)
	}
	sort.Float64s(deviations)
	mad := stat.Quantile(0.5, stat.Empirical, deviations, nil)
	if mad == 0 {
		return nil
	}

	var out []int
	for i, v := range values {
		// 0.6745 rescales MAD to the normal sigma.
		if math.Abs(0.6745*(v-med)/mad) > d.Threshold {
			out = append(out, i)
		}
	}
	return out
}

// Cleanup strategies.
const (
	CleanRemove      = "remove"
	CleanInterpolate = "interpolate"
	CleanWinsorize   = "winsorize"
)

// Clean applies a cleanup strategy to values given the flagged indices
// and returns a new slice. remove drops flagged points, interpolate
// replaces them linearly from the nearest clean neighbors, winsorize
// clamps them to the 1.5*IQR fences.
func Clean(values []float64, outliers []int, strategy string) ([]float64, error) {
	flagged := make(map[int]bool, len(outliers))
	for _, i := range outliers {
		flagged[i] = true
	}

	switch strategy {
	case CleanRemove:
		out := make([]float64, 0, len(values))
		for i, v := range values {
			if !flagged[i] {
				out = append(out, v)
			}
		}
		return out, nil

	case CleanInterpolate:
		out := append([]float64(nil), values...)
		for i := range out {
			if !flagged[i] {
				continue
			}
			prev, prevOK := prevClean(values, flagged, i)
			next, nextOK := nextClean(values, flagged, i)
			switch {
			case prevOK && nextOK:
				out[i] = (prev + next) / 2
			case prevOK:
				out[i] = prev
			case nextOK:
				out[i] = next
			}
		}
		return out, nil

	case CleanWinsorize:
		lo, hi := iqrFences(values, 1.5)
		out := append([]float64(nil), values...)
		for i := range out {
			if !flagged[i] {
				continue
			}
			if out[i] < lo {
				out[i] = lo
			} else if out[i] > hi {
				out[i] = hi
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown cleanup strategy %q", strategy)
	}
}

func prevClean(values []float64, flagged map[int]bool, i int) (float64, bool) {
	for j := i - 1; j >= 0; j-- {
		if !flagged[j] {
			return values[j], true
		}
	}
	return 0, false
}

func nextClean(values []float64, flagged map[int]bool, i int) (float64, bool) {
	for j := i + 1; j < len(values); j++ {
		if !flagged[j] {
			return values[j], true
		}
	}
	return 0, false
}
