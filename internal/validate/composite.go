package validate

import (
	"fmt"
	"math"
	"time"
)

// QualityScore is the weighted composite over the component validators.
type QualityScore struct {
	Symbol          string             `json:"symbol"`
	Overall         float64            `json:"overall"`
	Components      map[string]float64 `json:"components"`
	Status          string             `json:"status"`
	Issues          []string           `json:"issues"`
	Recommendations []string           `json:"recommendations"`
	Timestamp       time.Time          `json:"timestamp"`
}

// Weights distributes the composite across components. The sum must be
// exactly 1.
type Weights struct {
	Outlier      float64
	Freshness    float64
	Completeness float64
}

// DefaultWeights is outlier 0.3, freshness 0.3, completeness 0.4.
func DefaultWeights() Weights {
	return Weights{Outlier: 0.3, Freshness: 0.3, Completeness: 0.4}
}

// CompositeScorer folds the three component results into one score.
type CompositeScorer struct {
	weights Weights
}

// NewCompositeScorer fails fast unless the weights sum to 1.
func NewCompositeScorer(w Weights) (*CompositeScorer, error) {
	if sum := w.Outlier + w.Freshness + w.Completeness; math.Abs(sum-1.0) > 1e-9 {
		return nil, fmt.Errorf("quality weights must sum to 1.0, got %v", sum)
	}
	return &CompositeScorer{weights: w}, nil
}

// Score combines the component results for one symbol at ts.
func (s *CompositeScorer) Score(symbol string, outlier OutlierResult, totalRows int,
	freshness FreshnessResult, completeness CompletenessResult, ts time.Time) QualityScore {

	outlierScore := outlierScore(outlier, totalRows)
	freshScore := freshnessScore(freshness)
	completeScore := completenessScore(completeness)

	overall := s.weights.Outlier*outlierScore +
		s.weights.Freshness*freshScore +
		s.weights.Completeness*completeScore

	score := QualityScore{
		Symbol:  symbol,
		Overall: overall,
		Components: map[string]float64{
			"outlier":      outlierScore,
			"freshness":    freshScore,
			"completeness": completeScore,
		},
		Status:    statusFor(overall),
		Timestamp: ts.UTC(),
	}
	score.Issues, score.Recommendations = deriveIssues(outlier, totalRows, freshness, completeness)
	return score
}

func statusFor(overall float64) string {
	switch {
	case overall >= 85:
		return StatusExcellent
	case overall >= 70:
		return StatusGood
	case overall >= 50:
		return StatusFair
	default:
		return StatusPoor
	}
}

func outlierScore(r OutlierResult, totalRows int) float64 {
	return math.Max(0, 100-10*r.OutlierPct(totalRows))
}

// freshnessScore is 100 while fresh, decays linearly 100->50 over ages
// 1..15 minutes while warning, and 50->0 over 15..60 minutes while
// critical.
func freshnessScore(r FreshnessResult) float64 {
	ageMin := r.AgeSeconds / 60
	switch r.Status {
	case StatusFresh:
		return 100
	case StatusWarning:
		if ageMin <= 1 {
			return 100
		}
		if ageMin >= 15 {
			return 50
		}
		return 100 - 50*(ageMin-1)/14
	default:
		if ageMin <= 15 {
			return 50
		}
		if ageMin >= 60 {
			return 0
		}
		return 50 - 50*(ageMin-15)/45
	}
}

func completenessScore(r CompletenessResult) float64 {
	score := r.CompletenessPct
	if !r.MinPointsMet {
		score /= 2
	}
	return score
}

// deriveIssues maps component shortfalls to deterministic issue and
// recommendation strings.
func deriveIssues(outlier OutlierResult, totalRows int, freshness FreshnessResult,
	completeness CompletenessResult) (issues, recommendations []string) {

	issues = []string{}
	recommendations = []string{}

	if pct := outlier.OutlierPct(totalRows); pct > 5 {
		issues = append(issues, fmt.Sprintf("%.1f%% outliers in %s (%s severity)",
			pct, outlier.Field, outlier.Severity))
		recommendations = append(recommendations,
			"inspect outliers and consider winsorize or interpolate cleanup")
	}
	switch freshness.Status {
	case StatusWarning:
		issues = append(issues, fmt.Sprintf("data is %.0fs old (warning)", freshness.AgeSeconds))
		recommendations = append(recommendations, "check collector schedule for the symbol")
	case StatusCritical:
		issues = append(issues, fmt.Sprintf("data is %.0fs old (critical)", freshness.AgeSeconds))
		recommendations = append(recommendations, "verify provider availability and collector health")
	}
	if freshness.GapsDetected > 0 {
		issues = append(issues, fmt.Sprintf("%d interval gaps detected", freshness.GapsDetected))
		recommendations = append(recommendations, "schedule a backfill for the gapped range")
	}
	if completeness.CompletenessPct < 95 {
		issues = append(issues, fmt.Sprintf("completeness %.1f%% (%s)",
			completeness.CompletenessPct, completeness.Status))
		recommendations = append(recommendations, "re-fetch rows with missing required fields")
	}
	if !completeness.MinPointsMet {
		issues = append(issues, fmt.Sprintf("only %d rows, below minimum", completeness.TotalRows))
		recommendations = append(recommendations, "extend the fetch window or lower the interval")
	}
	return issues, recommendations
}
