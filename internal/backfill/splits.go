package backfill

import (
	"fmt"
	"math"
	"sort"
)

// SplitRatios carries the chronological train/val/test proportions.
// The three must sum to 1 within 1e-9; construction fails fast so a
// bad config never silently skews a dataset.
type SplitRatios struct {
	Train float64
	Val   float64
	Test  float64
}

// DefaultSplitRatios is the conventional 80/10/10 time split.
func DefaultSplitRatios() SplitRatios { return SplitRatios{Train: 0.8, Val: 0.1, Test: 0.1} }

func (r SplitRatios) validate() error {
	for _, v := range []float64{r.Train, r.Val, r.Test} {
		if v < 0 || v > 1 {
			return fmt.Errorf("split ratio %v out of [0,1]", v)
		}
	}
	if sum := r.Train + r.Val + r.Test; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("split ratios sum to %v, want 1", sum)
	}
	return nil
}

// SplitRange is one contiguous chronological slice of a dataset.
type SplitRange struct {
	Kind  string `json:"kind"` // train | val | test
	Start int64  `json:"start"`
	End   int64  `json:"end"` // inclusive
	Rows  int    `json:"rows"`
}

// ComputeTimeSplits partitions sorted timestamps into contiguous
// train/val/test ranges. Boundaries fall at floor(train*n) and
// floor((train+val)*n); ranges never overlap and together cover every
// row, with any rounding remainder landing in test. Empty ranges are
// omitted.
func ComputeTimeSplits(timestamps []int64, ratios SplitRatios) ([]SplitRange, error) {
	if err := ratios.validate(); err != nil {
		return nil, err
	}
	if len(timestamps) == 0 {
		return nil, nil
	}
	ts := append([]int64(nil), timestamps...)
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })

	n := len(ts)
	trainEnd := int(math.Floor(ratios.Train * float64(n)))
	valEnd := int(math.Floor((ratios.Train + ratios.Val) * float64(n)))
	if trainEnd > n {
		trainEnd = n
	}
	if valEnd > n {
		valEnd = n
	}
	if valEnd < trainEnd {
		valEnd = trainEnd
	}

	var out []SplitRange
	add := func(kind string, lo, hi int) {
		if hi <= lo {
			return
		}
		out = append(out, SplitRange{
			Kind:  kind,
			Start: ts[lo],
			End:   ts[hi-1],
			Rows:  hi - lo,
		})
	}
	add("train", 0, trainEnd)
	add("val", trainEnd, valEnd)
	add("test", valEnd, n)
	return out, nil
}
