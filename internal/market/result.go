package market

import "sort"

// ResultKind names the row variant a Result carries.
type ResultKind string

const (
	KindEmpty  ResultKind = "empty"
	KindBars   ResultKind = "bars"
	KindQuotes ResultKind = "quotes"
	KindEvents ResultKind = "events"
)

// Result is the envelope every adapter returns: the provider that
// produced it, exactly one populated row variant, and the echoed
// request parameters.
type Result struct {
	Provider string            `json:"provider"`
	Bars     []Bar             `json:"bars,omitempty"`
	Quotes   []Quote           `json:"quotes,omitempty"`
	Events   []Event           `json:"events,omitempty"`
	Request  map[string]string `json:"request,omitempty"`
}

// Kind reports which variant is populated. A result with no rows is
// KindEmpty regardless of which family the adapter serves.
func (r *Result) Kind() ResultKind {
	switch {
	case len(r.Bars) > 0:
		return KindBars
	case len(r.Quotes) > 0:
		return KindQuotes
	case len(r.Events) > 0:
		return KindEvents
	default:
		return KindEmpty
	}
}

// SortBars orders the bar variant ascending by timestamp. Adapters call
// this before returning so every fetch result is monotonic.
func (r *Result) SortBars() {
	sort.Slice(r.Bars, func(i, j int) bool { return r.Bars[i].Ts < r.Bars[j].Ts })
}

// LatestClose returns the close of the most recent bar, or the price of
// the most recent quote. ok is false when the result has no usable rows.
func (r *Result) LatestClose() (float64, bool) {
	switch r.Kind() {
	case KindBars:
		last := r.Bars[0]
		for _, b := range r.Bars[1:] {
			if b.Ts > last.Ts {
				last = b
			}
		}
		return last.Close, true
	case KindQuotes:
		last := r.Quotes[0]
		for _, q := range r.Quotes[1:] {
			if q.Ts > last.Ts {
				last = q
			}
		}
		return last.Price, true
	default:
		return 0, false
	}
}

// Rows reports the number of rows in whichever variant is populated.
func (r *Result) Rows() int {
	return len(r.Bars) + len(r.Quotes) + len(r.Events)
}
