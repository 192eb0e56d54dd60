package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ToUnixSeconds coerces the timestamp shapes providers actually send
// into integer seconds UTC. Numeric magnitudes disambiguate the unit:
// above 1e15 nanoseconds, above 1e12 milliseconds, otherwise seconds.
// Strings are tried as numbers first, then RFC3339 / ISO 8601 / date-only.
func ToUnixSeconds(v interface{}) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, fmt.Errorf("nil timestamp")
	case time.Time:
		return t.UTC().Unix(), nil
	case int64:
		return scaleEpoch(float64(t)), nil
	case int:
		return scaleEpoch(float64(t)), nil
	case float64:
		return scaleEpoch(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("timestamp %q: %w", t.String(), err)
		}
		return scaleEpoch(f), nil
	case string:
		return parseTimeString(t)
	default:
		return 0, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func scaleEpoch(f float64) int64 {
	switch {
	case f > 1e15:
		return int64(f / 1e9)
	case f > 1e12:
		return int64(f / 1e3)
	default:
		return int64(f)
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTimeString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return scaleEpoch(f), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Unix(), nil
		}
	}
	return 0, fmt.Errorf("unparseable timestamp %q", s)
}

// intervalSeconds maps canonical interval names to their nominal length.
var intervalSeconds = map[string]int64{
	"1m": 60, "3m": 180, "5m": 300, "15m": 900, "30m": 1800,
	"1h": 3600, "2h": 7200, "4h": 14400, "6h": 21600, "8h": 28800,
	"12h": 43200, "1d": 86400, "3d": 259200, "1w": 604800, "1M": 2592000,
}

// IntervalDuration returns the nominal duration of a canonical interval
// name ("1M" is approximated as 30 days).
func IntervalDuration(interval string) (time.Duration, error) {
	sec, ok := intervalSeconds[interval]
	if !ok {
		return 0, fmt.Errorf("unknown interval %q", interval)
	}
	return time.Duration(sec) * time.Second, nil
}

// KnownInterval reports whether the interval name is canonical.
func KnownInterval(interval string) bool {
	_, ok := intervalSeconds[interval]
	return ok
}

// AlignToInterval floors ts to the interval boundary.
func AlignToInterval(ts int64, interval string) (int64, error) {
	sec, ok := intervalSeconds[interval]
	if !ok {
		return 0, fmt.Errorf("unknown interval %q", interval)
	}
	return ts - ts%sec, nil
}

// SafeSymbol renders a symbol usable as a path component: "/" and ":"
// become "-".
func SafeSymbol(symbol string) string {
	s := strings.ReplaceAll(symbol, "/", "-")
	return strings.ReplaceAll(s, ":", "-")
}
