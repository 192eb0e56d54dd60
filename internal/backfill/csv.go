package backfill

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/fks-trading/fks-data/internal/market"
)

// csvHeader is the canonical managed-data column order.
var csvHeader = []string{"datetime", "open", "high", "low", "close", "volume"}

// CSVPath returns data/managed/<source>/<symbol>/<symbol>_<interval>.csv
// with path-hostile characters stripped from symbol and interval.
func CSVPath(root, source, symbol, interval string) string {
	safeSym := market.SafeSymbol(symbol)
	return filepath.Join(root, source, safeSym,
		fmt.Sprintf("%s_%s.csv", safeSym, market.SafeSymbol(interval)))
}

// AppendBars merges bars into the managed CSV for (source, symbol,
// interval): existing rows are read back, new bars override rows with
// the same datetime, and the file is rewritten sorted ascending. The
// write goes through a temp file so a crash never leaves a torn CSV.
func AppendBars(root, source, symbol, interval string, bars []market.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	path := CSVPath(root, source, symbol, interval)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create csv dir: %w", err)
	}

	merged, err := readCSVBars(path)
	if err != nil {
		return 0, err
	}
	before := len(merged)
	for _, b := range bars {
		if !b.Valid() {
			continue
		}
		merged[b.Ts] = b
	}
	added := len(merged) - before

	keys := make([]int64, 0, len(merged))
	for ts := range merged {
		keys = append(keys, ts)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	rows := make([]market.Bar, 0, len(keys))
	for _, ts := range keys {
		rows = append(rows, merged[ts])
	}
	if err := writeBarsCSV(path, rows); err != nil {
		return 0, err
	}
	return added, nil
}

// writeBarsCSV replaces path with the given rows through a temp file so
// a crash never leaves a torn CSV.
func writeBarsCSV(path string, bars []market.Bar) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, b := range bars {
		row := []string{
			time.Unix(b.Ts, 0).UTC().Format(time.RFC3339),
			formatFloat(b.Open),
			formatFloat(b.High),
			formatFloat(b.Low),
			formatFloat(b.Close),
			formatFloat(b.Volume),
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush csv: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close csv: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace csv: %w", err)
	}
	return nil
}

// SplitCSVPath returns …/<source>/<symbol>/splits/<symbol>_<interval>_<kind>.csv.
func SplitCSVPath(root, source, symbol, interval, kind string) string {
	safeSym := market.SafeSymbol(symbol)
	return filepath.Join(root, source, safeSym, "splits",
		fmt.Sprintf("%s_%s_%s.csv", safeSym, market.SafeSymbol(interval), kind))
}

// WriteSplitCSVs writes one CSV per computed range, each holding the
// bars whose timestamps fall inside it. bars must be sorted ascending.
func WriteSplitCSVs(root, source, symbol, interval string, bars []market.Bar, ranges []SplitRange) error {
	for _, r := range ranges {
		path := SplitCSVPath(root, source, symbol, interval, r.Kind)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create splits dir: %w", err)
		}
		rows := make([]market.Bar, 0, r.Rows)
		for _, b := range bars {
			if b.Ts >= r.Start && b.Ts <= r.End {
				rows = append(rows, b)
			}
		}
		if err := writeBarsCSV(path, rows); err != nil {
			return fmt.Errorf("%s split: %w", r.Kind, err)
		}
	}
	return nil
}

// readCSVBars loads an existing managed CSV keyed by unix timestamp.
// A missing file is an empty set; malformed rows are skipped.
func readCSVBars(path string) (map[int64]market.Bar, error) {
	out := make(map[int64]market.Bar)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(csvHeader)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	for i, rec := range records {
		if i == 0 && rec[0] == csvHeader[0] {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			continue
		}
		b := market.Bar{Ts: ts.Unix()}
		vals := make([]float64, 5)
		ok := true
		for j := 0; j < 5; j++ {
			v, err := strconv.ParseFloat(rec[j+1], 64)
			if err != nil {
				ok = false
				break
			}
			vals[j] = v
		}
		if !ok {
			continue
		}
		b.Open, b.High, b.Low, b.Close, b.Volume = vals[0], vals[1], vals[2], vals[3], vals[4]
		out[b.Ts] = b
	}
	return out, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
