package providers

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fks-trading/fks-data/internal/market"
)

// DataReader fetches macro and daily series published as CSV: FRED
// series (fredgraph.csv) and Stooq daily bars. Keyless.
type DataReader struct {
	FredURL  string
	StooqURL string
}

// NewDataReader builds the adapter against the public hosts.
func NewDataReader() *DataReader {
	return &DataReader{
		FredURL:  "https://fred.stlouisfed.org/graph/fredgraph.csv",
		StooqURL: "https://stooq.com/q/d/l/",
	}
}

func (d *DataReader) Name() string        { return "datareader" }
func (d *DataReader) DefaultRPS() float64 { return 1 }

func (d *DataReader) TTLFor(req Request) time.Duration { return 3600 * time.Second }

func (d *DataReader) BuildRequest(req Request) (string, url.Values, http.Header, error) {
	if req.Symbol == "" {
		return "", nil, nil, fmt.Errorf("series/symbol required")
	}
	q := url.Values{}
	switch req.Param("source", "fred") {
	case "fred":
		q.Set("id", req.Symbol)
		return d.FredURL, q, http.Header{}, nil
	case "stooq":
		q.Set("s", strings.ToLower(req.Symbol))
		q.Set("i", "d")
		if req.Start > 0 {
			q.Set("d1", time.Unix(req.Start, 0).UTC().Format("20060102"))
		}
		if req.End > 0 {
			q.Set("d2", time.Unix(req.End, 0).UTC().Format("20060102"))
		}
		return d.StooqURL, q, http.Header{}, nil
	default:
		return "", nil, nil, fmt.Errorf("unsupported source %q", req.Param("source", ""))
	}
}

// Normalize parses the CSV body. FRED has (DATE, VALUE) columns mapped
// to Event rows; Stooq (Date,Open,High,Low,Close,Volume) maps to bars.
// Rows with "." values (FRED missing marker) are skipped.
func (d *DataReader) Normalize(payload []byte, req Request) (*market.Result, error) {
	reader := csv.NewReader(strings.NewReader(string(payload)))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil || len(records) < 1 {
		return nil, market.NewFetchError(d.Name(), "unexpected CSV payload: %v", err)
	}

	header := records[0]
	res := &market.Result{Provider: d.Name(), Request: req.Echo()}
	if len(header) >= 5 && strings.EqualFold(header[1], "open") {
		for _, rec := range records[1:] {
			bar, ok := stooqBar(rec)
			if !ok {
				continue
			}
			bar.Provider = d.Name()
			if bar.Valid() {
				res.Bars = append(res.Bars, bar)
			}
		}
		res.SortBars()
		return res, nil
	}

	// FRED shape: DATE,<SERIES>
	for _, rec := range records[1:] {
		if len(rec) < 2 || rec[1] == "." {
			continue
		}
		ts, err := market.ToUnixSeconds(rec[0])
		if err != nil {
			continue
		}
		value, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			continue
		}
		res.Events = append(res.Events, market.Event{
			Ts: ts, Kind: "series", Symbol: req.Symbol, Value: value,
		})
	}
	return res, nil
}

func stooqBar(rec []string) (market.Bar, bool) {
	if len(rec) < 5 {
		return market.Bar{}, false
	}
	ts, err := market.ToUnixSeconds(rec[0])
	if err != nil {
		return market.Bar{}, false
	}
	vals := make([]float64, 4)
	for i := 0; i < 4; i++ {
		f, err := strconv.ParseFloat(rec[i+1], 64)
		if err != nil {
			return market.Bar{}, false
		}
		vals[i] = f
	}
	volume := 0.0
	if len(rec) >= 6 {
		volume, _ = strconv.ParseFloat(rec[5], 64)
	}
	return market.Bar{
		Ts: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: volume,
	}, true
}
