package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fks-trading/fks-data/internal/delta"
	"github.com/fks-trading/fks-data/internal/persistence"
)

func seededScanner(t *testing.T) *delta.Scanner {
	t.Helper()
	sc := delta.NewScanner()
	now := time.Now()
	for i, price := range []float64{100, 101, 100.5, 102, 103} {
		sc.ScanTick(delta.Tick{
			Symbol: "BTC-USD", Exchange: "binance",
			Last: price, Time: now.Add(time.Duration(i) * time.Second),
		})
	}
	return sc
}

func TestDeltaStatsEndpoint(t *testing.T) {
	s := testServer(t, Deps{Delta: seededScanner(t)})

	rec := doJSON(t, s, http.MethodGet, "/delta/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		OK   bool                         `json:"ok"`
		Data map[string]delta.SymbolStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.OK)
	stats := env.Data["BTC-USD"]
	assert.Equal(t, int64(3), stats.Up)
	assert.Equal(t, int64(1), stats.Down)
	assert.Equal(t, int64(4), stats.Total)
	assert.InDelta(t, 0.75, stats.UpRatio, 1e-9)
}

func TestDeltaSequenceEndpoint(t *testing.T) {
	s := testServer(t, Deps{Delta: seededScanner(t)})

	rec := doJSON(t, s, http.MethodGet, "/delta/BTC-USD/sequence", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		OK   bool                  `json:"ok"`
		Data DeltaSequenceResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.OK)
	assert.Equal(t, "1011", env.Data.Sequence)
	assert.Equal(t, 4, env.Data.Length)
	assert.Equal(t, int64(3), env.Data.Stats.Up)

	rec = doJSON(t, s, http.MethodGet, "/delta/BTC-USD/sequence?length=2", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "11", env.Data.Sequence)
}

type memStates struct {
	states []persistence.BTRState
	err    error
}

func (m *memStates) LatestBTRStates(_ context.Context, symbol string, limit int) ([]persistence.BTRState, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := m.states
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func TestDeltaStatesEndpoint(t *testing.T) {
	reader := &memStates{states: []persistence.BTRState{
		{Symbol: "BTC-USD", Exchange: "binance", StateSeq: "10110011", Depth: 8, NextMoveProb: 0.625, Prediction: "UP"},
		{Symbol: "BTC-USD", Exchange: "binance", StateSeq: "01101100", Depth: 8, NextMoveProb: 0.5, Prediction: "UP"},
	}}
	s := testServer(t, Deps{Delta: seededScanner(t), States: reader})

	rec := doJSON(t, s, http.MethodGet, "/delta/BTC-USD/states?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		OK   bool                   `json:"ok"`
		Data []persistence.BTRState `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.OK)
	require.Len(t, env.Data, 1)
	assert.Equal(t, "10110011", env.Data[0].StateSeq)
	assert.InDelta(t, 0.625, env.Data[0].NextMoveProb, 1e-9)

	reader.err = errors.New("boom")
	rec = doJSON(t, s, http.MethodGet, "/delta/BTC-USD/states", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDeltaRoutesDisabledWithoutScanner(t *testing.T) {
	s := testServer(t, Deps{})
	rec := doJSON(t, s, http.MethodGet, "/delta/stats", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
