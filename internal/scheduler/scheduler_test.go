package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fks-trading/fks-data/internal/market"
	"github.com/fks-trading/fks-data/internal/providers"
)

type scriptFetcher struct {
	answers []func() (*market.Result, error)
	calls   int
}

func (f *scriptFetcher) GetData(_ context.Context, _ providers.DataRequest) (*market.Result, error) {
	i := f.calls
	f.calls++
	if i >= len(f.answers) {
		i = len(f.answers) - 1
	}
	return f.answers[i]()
}

func ok(bars int) func() (*market.Result, error) {
	out := make([]market.Bar, bars)
	for i := range out {
		out[i] = market.Bar{Ts: int64(1700000000 + i*3600), Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}
	}
	return func() (*market.Result, error) {
		return &market.Result{Provider: "binance", Bars: out}, nil
	}
}

func fail(msg string) func() (*market.Result, error) {
	return func() (*market.Result, error) { return nil, errors.New(msg) }
}

type countingSink struct {
	stored int
	err    error
}

func (s *countingSink) UpsertBars(_ context.Context, _, _, _ string, bars []market.Bar) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.stored += len(bars)
	return len(bars), nil
}

func testSched(f *scriptFetcher, sink BarSink) *Scheduler {
	s := New(f, sink, 2, zerolog.Nop())
	s.sleep = func(context.Context, time.Duration) error { return nil } // no real backoff in tests
	return s
}

var testJob = Job{Name: "btc-hourly", AssetClass: "crypto", Symbol: "BTC-USD", Interval: "1h", Limit: 100, Enabled: true}

func TestCollectOHLCVStoresAndReports(t *testing.T) {
	f := &scriptFetcher{answers: []func() (*market.Result, error){ok(24)}}
	sink := &countingSink{}
	s := testSched(f, sink)

	r := s.CollectOHLCV(context.Background(), testJob)
	assert.Equal(t, "ok", r.Status)
	assert.Equal(t, "binance", r.Provider)
	assert.Equal(t, 24, r.CandlesFetched)
	assert.Equal(t, 24, r.CandlesStored)
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, 24, sink.stored)
	assert.False(t, r.Ts.IsZero())
}

func TestCollectOHLCVRetriesThenSucceeds(t *testing.T) {
	f := &scriptFetcher{answers: []func() (*market.Result, error){
		fail("upstream 503"), fail("upstream 503"), ok(5),
	}}
	s := testSched(f, &countingSink{})

	r := s.CollectOHLCV(context.Background(), testJob)
	assert.Equal(t, "ok", r.Status)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, 3, f.calls)
}

func TestCollectOHLCVGivesUpAfterMaxAttempts(t *testing.T) {
	f := &scriptFetcher{answers: []func() (*market.Result, error){fail("all providers failed")}}
	s := testSched(f, &countingSink{})

	r := s.CollectOHLCV(context.Background(), testJob)
	assert.Equal(t, "error", r.Status)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, 3, f.calls)
	assert.Contains(t, r.Error, "all providers failed")
}

func TestCollectOHLCVEmptyWindow(t *testing.T) {
	f := &scriptFetcher{answers: []func() (*market.Result, error){
		func() (*market.Result, error) { return &market.Result{Provider: "binance"}, nil },
	}}
	sink := &countingSink{}
	s := testSched(f, sink)

	r := s.CollectOHLCV(context.Background(), testJob)
	assert.Equal(t, "empty", r.Status)
	assert.Zero(t, r.CandlesStored)
	assert.Zero(t, sink.stored)
}

func TestCollectOHLCVStoreFailure(t *testing.T) {
	f := &scriptFetcher{answers: []func() (*market.Result, error){ok(10)}}
	s := testSched(f, &countingSink{err: errors.New("db down")})

	r := s.CollectOHLCV(context.Background(), testJob)
	assert.Equal(t, "error", r.Status)
	assert.Contains(t, r.Error, "store")
	assert.Equal(t, 10, r.CandlesFetched)
}

func TestRunJobRecoversPanic(t *testing.T) {
	f := &scriptFetcher{answers: []func() (*market.Result, error){
		func() (*market.Result, error) { panic("boom") },
	}}
	s := testSched(f, &countingSink{})

	r := s.runJob(context.Background(), testJob)
	assert.Equal(t, "error", r.Status)
	assert.Contains(t, r.Error, "panic")
}

func TestWorkerPoolDrainsQueue(t *testing.T) {
	f := &scriptFetcher{answers: []func() (*market.Result, error){ok(1)}}
	s := testSched(f, &countingSink{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Start(ctx); close(done) }()

	for i := 0; i < 5; i++ {
		s.enqueue(testJob)
	}

	got := 0
	deadline := time.After(5 * time.Second)
	for got < 5 {
		select {
		case r := <-s.Reports():
			assert.Equal(t, "ok", r.Status)
			got++
		case <-deadline:
			t.Fatalf("only %d of 5 reports arrived", got)
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not shut down")
	}
}

func TestRegisterRejectsBadSchedule(t *testing.T) {
	s := testSched(&scriptFetcher{answers: []func() (*market.Result, error){ok(1)}}, nil)
	err := s.Register([]Job{{Name: "bad", Schedule: "not a cron", Enabled: true}})
	assert.Error(t, err)

	// Disabled jobs are skipped without validating the schedule.
	err = s.Register([]Job{{Name: "off", Schedule: "not a cron", Enabled: false}})
	assert.NoError(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	body := `
workers: 2
jobs:
  - name: btc-hourly
    schedule: "0 * * * *"
    asset_class: crypto
    symbol: BTC-USD
    interval: 1h
    limit: 100
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	require.Len(t, cfg.Jobs, 1)
	assert.Equal(t, "btc-hourly", cfg.Jobs[0].Name)
	assert.True(t, cfg.Jobs[0].Enabled)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
