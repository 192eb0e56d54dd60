// Package scheduler runs the periodic collection jobs: cron-triggered
// OHLCV pulls fanned out over a bounded worker pool, with per-job
// retries, panic isolation and hard timeouts.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/fks-trading/fks-data/internal/backfill"
	"github.com/fks-trading/fks-data/internal/market"
	"github.com/fks-trading/fks-data/internal/providers"
)

const (
	defaultWorkers = 4
	hardTimeout    = 300 * time.Second
	softTimeout    = 240 * time.Second

	maxAttempts = 3
	retryBase   = 2 * time.Second
	retryCap    = 60 * time.Second
	retryJitter = 500 * time.Millisecond
)

// Job is one scheduled collection entry.
type Job struct {
	Name       string `yaml:"name"`
	Schedule   string `yaml:"schedule"` // standard 5-field cron
	AssetClass string `yaml:"asset_class"`
	Symbol     string `yaml:"symbol"`
	Interval   string `yaml:"interval"`
	Limit      int    `yaml:"limit"`
	Enabled    bool   `yaml:"enabled"`
}

// Config is the scheduler's YAML shape.
type Config struct {
	Workers int   `yaml:"workers"`
	Jobs    []Job `yaml:"jobs"`
}

// LoadConfig reads the jobs file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read scheduler config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse scheduler config: %w", err)
	}
	return cfg, nil
}

// Report is the outcome of one collection run.
type Report struct {
	Job            string    `json:"job"`
	Symbol         string    `json:"symbol"`
	Interval       string    `json:"interval"`
	Status         string    `json:"status"` // ok | empty | error
	Provider       string    `json:"provider,omitempty"`
	CandlesFetched int       `json:"candles_fetched"`
	CandlesStored  int       `json:"candles_stored"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error,omitempty"`
	Ts             time.Time `json:"ts"`
}

// BarSink is the storage slice collection jobs write through.
type BarSink interface {
	UpsertBars(ctx context.Context, source, symbol, interval string, bars []market.Bar) (int, error)
}

// Scheduler owns the cron table and the worker pool. Jobs enqueue on
// their cron tick; at most Workers collections run at once, so a slow
// provider cannot starve the rest of the table.
type Scheduler struct {
	fetcher backfill.Fetcher
	sink    BarSink
	log     zerolog.Logger
	cron    *cron.Cron
	queue   chan Job
	workers int
	reports chan Report
	wg      sync.WaitGroup
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// New builds a scheduler over the provider manager and bar store.
// sink may be nil for fetch-only smoke runs.
func New(fetcher backfill.Fetcher, sink BarSink, workers int, log zerolog.Logger) *Scheduler {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Scheduler{
		fetcher: fetcher,
		sink:    sink,
		log:     log.With().Str("component", "scheduler").Logger(),
		cron:    cron.New(),
		queue:   make(chan Job, 64),
		workers: workers,
		reports: make(chan Report, 64),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Reports exposes the outcome stream; consumers must drain it.
func (s *Scheduler) Reports() <-chan Report { return s.reports }

// Register adds enabled jobs to the cron table.
func (s *Scheduler) Register(jobs []Job) error {
	for _, j := range jobs {
		if !j.Enabled {
			continue
		}
		job := j
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.enqueue(job) }); err != nil {
			return fmt.Errorf("register job %q: %w", job.Name, err)
		}
		s.log.Info().Str("job", job.Name).Str("schedule", job.Schedule).Msg("job registered")
	}
	return nil
}

func (s *Scheduler) enqueue(j Job) {
	select {
	case s.queue <- j:
	default:
		s.log.Warn().Str("job", j.Name).Msg("queue full, tick dropped")
	}
}

// Start launches the workers and the cron table. Cancel ctx to stop;
// Start blocks until every in-flight job has drained.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.cron.Start()
	<-ctx.Done()
	s.cron.Stop()
	close(s.queue)
	s.wg.Wait()
	close(s.reports)
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for j := range s.queue {
		if ctx.Err() != nil {
			return
		}
		s.emit(s.runJob(ctx, j))
	}
}

func (s *Scheduler) emit(r Report) {
	select {
	case s.reports <- r:
	default:
		// Nobody draining; the log line is the record.
	}
	ev := s.log.Info()
	if r.Status == "error" {
		ev = s.log.Error()
	}
	ev.Str("job", r.Job).Str("status", r.Status).Str("provider", r.Provider).
		Int("fetched", r.CandlesFetched).Int("stored", r.CandlesStored).
		Int("attempts", r.Attempts).Msg("collection run")
}

// runJob executes one collection under the hard timeout, with a soft
// deadline warning and panic recovery.
func (s *Scheduler) runJob(ctx context.Context, j Job) (report Report) {
	report = Report{Job: j.Name, Symbol: j.Symbol, Interval: j.Interval, Ts: s.now().UTC()}

	ctx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()
	soft := time.AfterFunc(softTimeout, func() {
		s.log.Warn().Str("job", j.Name).Dur("after", softTimeout).Msg("job still running")
	})
	defer soft.Stop()

	defer func() {
		if r := recover(); r != nil {
			report.Status = "error"
			report.Error = fmt.Sprintf("panic: %v", r)
			s.log.Error().Str("job", j.Name).
				Str("stack", string(debug.Stack())).
				Msgf("job panicked: %v", r)
		}
	}()

	return s.CollectOHLCV(ctx, j)
}

// CollectOHLCV fetches the symbol's latest candles and upserts them.
// Transient failures retry up to maxAttempts with capped jittered
// exponential backoff.
func (s *Scheduler) CollectOHLCV(ctx context.Context, j Job) Report {
	report := Report{Job: j.Name, Symbol: j.Symbol, Interval: j.Interval, Ts: s.now().UTC()}

	req := providers.DataRequest{
		AssetClass:  j.AssetClass,
		Asset:       j.Symbol,
		Granularity: j.Interval,
		Limit:       j.Limit,
	}

	var res *market.Result
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		report.Attempts = attempt
		res, err = s.fetcher.GetData(ctx, req)
		if err == nil {
			break
		}
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		delay := retryBase << (attempt - 1)
		if delay > retryCap {
			delay = retryCap
		}
		delay += time.Duration(rand.Int63n(int64(retryJitter)))
		s.log.Warn().Err(err).Str("job", j.Name).Int("attempt", attempt).
			Dur("backoff", delay).Msg("collection attempt failed")
		if serr := s.sleep(ctx, delay); serr != nil {
			break
		}
	}
	if err != nil {
		report.Status = "error"
		report.Error = err.Error()
		return report
	}

	report.Provider = res.Provider
	report.CandlesFetched = len(res.Bars)
	if len(res.Bars) == 0 {
		report.Status = "empty"
		return report
	}

	if s.sink != nil {
		stored, serr := s.sink.UpsertBars(ctx, res.Provider, j.Symbol, j.Interval, res.Bars)
		if serr != nil {
			report.Status = "error"
			report.Error = fmt.Sprintf("store: %v", serr)
			return report
		}
		report.CandlesStored = stored
	}
	report.Status = "ok"
	return report
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
