package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/fks-trading/fks-data/internal/market"
)

// ErrAllProvidersFailed marks manager exhaustion; the aggregate error
// wraps both it and the last underlying cause.
var ErrAllProvidersFailed = errors.New("all providers failed")

// ManagerConfig tunes failover behavior. Zero values take defaults.
type ManagerConfig struct {
	// Priorities maps an asset class to its provider order.
	Priorities map[string][]string
	// Cooldown is how long an open circuit skips its provider.
	Cooldown time.Duration
	// VerifyEnabled turns on cross-provider spot checks.
	VerifyEnabled bool
	// VerifyTolerance is the max relative close variance, default 0.01.
	VerifyTolerance float64
}

// DefaultPriorities is the built-in provider order per asset class.
func DefaultPriorities() map[string][]string {
	return map[string][]string{
		"crypto": {"binance", "cmc", "polygon"},
		"stock":  {"polygon", "eodhd"},
		"etf":    {"polygon", "eodhd"},
	}
}

// ProviderHealth is the externally visible snapshot of one provider's
// breaker state. The manager owns the live record; snapshots are copies.
type ProviderHealth struct {
	Name          string     `json:"name"`
	Failures      int        `json:"failures"`
	LastFailure   *time.Time `json:"last_failure,omitempty"`
	LastSuccess   *time.Time `json:"last_success,omitempty"`
	CircuitOpen   bool       `json:"circuit_open"`
	CircuitOpenAt *time.Time `json:"circuit_open_at,omitempty"`
}

type providerState struct {
	breaker *gobreaker.CircuitBreaker
	health  ProviderHealth
}

// Manager orchestrates priority-ordered failover across providers with
// per-provider circuit breakers and optional cross-source verification.
type Manager struct {
	cfg      ManagerConfig
	registry *Registry
	log      zerolog.Logger

	mu     sync.Mutex
	states map[string]*providerState

	// fetchFn is the seam tests override; production goes through the
	// registry client.
	fetchFn func(ctx context.Context, provider string, req Request) (*market.Result, error)
	now     func() time.Time
}

// NewManager builds the manager over a registry.
func NewManager(registry *Registry, cfg ManagerConfig) *Manager {
	if cfg.Priorities == nil {
		cfg.Priorities = DefaultPriorities()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.VerifyTolerance <= 0 {
		cfg.VerifyTolerance = 0.01
	}
	m := &Manager{
		cfg:      cfg,
		registry: registry,
		states:   make(map[string]*providerState),
		log:      log.With().Str("component", "manager").Logger(),
		now:      time.Now,
	}
	m.fetchFn = m.registryFetch
	return m
}

func (m *Manager) registryFetch(ctx context.Context, provider string, req Request) (*market.Result, error) {
	client, err := m.registry.Client(provider)
	if err != nil {
		return nil, err
	}
	return client.Fetch(ctx, req)
}

// state returns the provider's breaker record, creating it on first use.
// Callers hold m.mu.
func (m *Manager) state(name string) *providerState {
	st, ok := m.states[name]
	if ok {
		return st
	}
	st = &providerState{health: ProviderHealth{Name: name}}
	st.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     m.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(cbName string, from, to gobreaker.State) {
			m.onStateChange(cbName, to)
		},
	})
	m.states[name] = st
	return st
}

// onStateChange runs inside breaker transitions, which never happen
// while m.mu is held: Execute and State() are always called unlocked.
func (m *Manager) onStateChange(name string, to gobreaker.State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[name]
	if !ok {
		return
	}
	switch to {
	case gobreaker.StateOpen:
		at := m.now().UTC()
		st.health.CircuitOpen = true
		st.health.CircuitOpenAt = &at
		m.log.Warn().Str("provider", name).Msg("circuit opened")
	case gobreaker.StateClosed, gobreaker.StateHalfOpen:
		st.health.CircuitOpen = to == gobreaker.StateHalfOpen
		if to == gobreaker.StateClosed {
			st.health.CircuitOpenAt = nil
			st.health.Failures = 0
		}
	}
}

// GetData iterates the asset class's provider order, skipping open
// circuits, shaping arguments per provider, and optionally verifying
// the winner against a healthy secondary. Exhaustion returns an
// aggregate error wrapping the last cause.
func (m *Manager) GetData(ctx context.Context, req DataRequest) (*market.Result, error) {
	class := req.AssetClass
	if class == "" {
		class = "crypto"
	}
	order, ok := m.cfg.Priorities[class]
	if !ok || len(order) == 0 {
		return nil, fmt.Errorf("no providers configured for asset class %q", class)
	}
	if req.Provider != "" {
		// A pinned request gets exactly the named provider, still behind
		// its breaker but with no failover and no cross-check.
		order = []string{req.Provider}
	}

	var lastErr error
	for _, name := range order {
		m.mu.Lock()
		st := m.state(name)
		m.mu.Unlock()

		shaped := ShaperFor(name).Shape(req)
		out, err := st.breaker.Execute(func() (interface{}, error) {
			res, err := m.fetchFn(ctx, name, shaped)
			if err != nil {
				return nil, err
			}
			// Verification failures count against the primary's breaker
			// the same as hard upstream errors.
			if verr := m.verify(ctx, name, order, req, res); verr != nil {
				return nil, verr
			}
			return res, nil
		})

		m.mu.Lock()
		nowUTC := m.now().UTC()
		if err != nil {
			if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
				st.health.Failures++
				st.health.LastFailure = &nowUTC
			}
			m.mu.Unlock()
			lastErr = err
			m.log.Debug().Err(err).Str("provider", name).Str("asset", req.Asset).Msg("provider failed")
			continue
		}
		st.health.Failures = 0
		st.health.LastSuccess = &nowUTC
		m.mu.Unlock()

		return out.(*market.Result), nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no provider attempted")
	}
	return nil, fmt.Errorf("%w for %s: last error: %w", ErrAllProvidersFailed, class, lastErr)
}

// verify spot-checks the primary's latest close against a different
// healthy provider. Skipped with a single configured provider; an empty
// or zero-price secondary is indeterminate and passes.
func (m *Manager) verify(ctx context.Context, primary string, order []string, req DataRequest, res *market.Result) error {
	if !m.cfg.VerifyEnabled || len(order) < 2 {
		return nil
	}
	primaryClose, ok := res.LatestClose()
	if !ok || primaryClose == 0 {
		return nil
	}

	var secondary string
	m.mu.Lock()
	for _, name := range order {
		if name == primary {
			continue
		}
		if st, ok := m.states[name]; ok && st.health.CircuitOpen {
			continue
		}
		secondary = name
		break
	}
	m.mu.Unlock()
	if secondary == "" {
		return nil
	}

	check := ShaperFor(secondary).Shape(DataRequest{
		AssetClass:  req.AssetClass,
		Asset:       req.Asset,
		Granularity: req.Granularity,
		Limit:       1,
	})
	other, err := m.fetchFn(ctx, secondary, check)
	if err != nil {
		return nil // indeterminate
	}
	otherClose, ok := other.LatestClose()
	if !ok || otherClose == 0 {
		return nil
	}

	mean := (primaryClose + otherClose) / 2
	if mean == 0 {
		return nil
	}
	variance := math.Abs(primaryClose-otherClose) / mean
	if variance > m.cfg.VerifyTolerance {
		return fmt.Errorf("verification failed: %s close %.8g vs %s close %.8g (variance %.4f > %.4f)",
			primary, primaryClose, secondary, otherClose, variance, m.cfg.VerifyTolerance)
	}
	return nil
}

// Health returns per-provider snapshots for every provider the manager
// has touched plus every provider named in a priority list.
func (m *Manager) Health() []ProviderHealth {
	m.mu.Lock()
	for _, order := range m.cfg.Priorities {
		for _, name := range order {
			m.state(name)
		}
	}
	states := make([]*providerState, 0, len(m.states))
	for _, st := range m.states {
		states = append(states, st)
	}
	m.mu.Unlock()

	out := make([]ProviderHealth, 0, len(states))
	for _, st := range states {
		// Re-derive open state so a snapshot taken mid-cooldown is
		// accurate even before the next Execute triggers a transition.
		// State() can fire onStateChange, so it runs outside the lock.
		open := st.breaker.State() == gobreaker.StateOpen

		m.mu.Lock()
		h := st.health
		m.mu.Unlock()
		h.CircuitOpen = open
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
