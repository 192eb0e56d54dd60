// Package http is the service's REST surface: market-data reads,
// provider pass-throughs, signed webhooks and the token-guarded admin
// plane, all behind one middleware chain.
package http

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fks-trading/fks-data/internal/backfill"
	"github.com/fks-trading/fks-data/internal/cache"
	"github.com/fks-trading/fks-data/internal/delta"
	"github.com/fks-trading/fks-data/internal/market"
	"github.com/fks-trading/fks-data/internal/persistence"
	"github.com/fks-trading/fks-data/internal/providers"
	"github.com/fks-trading/fks-data/internal/secrets"
	"github.com/fks-trading/fks-data/internal/stream"
)

// Fetcher is the manager slice the data endpoints use.
type Fetcher interface {
	GetData(ctx context.Context, req providers.DataRequest) (*market.Result, error)
	Health() []providers.ProviderHealth
}

// ProviderClients resolves direct adapter clients for pass-through
// endpoints (news, futures).
type ProviderClients interface {
	Client(name string) (*providers.Client, error)
}

// StateReader serves persisted binary-state rows.
type StateReader interface {
	LatestBTRStates(ctx context.Context, symbol string, limit int) ([]persistence.BTRState, error)
}

// Pinger is anything health can ping (DB, Redis).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps carries everything the surface serves from. Nil fields disable
// the endpoints that need them.
type Deps struct {
	Fetcher  Fetcher
	Clients  ProviderClients
	Cache    cache.Cache
	Keys     *secrets.KeyStore
	Assets   *backfill.Store
	Hub      *stream.Hub
	Delta    *delta.Scanner
	States   StateReader
	DB       Pinger
	Registry *prometheus.Registry
	Log      zerolog.Logger
}

// Config holds listener settings.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig binds 0.0.0.0:4200, overridable with FKS_DATA_PORT.
func DefaultConfig() Config {
	port := 4200
	if v := os.Getenv("FKS_DATA_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}
	return Config{
		Host:         "0.0.0.0",
		Port:         port,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 330 * time.Second, // above the admin/backfill hard timeout
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the assembled REST surface.
type Server struct {
	router  *mux.Router
	server  *http.Server
	deps    Deps
	cfg     Config
	log     zerolog.Logger
	started time.Time
	now     func() time.Time
}

// NewServer wires routes and middleware.
func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		deps:    deps,
		cfg:     cfg,
		log:     deps.Log.With().Str("component", "http").Logger(),
		started: time.Now(),
		now:     time.Now,
	}
	s.routes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Use(s.requestID)
	s.router.Use(s.recovery)
	s.router.Use(s.accessLog)
	s.router.Use(s.metricsMiddleware())
	s.router.Use(s.cors)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Registry,
			promhttp.HandlerOpts{})).Methods(http.MethodGet)
	} else {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/price", s.handlePrice).Methods(http.MethodGet)
	s.router.HandleFunc("/ohlcv", s.handleOHLCV).Methods(http.MethodGet)
	s.router.HandleFunc("/providers", s.handleProviders).Methods(http.MethodGet)
	s.router.HandleFunc("/news", s.handleNews).Methods(http.MethodGet)
	s.router.HandleFunc("/news/bulk", s.handleNewsBulk).Methods(http.MethodPost)

	fut := s.router.PathPrefix("/futures").Subrouter()
	fut.HandleFunc("/contracts", s.futuresOp("contracts", "")).Methods(http.MethodGet)
	fut.HandleFunc("/contracts/{ticker}", s.futuresOp("contract", "ticker")).Methods(http.MethodGet)
	fut.HandleFunc("/products", s.futuresOp("products", "")).Methods(http.MethodGet)
	fut.HandleFunc("/products/{code}", s.futuresOp("product", "code")).Methods(http.MethodGet)
	fut.HandleFunc("/schedules", s.futuresOp("schedules", "")).Methods(http.MethodGet)
	fut.HandleFunc("/products/{code}/schedules", s.futuresOp("product_schedules", "code")).Methods(http.MethodGet)
	fut.HandleFunc("/aggs/{ticker}", s.futuresOp("aggs", "ticker")).Methods(http.MethodGet)
	fut.HandleFunc("/trades/{ticker}", s.futuresOp("trades", "ticker")).Methods(http.MethodGet)
	fut.HandleFunc("/quotes/{ticker}", s.futuresOp("quotes", "ticker")).Methods(http.MethodGet)
	fut.HandleFunc("/market-status", s.futuresOp("market_status", "")).Methods(http.MethodGet)
	fut.HandleFunc("/exchanges", s.futuresOp("exchanges", "")).Methods(http.MethodGet)

	if s.deps.Delta != nil {
		s.router.HandleFunc("/delta/stats", s.handleDeltaStats).Methods(http.MethodGet)
		s.router.HandleFunc("/delta/{symbol}/sequence", s.handleDeltaSequence).Methods(http.MethodGet)
		if s.deps.States != nil {
			s.router.HandleFunc("/delta/{symbol}/states", s.handleDeltaStates).Methods(http.MethodGet)
		}
	}

	s.router.HandleFunc("/webhooks/binance", s.webhook("binance", "X-Binance-Signature")).Methods(http.MethodPost)
	s.router.HandleFunc("/webhooks/polygon", s.webhook("polygon", "X-Polygon-Signature")).Methods(http.MethodPost)

	if s.deps.Hub != nil {
		s.router.HandleFunc("/ws/market", s.deps.Hub.ServeWS)
	}

	admin := s.router.NewRoute().Subrouter()
	admin.Use(s.adminAuth)
	admin.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	admin.HandleFunc("/config/set", s.handleConfigSet).Methods(http.MethodPost)
	admin.HandleFunc("/providers/keys", s.handleListKeys).Methods(http.MethodGet)
	admin.HandleFunc("/providers/{provider}/key", s.handleGetKey).Methods(http.MethodGet)
	admin.HandleFunc("/providers/{provider}/key", s.handleSaveKey).Methods(http.MethodPost)
	admin.HandleFunc("/assets", s.handleListAssets).Methods(http.MethodGet)
	admin.HandleFunc("/assets", s.handleAddAsset).Methods(http.MethodPost)
	admin.HandleFunc("/assets/{id}/enable", s.handleToggleAsset(true)).Methods(http.MethodPost)
	admin.HandleFunc("/assets/{id}/disable", s.handleToggleAsset(false)).Methods(http.MethodPost)
	admin.HandleFunc("/assets/{id}", s.handleRemoveAsset).Methods(http.MethodDelete)
	admin.HandleFunc("/assets/{id}/progress", s.handleAssetProgress).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}
