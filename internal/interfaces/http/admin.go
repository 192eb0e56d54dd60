package http

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/fks-trading/fks-data/internal/backfill"
	"github.com/fks-trading/fks-data/internal/secrets"
)

// adminAuth guards the admin plane with the configured bearer token.
// An unset token disables authentication (local development).
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := os.Getenv("FKS_DATA_ADMIN_TOKEN")
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented := adminToken(r)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func adminToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	if v := r.Header.Get("X-Admin-Token"); v != "" {
		return v
	}
	return r.URL.Query().Get("api_key")
}

var sensitiveMarkers = []string{"KEY", "SECRET", "TOKEN", "PASSWORD", "DSN", "URL"}

func isSensitive(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// maskValue hides a sensitive value behind a short digest so two
// snapshots can still be compared for drift.
func maskValue(v string) string {
	sum := sha256.Sum256([]byte(v))
	return "***" + hex.EncodeToString(sum[:])[:8]
}

type configSnapshot struct {
	taken time.Time
	body  map[string]string
}

var (
	configMu     sync.Mutex
	configCached configSnapshot

	// runtime overrides applied through /config/set
	overrideMu sync.RWMutex
	overrides  = map[string]interface{}{}
)

// handleConfig serves the FKS_* / *_API_KEY environment snapshot with
// sensitive values masked. A 5s micro-cache absorbs dashboard polling.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	configMu.Lock()
	if s.now().Sub(configCached.taken) > 5*time.Second {
		body := map[string]string{}
		for _, kv := range os.Environ() {
			name, value, ok := strings.Cut(kv, "=")
			if !ok || value == "" {
				continue
			}
			if !strings.HasPrefix(name, "FKS_") && !strings.HasSuffix(name, "_API_KEY") {
				continue
			}
			if isSensitive(name) {
				value = maskValue(value)
			}
			body[name] = value
		}
		configCached = configSnapshot{taken: s.now(), body: body}
	}
	body := configCached.body
	configMu.Unlock()

	overrideMu.RLock()
	ov := make(map[string]interface{}, len(overrides))
	for k, v := range overrides {
		ov[k] = v
	}
	overrideMu.RUnlock()

	writeOK(w, map[string]interface{}{"env": body, "overrides": ov})
}

// handleConfigSet records runtime overrides. Values are limited to
// strings, numbers and bools.
func (s *Server) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	var req map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "non-empty override map required")
		return
	}
	for k, v := range req {
		switch v.(type) {
		case string, float64, bool:
		default:
			writeError(w, http.StatusBadRequest, "bad_request",
				"override "+k+" must be a string, number or bool")
			return
		}
	}

	overrideMu.Lock()
	for k, v := range req {
		overrides[k] = v
	}
	overrideMu.Unlock()

	s.log.Info().Int("count", len(req)).Msg("runtime config overrides applied")
	writeOK(w, map[string]int{"applied": len(req)})
}

type saveKeyRequest struct {
	APIKey string `json:"api_key"`
	Secret string `json:"secret,omitempty"`
}

func (s *Server) handleSaveKey(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		writeError(w, http.StatusInternalServerError, "unavailable", "key store not configured")
		return
	}
	provider := mux.Vars(r)["provider"]
	var req saveKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "api_key is required")
		return
	}
	if err := s.deps.Keys.Save(provider, req.APIKey, req.Secret); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "key save failed")
		return
	}
	s.log.Info().Str("provider", provider).
		Str("key", secrets.Mask(req.APIKey)).Msg("provider key saved")
	writeOK(w, map[string]string{
		"provider": provider,
		"api_key":  secrets.Mask(req.APIKey),
	})
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		writeError(w, http.StatusInternalServerError, "unavailable", "key store not configured")
		return
	}
	provider := mux.Vars(r)["provider"]
	entry := s.deps.Keys.Get(provider)
	if entry == nil {
		writeError(w, http.StatusNotFound, "not_found", "no key for "+provider)
		return
	}
	writeOK(w, map[string]interface{}{
		"provider":   provider,
		"api_key":    secrets.Mask(entry.APIKey),
		"has_secret": entry.Secret != "",
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		writeError(w, http.StatusInternalServerError, "unavailable", "key store not configured")
		return
	}
	writeOK(w, s.deps.Keys.List())
}

type addAssetRequest struct {
	Source      string   `json:"source"`
	Symbol      string   `json:"symbol"`
	Intervals   []string `json:"intervals"`
	AssetType   string   `json:"asset_type,omitempty"`
	Exchange    string   `json:"exchange,omitempty"`
	Years       float64  `json:"years,omitempty"`
	FullHistory bool     `json:"full_history,omitempty"`
}

func (s *Server) handleAddAsset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Assets == nil {
		writeError(w, http.StatusInternalServerError, "unavailable", "asset registry not configured")
		return
	}
	var req addAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed body")
		return
	}
	asset, err := s.deps.Assets.AddAsset(backfill.Asset{
		Source:      req.Source,
		Symbol:      req.Symbol,
		Intervals:   req.Intervals,
		AssetType:   req.AssetType,
		Exchange:    req.Exchange,
		Years:       req.Years,
		FullHistory: req.FullHistory,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeOK(w, asset)
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	if s.deps.Assets == nil {
		writeError(w, http.StatusInternalServerError, "unavailable", "asset registry not configured")
		return
	}
	assets, err := s.deps.Assets.ListAssets()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeOK(w, assets)
}

func (s *Server) assetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid asset id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleToggleAsset(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Assets == nil {
			writeError(w, http.StatusInternalServerError, "unavailable", "asset registry not configured")
			return
		}
		id, ok := s.assetID(w, r)
		if !ok {
			return
		}
		if err := s.deps.Assets.SetEnabled(id, enabled); err != nil {
			s.assetError(w, err)
			return
		}
		writeOK(w, map[string]interface{}{"id": id, "enabled": enabled})
	}
}

func (s *Server) handleRemoveAsset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Assets == nil {
		writeError(w, http.StatusInternalServerError, "unavailable", "asset registry not configured")
		return
	}
	id, ok := s.assetID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Assets.RemoveAsset(id); err != nil {
		s.assetError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"id": id, "removed": true})
}

func (s *Server) handleAssetProgress(w http.ResponseWriter, r *http.Request) {
	if s.deps.Assets == nil {
		writeError(w, http.StatusInternalServerError, "unavailable", "asset registry not configured")
		return
	}
	id, ok := s.assetID(w, r)
	if !ok {
		return
	}
	progress, err := s.deps.Assets.Progress(id)
	if err != nil {
		s.assetError(w, err)
		return
	}
	sort.Slice(progress, func(i, j int) bool { return progress[i].Interval < progress[j].Interval })
	writeOK(w, progress)
}

func (s *Server) assetError(w http.ResponseWriter, err error) {
	if errors.Is(err, backfill.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}
