package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fks-trading/fks-data/internal/market"
	"github.com/fks-trading/fks-data/internal/secrets"
)

const (
	webhookBodyLimit = 1 << 20
	webhookKlineTTL  = 3600 * time.Second
)

func webhookSecret(provider string) string {
	upper := strings.ToUpper(provider)
	return secrets.EnvAny(
		"FKS_"+upper+"_WEBHOOK_SECRET",
		upper+"_WEBHOOK_SECRET",
		"FKS_WEBHOOK_SECRET",
	)
}

// verifySignature checks the hex HMAC-SHA256 of body against secret.
// Comparison is constant time over the decoded MACs; a bad hex header
// fails without leaking where it diverged.
func verifySignature(body []byte, header, secret string) bool {
	if secret == "" || header == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// webhookKline is the push payload shape both exchanges send for
// candle updates.
type webhookKline struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		Start    int64           `json:"t"`
		Interval string          `json:"i"`
		Open     json.RawMessage `json:"o"`
		High     json.RawMessage `json:"h"`
		Low      json.RawMessage `json:"l"`
		Close    json.RawMessage `json:"c"`
		Volume   json.RawMessage `json:"v"`
		Closed   bool            `json:"x"`
	} `json:"k"`
}

// webhook authenticates the push and, for closed klines, caches the
// normalized candle for the REST surface to serve.
func (s *Server) webhook(provider, sigHeader string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
			return
		}
		if !verifySignature(body, r.Header.Get(sigHeader), webhookSecret(provider)) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "signature verification failed")
			return
		}

		var payload webhookKline
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "malformed payload")
			return
		}
		if payload.EventType != "kline" {
			writeOK(w, map[string]string{"status": "ignored", "event": payload.EventType})
			return
		}
		if !payload.Kline.Closed {
			// Open candles mutate until close; acknowledge without caching.
			writeOK(w, map[string]string{"status": "acknowledged"})
			return
		}

		bar := market.Bar{
			Ts:     payload.Kline.Start / 1000,
			Open:   looseFloat(payload.Kline.Open),
			High:   looseFloat(payload.Kline.High),
			Low:    looseFloat(payload.Kline.Low),
			Close:  looseFloat(payload.Kline.Close),
			Volume: looseFloat(payload.Kline.Volume),
		}
		if !bar.Valid() {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid kline values")
			return
		}
		if s.deps.Cache != nil {
			key := "webhook:kline:" + payload.Symbol + ":" + payload.Kline.Interval
			if raw, err := json.Marshal(bar); err == nil {
				s.deps.Cache.Set(r.Context(), key, raw, webhookKlineTTL)
			}
		}
		s.log.Debug().
			Str("provider", provider).
			Str("symbol", payload.Symbol).
			Str("interval", payload.Kline.Interval).
			Int64("ts", bar.Ts).
			Msg("webhook kline cached")
		writeOK(w, map[string]interface{}{"status": "stored", "ts": bar.Ts})
	}
}

// looseFloat accepts both "100.5" and 100.5, the two shapes exchanges
// use for numeric kline fields.
func looseFloat(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	var v float64
	json.Unmarshal(raw, &v)
	return v
}
