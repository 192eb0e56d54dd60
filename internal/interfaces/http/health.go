package http

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/fks-trading/fks-data/internal/providers"
)

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string                     `json:"status"` // ok | degraded
	Uptime    string                     `json:"uptime"`
	Providers []providers.ProviderHealth `json:"providers"`
	Checks    map[string]string          `json:"checks"`
	Process   ProcessStats               `json:"process"`
	Timestamp string                     `json:"timestamp"`
}

// ProcessStats is the gopsutil-backed process snapshot.
type ProcessStats struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	degraded := false

	ping := func(name string, p Pinger) {
		if p == nil {
			checks[name] = "disabled"
			return
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = "down: " + err.Error()
			degraded = true
			return
		}
		checks[name] = "ok"
	}
	ping("database", s.deps.DB)
	ping("cache", s.deps.Cache)

	var health []providers.ProviderHealth
	if s.deps.Fetcher != nil {
		health = s.deps.Fetcher.Health()
		for _, h := range health {
			if h.CircuitOpen {
				degraded = true
			}
		}
	}

	status := "ok"
	code := http.StatusOK
	if degraded {
		status = "degraded"
		// Still 200: the service is alive, load balancers should not kill it.
	}

	writeJSON(w, code, HealthResponse{
		Status:    status,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Providers: health,
		Checks:    checks,
		Process:   processStats(),
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

func processStats() ProcessStats {
	stats := ProcessStats{PID: os.Getpid(), Goroutines: runtime.NumGoroutine()}
	proc, err := process.NewProcess(int32(stats.PID))
	if err != nil {
		return stats
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	return stats
}
