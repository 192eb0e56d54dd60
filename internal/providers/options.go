package providers

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Built-in defaults, the bottom of the precedence chain.
const (
	DefaultTimeout       = 10 * time.Second
	DefaultMaxRetries    = 2
	DefaultBackoffBase   = 300 * time.Millisecond
	DefaultBackoffJitter = 250 * time.Millisecond
)

// Options are the per-adapter knobs the fetch lifecycle runs under.
// Zero values mean "resolve from the environment".
type Options struct {
	Timeout       time.Duration
	RPS           float64
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffJitter time.Duration
}

// ResolveOptions fills unset fields of explicit from the environment and
// built-in defaults. Precedence, highest first: explicit option ->
// FKS_<NAME>_TIMEOUT / FKS_<NAME>_RPS -> FKS_API_TIMEOUT /
// FKS_DEFAULT_RPS -> built-in. defaultRPS is the adapter's own floor
// when nothing else names a rate.
func ResolveOptions(name string, explicit Options, defaultRPS float64) Options {
	upper := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))

	out := explicit
	if out.Timeout <= 0 {
		out.Timeout = envSeconds("FKS_"+upper+"_TIMEOUT", envSeconds("FKS_API_TIMEOUT", DefaultTimeout))
	}
	if out.RPS <= 0 {
		out.RPS = envFloat("FKS_"+upper+"_RPS", envFloat("FKS_DEFAULT_RPS", defaultRPS))
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = envInt("FKS_API_MAX_RETRIES", DefaultMaxRetries)
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = envSeconds("FKS_API_BACKOFF_BASE", DefaultBackoffBase)
	}
	if out.BackoffJitter <= 0 {
		out.BackoffJitter = envSeconds("FKS_API_BACKOFF_JITTER", DefaultBackoffJitter)
	}
	return out
}

func envSeconds(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func envFloat(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
