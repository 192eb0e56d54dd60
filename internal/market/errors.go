package market

import (
	"errors"
	"fmt"
)

// ErrNoData marks queries that matched nothing. Callers translate it to
// a 404 or treat it as an empty range.
var ErrNoData = errors.New("no data")

// FetchError is the only error adapters surface. StatusCode is zero for
// transport-level failures.
type FetchError struct {
	Provider   string
	Message    string
	StatusCode int
	Retryable  bool
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Provider, e.Message)
}

// NewFetchError wraps a provider failure.
func NewFetchError(provider, format string, args ...interface{}) *FetchError {
	return &FetchError{Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err is a FetchError flagged retryable.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
