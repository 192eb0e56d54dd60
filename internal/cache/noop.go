package cache

import (
	"context"
	"time"
)

// Noop disables caching when no Redis is configured. Get always misses.
type Noop struct{}

func (Noop) Get(ctx context.Context, key string) ([]byte, bool)                 { return nil, false }
func (Noop) GetStale(ctx context.Context, key string) ([]byte, bool)            { return nil, false }
func (Noop) Set(ctx context.Context, key string, value []byte, t time.Duration) {}
func (Noop) Delete(ctx context.Context, key string)                             {}
func (Noop) Stats() Stats                                                       { return Stats{} }
func (Noop) Ping(ctx context.Context) error                                     { return nil }
func (Noop) Close() error                                                       { return nil }
