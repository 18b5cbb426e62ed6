package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Backend names accepted by StoreConfig.Backend.
const (
	BackendPersistent = "persistent"
	BackendHTTP       = "http"
)

// StoreConfig selects and configures one of the drivers.
type StoreConfig struct {
	// Backend is BackendPersistent or BackendHTTP. Empty selects http when
	// REST credentials are present and persistent otherwise.
	Backend string

	Redis RedisConfig
	REST  RESTConfig
}

// ResolveBackend returns the backend the configuration selects.
func (c StoreConfig) ResolveBackend() string {
	if c.Backend != "" {
		return c.Backend
	}
	if c.REST.URL != "" && c.REST.Token != "" {
		return BackendHTTP
	}
	return BackendPersistent
}

// NewStore builds the configured driver. The persistent driver is connected
// with bounded retries; a failed connection is returned alongside the store
// so callers can decide to run degraded.
func NewStore(ctx context.Context, cfg StoreConfig, logger zerolog.Logger) (Store, error) {
	switch backend := cfg.ResolveBackend(); backend {
	case BackendHTTP:
		store, err := NewRESTStore(cfg.REST, logger)
		if err != nil {
			return nil, err
		}
		return store, nil

	case BackendPersistent:
		store, err := NewRedisStore(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		timeout := cfg.Redis.Timeout
		if timeout <= 0 {
			timeout = DefaultStoreTimeout
		}
		// Each attempt gets its own budget on top of the backoff waits.
		connectCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Redis.ConnectRetries+1)*(timeout+2*time.Second))
		defer cancel()
		if err := store.Connect(connectCtx); err != nil {
			return store, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}
