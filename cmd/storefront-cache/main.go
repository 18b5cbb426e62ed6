package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
	"github.com/Sternrassler/storefront-cache/pkg/config"
	"github.com/Sternrassler/storefront-cache/pkg/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:          "storefront-cache",
		Short:        "Storefront cache and rate limiting service",
		Long:         "Caching, response caching and rate limiting in front of the storefront backend",
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd(), adminCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and configures the global logger.
func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	logCfg := cfg.LoggingConfig()
	logCfg.Version = version
	logger := logging.Setup(logCfg)
	return cfg, logger, nil
}

// openCache builds the cache service. It reports false when the backend is
// not configured and the service runs on the disabled store.
func openCache(ctx context.Context, cfg *config.Config) (*cache.Service, bool, error) {
	logger := logging.NewLogger("cache")
	opts := []cache.ServiceOption{
		cache.WithDefaultTTL(cfg.Cache.TTL),
		cache.WithDefaultPrefix(cfg.Cache.Prefix),
	}

	if err := cfg.CheckCache(); err != nil {
		return nil, false, err
	}
	if !cfg.CacheConfigured() {
		logger.Warn().
			Str("backend", cfg.StoreConfig().ResolveBackend()).
			Msg("Cache backend not configured, caching and rate limiting disabled")
		return cache.NewService(cache.Disabled(), logger, opts...), false, nil
	}

	store, err := cache.NewStore(ctx, cfg.StoreConfig(), logger)
	if err != nil {
		if store == nil {
			return nil, false, fmt.Errorf("create cache store: %w", err)
		}
		if cfg.Cache.Required {
			_ = store.Close()
			return nil, false, fmt.Errorf("connect cache: %w", err)
		}
		logger.Error().Err(err).Str("backend", store.Name()).Msg("Cache backend unreachable, starting degraded")
	} else {
		logger.Info().Str("backend", store.Name()).Msg("Cache backend connected")
	}

	return cache.NewService(store, logger, opts...), true, nil
}
