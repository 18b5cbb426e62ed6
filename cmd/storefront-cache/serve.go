package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
	"github.com/Sternrassler/storefront-cache/pkg/config"
	"github.com/Sternrassler/storefront-cache/pkg/logging"
	"github.com/Sternrassler/storefront-cache/pkg/ratelimit"
	"github.com/Sternrassler/storefront-cache/pkg/respcache"
)

func serveCmd() *cobra.Command {
	var (
		shutdownTimeout time.Duration
		responseTTL     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Long:  "Serve health, readiness, metrics and cache admin endpoints and proxy the storefront backend through the rate limiter and response cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			svc, configured, err := openCache(cmd.Context(), cfg)
			if err != nil {
				logger.Error().Err(err).Msg("Cache setup failed")
				return err
			}
			defer svc.Close()

			srv, err := newServer(cfg, svc, configured, responseTTL)
			if err != nil {
				return err
			}

			httpServer := &http.Server{
				Addr:              ":" + strconv.Itoa(cfg.Port),
				Handler:           srv.handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info().
					Str("addr", httpServer.Addr).
					Str("backend", svc.Backend()).
					Str("upstream", cfg.UpstreamURL).
					Bool("rate_limit", srv.limiter != nil).
					Msg("Server started")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case sig := <-sigCh:
				logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := httpServer.Shutdown(ctx); err != nil {
					return fmt.Errorf("shutdown server: %w", err)
				}
				srv.responses.Wait()
				logger.Info().Msg("Server stopped")
				return nil
			case err := <-errCh:
				return fmt.Errorf("server error: %w", err)
			}
		},
	}

	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	cmd.Flags().DurationVar(&responseTTL, "response-ttl", 5*time.Minute, "TTL of cached catalog responses")

	return cmd
}

// newServer assembles the limiter and response cache around svc. Rate
// limiting is off when disabled in config or when no backend is configured.
func newServer(cfg *config.Config, svc *cache.Service, configured bool, responseTTL time.Duration) (*server, error) {
	srv := &server{
		cache:         svc,
		responses:     respcache.New(svc, logging.NewLogger("respcache")),
		responseTTL:   responseTTL,
		adminToken:    cfg.AdminToken,
		cacheRequired: cfg.Cache.Required,
		logger:        logging.NewLogger("server"),
	}

	if cfg.UpstreamURL != "" {
		u, err := url.Parse(cfg.UpstreamURL)
		if err != nil {
			return nil, fmt.Errorf("parse upstream url: %w", err)
		}
		srv.upstream = u
	}

	if cfg.RateLimit.Enabled && configured {
		policy, err := cfg.Policy()
		if err != nil {
			return nil, err
		}
		srv.limiter = ratelimit.NewLimiter(svc, policy, logging.NewLogger("ratelimit"),
			ratelimit.WithRolling(cfg.RateLimit.Rolling),
			ratelimit.WithTrustProxy(cfg.RateLimit.TrustProxy),
		)
	} else if cfg.RateLimit.Enabled {
		srv.logger.Warn().Msg("Rate limiting disabled: cache backend not configured")
	}

	return srv, nil
}
