package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
	"github.com/Sternrassler/storefront-cache/pkg/logging"
	"github.com/Sternrassler/storefront-cache/pkg/metrics"
	"github.com/Sternrassler/storefront-cache/pkg/ratelimit"
	"github.com/Sternrassler/storefront-cache/pkg/respcache"
)

// readyTimeout bounds the backend ping behind /ready.
const readyTimeout = 2 * time.Second

// collection is a cacheable catalog resource of the storefront backend.
type collection struct {
	name string
	tags func(ids ...string) []string
}

// cachedCollections are the public catalog listings served through the
// response cache. Mutations on them invalidate the collection and entity tags.
var cachedCollections = []collection{
	{name: "products", tags: cache.ProductTags},
	{name: "categories", tags: cache.CategoryTags},
	{name: "services", tags: cache.ServiceTags},
}

// server wires the cache, limiter and response cache into an HTTP handler.
type server struct {
	cache         *cache.Service
	limiter       *ratelimit.Limiter
	responses     *respcache.Interceptor
	upstream      *url.URL
	adminToken    string
	responseTTL   time.Duration
	cacheRequired bool
	logger        zerolog.Logger
}

// handler returns the full middleware chain. The limiter is skipped when nil.
func (s *server) handler() http.Handler {
	r := mux.NewRouter()
	r.Use(metrics.Middleware)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	if s.adminToken == "" {
		r.PathPrefix("/admin/cache").HandlerFunc(s.handleAdminDisabled)
	} else {
		s.adminRoutes(r.PathPrefix("/admin/cache").Subrouter())
	}

	if s.upstream != nil {
		s.proxyRoutes(r)
	}

	return logging.Middleware(s.logger)(r)
}

// adminRoutes registers the cache administration endpoints behind the
// bearer token.
func (s *server) adminRoutes(admin *mux.Router) {
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	admin.HandleFunc("/reset-stats", s.handleResetStats).Methods(http.MethodPost)
	admin.HandleFunc("/clear", s.handleClear).Methods(http.MethodPost)
	admin.HandleFunc("/invalidate", s.handleInvalidate).Methods(http.MethodPost)
}

// requireAdmin rejects requests without "Authorization: Bearer <token>".
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			logger := logging.FromContext(r.Context(), s.logger)
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rejected admin request")
			w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"statusCode": http.StatusUnauthorized,
				"message":    "invalid or missing admin token",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleAdminDisabled answers the admin paths when ADMIN_TOKEN is unset so
// they are never forwarded upstream.
func (s *server) handleAdminDisabled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"statusCode": http.StatusNotFound,
		"message":    "admin endpoints are disabled",
	})
}

// proxyRoutes forwards everything else to the storefront backend. Catalog
// reads are cached and catalog writes invalidate the matching tags.
func (s *server) proxyRoutes(r *mux.Router) {
	proxy := httputil.NewSingleHostReverseProxy(s.upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		logger := logging.FromContext(req.Context(), s.logger)
		logger.Error().
			Err(err).
			Str("path", req.URL.Path).
			Msg("Upstream request failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"statusCode": http.StatusBadGateway,
			"message":    "upstream unavailable",
		})
	}

	reads := []string{http.MethodGet, http.MethodHead}
	for _, c := range cachedCollections {
		c := c
		list := "/api/" + c.name
		item := list + "/{id}"
		entityTags := func(req *http.Request) []string { return c.tags(mux.Vars(req)["id"]) }
		collectionTags := func(*http.Request) []string { return c.tags() }

		r.Handle(list, s.responses.Cache(respcache.Route{
			Name:     c.name + ":list",
			TTL:      s.responseTTL,
			Tags:     collectionTags,
			Coalesce: true,
		})(proxy)).Methods(reads...)
		r.Handle(item, s.responses.Cache(respcache.Route{
			Name:     c.name + ":item",
			TTL:      s.responseTTL,
			Tags:     entityTags,
			Coalesce: true,
		})(proxy)).Methods(reads...)

		r.Handle(list, s.responses.Invalidate(collectionTags)(proxy)).Methods(http.MethodPost)
		r.Handle(item, s.responses.Invalidate(entityTags)(proxy)).
			Methods(http.MethodPut, http.MethodPatch, http.MethodDelete)
	}

	r.PathPrefix("/").Handler(proxy)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReady reports 503 only when the cache is required and unreachable.
func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	connected := s.cache.Ping(ctx)
	status, code := "ready", http.StatusOK
	switch {
	case !connected && s.cacheRequired:
		status, code = "unavailable", http.StatusServiceUnavailable
	case !connected:
		status = "degraded"
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"backend": s.cache.Backend(),
		"cache":   connected,
	})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.StatsContext(r.Context()))
}

func (s *server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	s.cache.ResetStats()
	logger := logging.FromContext(r.Context(), s.logger)
	logger.Info().Msg("Cache statistics reset")
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *server) handleClear(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"statusCode": http.StatusBadRequest,
			"message":    "prefix is required",
		})
		return
	}

	deleted := s.cache.ClearByPrefix(r.Context(), prefix)
	logger := logging.FromContext(r.Context(), s.logger)
	logger.Info().
		Str("prefix", prefix).
		Int64("deleted", deleted).
		Msg("Cache prefix cleared")
	writeJSON(w, http.StatusOK, map[string]any{"prefix": prefix, "deleted": deleted})
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	tags := r.URL.Query()["tag"]
	if len(tags) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"statusCode": http.StatusBadRequest,
			"message":    "at least one tag is required",
		})
		return
	}

	deleted := s.cache.InvalidateByTags(r.Context(), tags...)
	logger := logging.FromContext(r.Context(), s.logger)
	logger.Info().
		Strs("tags", tags).
		Int64("deleted", deleted).
		Msg("Cache tags invalidated")
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags, "deleted": deleted})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
