// Package respcache memoizes whole HTTP handler responses in the shared
// cache. Routes opt in individually; responses are written to the cache in
// the background after they have been sent, so a slow or failing cache never
// delays or breaks the response itself.
package respcache

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
)

const (
	// DefaultPrefix namespaces cached responses.
	DefaultPrefix = "http"

	// DefaultWriteTimeout bounds a background cache write.
	DefaultWriteTimeout = 5 * time.Second
)

// Route declares how one route is cached.
type Route struct {
	// Name identifies the handler in the default key. Defaults to the mux
	// route name, then its path template, then the request path.
	Name string

	TTL time.Duration

	// Prefix is the cache namespace. Defaults to DefaultPrefix.
	Prefix string

	// Key overrides the default key. Returning "" skips caching.
	Key func(r *http.Request) string

	// Tags returns invalidation tags for a stored response.
	Tags func(r *http.Request) []string

	// Condition decides whether a handler response is stored. Defaults to
	// DefaultCondition.
	Condition func(r *http.Request, resp *Response) bool

	// Coalesce runs the handler once for concurrent misses on the same key
	// and replays the result to every waiting caller.
	Coalesce bool
}

// Interceptor builds caching middleware over a Cache.
type Interceptor struct {
	cache        cache.Cache
	logger       zerolog.Logger
	writeTimeout time.Duration

	group    singleflight.Group
	inflight sync.WaitGroup
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithWriteTimeout bounds background cache writes.
func WithWriteTimeout(d time.Duration) Option {
	return func(i *Interceptor) {
		if d > 0 {
			i.writeTimeout = d
		}
	}
}

// New creates an Interceptor.
func New(c cache.Cache, logger zerolog.Logger, opts ...Option) *Interceptor {
	if c == nil {
		panic("cache cannot be nil")
	}
	i := &Interceptor{
		cache:        c,
		logger:       logger,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Wait blocks until every background cache write has finished.
// Call it during shutdown after the HTTP server stopped accepting requests.
func (i *Interceptor) Wait() {
	i.inflight.Wait()
}

// Cache returns middleware caching the wrapped handler's responses.
// The result satisfies mux.MiddlewareFunc.
func (i *Interceptor) Cache(route Route) func(http.Handler) http.Handler {
	if route.Prefix == "" {
		route.Prefix = DefaultPrefix
	}
	if route.Condition == nil {
		route.Condition = DefaultCondition
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if route.Key == nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			key := i.key(route, r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			label := routeLabel(route, r)

			var cached Response
			if i.cache.Get(r.Context(), key, &cached, cache.WithPrefix(route.Prefix)) && cached.acceptable(r) {
				responseHits.WithLabelValues(label).Inc()
				cached.writeTo(w, r, "HIT")
				return
			}
			responseMisses.WithLabelValues(label).Inc()

			// A HEAD leader records no body, so only GET is coalesced.
			if route.Coalesce && r.Method == http.MethodGet {
				i.serveCoalesced(w, r, next, route, key, label)
				return
			}

			w.Header().Set("X-Cache", "MISS")
			rec := newRecorder(w, true)
			next.ServeHTTP(rec, r)

			resp := rec.response()
			if route.Condition(r, resp) {
				i.store(r, route, key, label, resp)
			}
		})
	}
}

// serveCoalesced runs the handler once per key among concurrent callers.
// The caller that ran the handler gets its own recorded response, cookies
// included; the others replay the shared copy. A response that set a cookie
// belongs to the leader's session, so the others run the handler themselves,
// as they do when they cannot decode the shared body.
func (i *Interceptor) serveCoalesced(w http.ResponseWriter, r *http.Request, next http.Handler, route Route, key, label string) {
	var rec *recorder
	v, _, _ := i.group.Do(r.Method+"|"+route.Prefix+"|"+key, func() (any, error) {
		rec = newRecorder(w, false)
		next.ServeHTTP(rec, r)

		resp := rec.response()
		if route.Condition(r, resp) {
			i.store(r, route, key, label, resp)
		}
		return resp, nil
	})
	if rec != nil {
		rec.replay(w, r, "MISS")
		return
	}

	resp := v.(*Response)
	if resp.SetsCookie() || !resp.acceptable(r) {
		w.Header().Set("X-Cache", "MISS")
		next.ServeHTTP(w, r)
		return
	}
	coalescedTotal.WithLabelValues(label).Inc()
	resp.writeTo(w, r, "MISS")
}

// store writes resp to the cache in the background. The write is detached
// from the request context so it survives the client disconnecting.
func (i *Interceptor) store(r *http.Request, route Route, key, label string, resp *Response) {
	opts := []cache.Option{cache.WithPrefix(route.Prefix)}
	if route.TTL > 0 {
		opts = append(opts, cache.WithTTL(route.TTL))
	}
	if route.Tags != nil {
		if tags := route.Tags(r); len(tags) > 0 {
			opts = append(opts, cache.WithTags(tags...))
		}
	}

	ctx := context.WithoutCancel(r.Context())
	i.inflight.Add(1)
	go func() {
		defer i.inflight.Done()

		ctx, cancel := context.WithTimeout(ctx, i.writeTimeout)
		defer cancel()

		if i.cache.Set(ctx, key, resp, opts...) {
			responseWrites.WithLabelValues(label, "ok").Inc()
			return
		}
		responseWrites.WithLabelValues(label, "failed").Inc()
		i.logger.Debug().Str("route", label).Msg("Response not cached")
	}()
}

// Invalidate returns middleware for mutating routes: after the wrapped
// handler answers 2xx, every tag returned by tags is invalidated.
func (i *Interceptor) Invalidate(tags func(r *http.Request) []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := newRecorder(w, true)
			next.ServeHTTP(rec, r)

			status := rec.statusCode()
			if status < 200 || status >= 300 {
				return
			}
			labels := tags(r)
			if len(labels) == 0 {
				return
			}
			n := i.cache.InvalidateByTags(context.WithoutCancel(r.Context()), labels...)
			i.logger.Debug().Strs("tags", labels).Int64("deleted", n).Str("path", r.URL.Path).Msg("Invalidated cached responses")
		})
	}
}

// DefaultCondition stores successful GET responses that do not set cookies
// and vary on nothing but Accept-Encoding, which DefaultKey covers.
// HEAD requests are served from cache but never populate it, since their
// recorded body is empty.
func DefaultCondition(r *http.Request, resp *Response) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return false
	}
	if resp.SetsCookie() {
		return false
	}
	for _, name := range headerTokens(resp.Header.Values("Vary")) {
		if http.CanonicalHeaderKey(name) != "Accept-Encoding" {
			return false
		}
	}
	return true
}

func (i *Interceptor) key(route Route, r *http.Request) string {
	if route.Key != nil {
		return route.Key(r)
	}
	return DefaultKey(routeLabel(route, r), r)
}

// DefaultKey builds "{name}:{path}:{sorted query}:{sorted route params}".
// Requests carrying Accept-Encoding get ":enc={sorted codings}" appended so
// encoded variants never reach clients that cannot decode them.
func DefaultKey(name string, r *http.Request) string {
	// Encode sorts by key.
	query := r.URL.Query().Encode()

	vars := mux.Vars(r)
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	params := make([]string, 0, len(names))
	for _, k := range names {
		params = append(params, url.QueryEscape(k)+"="+url.QueryEscape(vars[k]))
	}

	key := name + ":" + r.URL.Path + ":" + query + ":" + strings.Join(params, "&")
	if codings := headerTokens(r.Header.Values("Accept-Encoding")); len(codings) > 0 {
		for i, c := range codings {
			codings[i] = strings.ToLower(c)
		}
		sort.Strings(codings)
		key += ":enc=" + strings.Join(codings, ",")
	}
	return key
}

func routeLabel(route Route, r *http.Request) string {
	if route.Name != "" {
		return route.Name
	}
	if current := mux.CurrentRoute(r); current != nil {
		if name := current.GetName(); name != "" {
			return name
		}
		if tpl, err := current.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}
