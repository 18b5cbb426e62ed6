// Package ratelimit implements per-route fixed-window request counting on top
// of the shared cache. Counters live in the cache backend, so every process
// sharing it enforces the same quota.
//
// The limiter is fail-open: when the cache cannot be read or written the
// request is allowed and the decision is marked degraded.
package ratelimit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
)

// DefaultKeyPrefix namespaces rate-limit counters in the cache.
const DefaultKeyPrefix = "ratelimit"

// Limiter checks requests against a Policy.
type Limiter struct {
	cache   cache.Cache
	policy  *Policy
	logger  zerolog.Logger
	prefix  string
	rolling bool
	now     func() time.Time

	trustProxy bool
	userID     func(*http.Request) string
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithRolling re-applies the window TTL on every request, so the window
// only ends after a quiet period of one window length.
func WithRolling(rolling bool) Option {
	return func(l *Limiter) { l.rolling = rolling }
}

// WithKeyPrefix sets the cache namespace for counters.
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithTrustProxy makes the limiter take the client address from
// X-Forwarded-For. Enable only behind a proxy that sets it.
func WithTrustProxy(trust bool) Option {
	return func(l *Limiter) { l.trustProxy = trust }
}

// WithUserFunc sets how the authenticated user is read from a request.
// The default reads the identifier stored by WithUserID.
func WithUserFunc(fn func(*http.Request) string) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.userID = fn
		}
	}
}

// WithClock replaces time.Now when computing reset times.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter. A nil policy selects DefaultPolicy.
func NewLimiter(c cache.Cache, policy *Policy, logger zerolog.Logger, opts ...Option) *Limiter {
	if c == nil {
		panic("cache cannot be nil")
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	l := &Limiter{
		cache:  c,
		policy: policy,
		logger: logger,
		prefix: DefaultKeyPrefix,
		now:    time.Now,
		userID: func(r *http.Request) string {
			id, _ := UserIDFromContext(r.Context())
			return id
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the rule table in use.
func (l *Limiter) Policy() *Policy {
	return l.policy
}

// Allow records one request by identity against the rule matching method and
// path and returns the decision.
func (l *Limiter) Allow(ctx context.Context, method, path, identity string) Decision {
	rule := l.policy.Match(method, path)
	key := rule.Name + ":" + identity
	now := l.now()

	d := Decision{
		Rule:     rule.Name,
		Identity: identity,
		Limit:    rule.MaxRequests,
		Message:  rule.Message,
		now:      now,
	}

	var count int64
	if !l.cache.Get(ctx, key, &count, cache.WithPrefix(l.prefix)) {
		count = 0
	}

	if count >= rule.MaxRequests {
		d.Allowed = false
		d.Remaining = 0
		d.ResetAt = now.Add(l.remaining(ctx, key, rule.Window))

		rejectedTotal.WithLabelValues(rule.Name).Inc()
		l.logger.Warn().
			Str("rule", rule.Name).
			Str("identity", identity).
			Int64("count", count).
			Int64("limit", rule.MaxRequests).
			Msg("Rate limit exceeded")
		return d
	}

	opts := []cache.Option{cache.WithPrefix(l.prefix), cache.WithTTL(rule.Window)}
	if l.rolling {
		opts = append(opts, cache.WithRefreshTTL())
	}
	if l.cache.Increment(ctx, key, 1, opts...) == 0 {
		// A successful increment is never below one.
		d.Degraded = true
		degradedTotal.Inc()
		l.logger.Warn().Str("rule", rule.Name).Msg("Rate limit counter unavailable, allowing request")
	}

	d.Allowed = true
	d.Remaining = max(0, rule.MaxRequests-count-1)
	if d.Degraded || l.rolling {
		d.ResetAt = now.Add(rule.Window)
	} else {
		d.ResetAt = now.Add(l.remaining(ctx, key, rule.Window))
	}

	allowedTotal.WithLabelValues(rule.Name).Inc()
	return d
}

// remaining measures the counter's TTL, falling back to the full window
// when it cannot be measured. A counter found without expiry is given the
// window again; otherwise a rejected identity would never be reset, since
// rejections do not increment.
func (l *Limiter) remaining(ctx context.Context, key string, window time.Duration) time.Duration {
	ttl := l.cache.TTL(ctx, key, cache.WithPrefix(l.prefix))
	if ttl < 0 {
		l.cache.Increment(ctx, key, 0, cache.WithPrefix(l.prefix), cache.WithTTL(window))
		l.logger.Warn().Str("key", key).Dur("window", window).Msg("Rate limit counter had no expiry, window restarted")
		return window
	}
	if ttl == 0 {
		return window
	}
	return ttl
}
