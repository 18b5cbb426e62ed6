package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTTL is used by Set when no TTL option is given.
const DefaultTTL = time.Hour

// Cache is the operation set application code depends on. Every method is
// fail-open: backend, transport and serialization failures are logged and
// surface as a miss, false or zero, never as an error.
type Cache interface {
	// Get decodes the value stored under key into dst and reports whether a
	// live value was found.
	Get(ctx context.Context, key string, dst any, opts ...Option) bool

	// Set stores value under key with the TTL and tags from opts.
	Set(ctx context.Context, key string, value any, opts ...Option) bool

	Del(ctx context.Context, key string, opts ...Option) bool

	// Increment atomically adds amount to a counter and returns the new value,
	// or 0 on failure. WithTTL starts the expiry clock on the first increment.
	Increment(ctx context.Context, key string, amount int64, opts ...Option) int64

	// TTL returns the remaining store-native expiry of key; 0 when the key
	// is missing or the backend fails, negative when it never expires.
	TTL(ctx context.Context, key string, opts ...Option) time.Duration

	// MGet returns one JSON payload per key, nil for misses.
	MGet(ctx context.Context, keys []string, opts ...Option) []json.RawMessage

	MSet(ctx context.Context, pairs []Pair, opts ...Option) bool

	// ClearByPrefix deletes every key under prefix. It scans the keyspace and
	// is meant for maintenance, not the request path.
	ClearByPrefix(ctx context.Context, prefix string) int64

	// InvalidateByTags deletes every key indexed under the tags together with
	// the index sets themselves and returns the number of keys removed.
	InvalidateByTags(ctx context.Context, tags ...string) int64

	Stats() Stats
	ResetStats()
	Ping(ctx context.Context) bool
	Healthy() bool
}

// Pair is one key/value for MSet.
type Pair struct {
	Key   string
	Value any
}

// Stats is a snapshot of the process-local counters.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hitRate"`
	TotalRequests int64   `json:"totalRequests"`
	Connected     bool    `json:"connected"`
	Backend       string  `json:"backend"`

	// KeysCount and MemoryUsage (bytes) are filled by StatsContext when
	// the store implements Sizer.
	KeysCount   int64 `json:"keysCount"`
	MemoryUsage int64 `json:"memoryUsage"`
}

type options struct {
	prefix     string
	ttl        time.Duration
	tags       []string
	refreshTTL bool
}

// Option configures a single cache call.
type Option func(*options)

// WithPrefix sets the key namespace. Defaults to the service prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithTTL sets the time-to-live of the written value or counter.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithTags adds the written key to the reverse index of each tag.
func WithTags(tags ...string) Option {
	return func(o *options) { o.tags = append(o.tags, tags...) }
}

// WithRefreshTTL makes Increment re-apply the TTL on every call, turning a
// fixed window into a rolling quiet period.
func WithRefreshTTL() Option {
	return func(o *options) { o.refreshTTL = true }
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDefaultTTL sets the TTL used when a call does not pass WithTTL.
func WithDefaultTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithDefaultPrefix sets the key namespace used when a call does not pass
// WithPrefix.
func WithDefaultPrefix(prefix string) ServiceOption {
	return func(s *Service) {
		if prefix != "" {
			s.defaultPrefix = prefix
		}
	}
}

// WithClock replaces time.Now for envelope staleness checks.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// Service implements Cache on top of a Store. It owns the envelope format,
// key derivation, tag index bookkeeping and statistics.
type Service struct {
	store         Store
	logger        zerolog.Logger
	defaultTTL    time.Duration
	defaultPrefix string
	now           func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	total  atomic.Int64
}

var _ Cache = (*Service)(nil)

// NewService creates a cache service over store.
func NewService(store Store, logger zerolog.Logger, opts ...ServiceOption) *Service {
	if store == nil {
		panic("cache store cannot be nil")
	}
	s := &Service{
		store:         store,
		logger:        logger,
		defaultTTL:    DefaultTTL,
		defaultPrefix: DefaultPrefix,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) resolve(opts []Option) options {
	o := options{prefix: s.defaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	if o.prefix == "" {
		o.prefix = s.defaultPrefix
	}
	return o
}

// Key returns the derived store key for a raw key.
func (s *Service) Key(key string, opts ...Option) string {
	return DeriveKey(key, s.resolve(opts).prefix)
}

// Backend returns the name of the selected Store.
func (s *Service) Backend() string {
	return s.store.Name()
}

// fail records and logs a swallowed backend error. The value is never logged.
func (s *Service) fail(op, key string, err error) {
	CacheErrors.WithLabelValues(s.store.Name(), op).Inc()
	event := s.logger.Warn()
	if errors.Is(err, ErrDisconnected) {
		event = s.logger.Debug()
	}
	event.Err(err).Str("op", op).Str("key", key).Msg("Cache operation failed")
}

func (s *Service) hit() {
	s.hits.Add(1)
	CacheHits.WithLabelValues(s.store.Name()).Inc()
}

func (s *Service) miss() {
	s.misses.Add(1)
	CacheMisses.WithLabelValues(s.store.Name()).Inc()
}

// Get implements Cache.
func (s *Service) Get(ctx context.Context, key string, dst any, opts ...Option) bool {
	o := s.resolve(opts)
	cacheKey := DeriveKey(key, o.prefix)
	s.total.Add(1)

	raw, err := s.store.Get(ctx, cacheKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.fail("get", cacheKey, err)
		}
		s.miss()
		return false
	}

	data, ok := s.unwrap(ctx, cacheKey, raw)
	if !ok {
		s.miss()
		return false
	}

	if dst != nil {
		if err := json.Unmarshal(data, dst); err != nil {
			s.fail("decode", cacheKey, err)
			s.miss()
			return false
		}
	}

	s.hit()
	return true
}

// unwrap opens an envelope and enforces the application-level staleness
// check. Stale entries are deleted best effort.
func (s *Service) unwrap(ctx context.Context, cacheKey string, raw []byte) (json.RawMessage, bool) {
	entry, data, err := decodePayload(raw)
	if err != nil {
		s.fail("decode", cacheKey, err)
		return nil, false
	}
	if entry != nil && entry.IsExpired(s.now()) {
		s.logger.Debug().Str("key", cacheKey).Time("stored_at", entry.StoredAt()).Msg("Stale cache entry")
		if _, err := s.store.Del(ctx, cacheKey); err != nil {
			s.fail("del", cacheKey, err)
		}
		return nil, false
	}
	return data, true
}

func (s *Service) write(key string, value any, o options) (Write, error) {
	ttl := o.ttl
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	entry, err := NewEntry(value, ttl, o.tags, s.now())
	if err != nil {
		return Write{}, err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return Write{}, err
	}

	tagKeys := make([]string, 0, len(o.tags))
	for _, tag := range o.tags {
		tagKeys = append(tagKeys, TagKey(tag))
	}
	return Write{Key: DeriveKey(key, o.prefix), Value: payload, TTL: ttl, TagKeys: tagKeys}, nil
}

// Set implements Cache.
func (s *Service) Set(ctx context.Context, key string, value any, opts ...Option) bool {
	o := s.resolve(opts)
	w, err := s.write(key, value, o)
	if err != nil {
		s.fail("encode", DeriveKey(key, o.prefix), err)
		return false
	}

	n, err := s.store.SetMany(ctx, []Write{w})
	if err == nil && n != 1 {
		err = fmt.Errorf("stored %d of 1", n)
	}
	if err != nil {
		s.fail("set", w.Key, err)
		return false
	}
	return true
}

// Del implements Cache.
func (s *Service) Del(ctx context.Context, key string, opts ...Option) bool {
	cacheKey := DeriveKey(key, s.resolve(opts).prefix)
	n, err := s.store.Del(ctx, cacheKey)
	if err != nil {
		s.fail("del", cacheKey, err)
		return false
	}
	return n > 0
}

// Increment implements Cache. Without WithRefreshTTL the window is fixed:
// the TTL only starts when the counter is created.
func (s *Service) Increment(ctx context.Context, key string, amount int64, opts ...Option) int64 {
	o := s.resolve(opts)
	cacheKey := DeriveKey(key, o.prefix)
	n, err := s.store.IncrBy(ctx, cacheKey, amount, o.ttl, o.refreshTTL)
	if err != nil {
		s.fail("incr", cacheKey, err)
	}
	return n
}

// TTL implements Cache.
func (s *Service) TTL(ctx context.Context, key string, opts ...Option) time.Duration {
	cacheKey := DeriveKey(key, s.resolve(opts).prefix)
	d, err := s.store.TTL(ctx, cacheKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.fail("ttl", cacheKey, err)
		}
		return 0
	}
	return d
}

// MGet implements Cache.
func (s *Service) MGet(ctx context.Context, keys []string, opts ...Option) []json.RawMessage {
	o := s.resolve(opts)
	out := make([]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out
	}

	cacheKeys := make([]string, len(keys))
	for i, key := range keys {
		cacheKeys[i] = DeriveKey(key, o.prefix)
	}
	s.total.Add(int64(len(keys)))

	values, err := s.store.MGet(ctx, cacheKeys)
	if err != nil {
		s.fail("mget", o.prefix, err)
		for range keys {
			s.miss()
		}
		return out
	}

	for i, raw := range values {
		if raw == nil {
			s.miss()
			continue
		}
		data, ok := s.unwrap(ctx, cacheKeys[i], raw)
		if !ok {
			s.miss()
			continue
		}
		out[i] = data
		s.hit()
	}
	return out
}

// MSet implements Cache. It reports true only if every pair was stored.
func (s *Service) MSet(ctx context.Context, pairs []Pair, opts ...Option) bool {
	o := s.resolve(opts)
	writes := make([]Write, 0, len(pairs))
	for _, p := range pairs {
		w, err := s.write(p.Key, p.Value, o)
		if err != nil {
			s.fail("encode", DeriveKey(p.Key, o.prefix), err)
			return false
		}
		writes = append(writes, w)
	}

	n, err := s.store.SetMany(ctx, writes)
	if err == nil && n != len(writes) {
		err = fmt.Errorf("stored %d of %d", n, len(writes))
	}
	if err != nil {
		s.fail("mset", o.prefix, err)
		return false
	}
	return true
}

// ClearByPrefix implements Cache.
func (s *Service) ClearByPrefix(ctx context.Context, prefix string) int64 {
	n, err := s.store.DeletePrefix(ctx, prefix)
	if err != nil {
		s.fail("clear_prefix", prefix+":*", err)
	}
	if n > 0 {
		CacheInvalidations.WithLabelValues("prefix").Add(float64(n))
		s.logger.Info().Str("prefix", prefix).Int64("deleted", n).Msg("Cleared cache entries by prefix")
	}
	return n
}

// InvalidateByTags implements Cache. Index members may point at keys that
// already expired; they are simply not counted.
func (s *Service) InvalidateByTags(ctx context.Context, tags ...string) int64 {
	var total int64
	for _, tag := range tags {
		tagKey := TagKey(tag)
		members, err := s.store.Members(ctx, tagKey)
		if err != nil {
			s.fail("invalidate", tagKey, err)
			continue
		}
		if len(members) > 0 {
			n, err := s.store.Del(ctx, members...)
			if err != nil {
				s.fail("invalidate", tagKey, err)
				continue
			}
			total += n
		}
		if _, err := s.store.Del(ctx, tagKey); err != nil {
			s.fail("invalidate", tagKey, err)
		}
	}

	if total > 0 {
		CacheInvalidations.WithLabelValues("tag").Add(float64(total))
	}
	s.logger.Info().Strs("tags", tags).Int64("deleted", total).Msg("Invalidated cache entries by tags")
	return total
}

// Stats implements Cache.
func (s *Service) Stats() Stats {
	hits := s.hits.Load()
	total := s.total.Load()
	var rate float64
	if total > 0 {
		rate = math.Round(float64(hits)/float64(total)*10000) / 100
	}
	return Stats{
		Hits:          hits,
		Misses:        s.misses.Load(),
		HitRate:       rate,
		TotalRequests: total,
		Connected:     s.Healthy(),
		Backend:       s.store.Name(),
	}
}

// StatsContext returns Stats with the backend footprint. A store without
// Sizer, or a failed size query, leaves KeysCount and MemoryUsage zero.
func (s *Service) StatsContext(ctx context.Context) Stats {
	stats := s.Stats()
	sizer, ok := s.store.(Sizer)
	if !ok {
		return stats
	}
	usage, err := sizer.Usage(ctx)
	if err != nil {
		s.fail("usage", "", err)
		return stats
	}
	stats.KeysCount = usage.Keys
	stats.MemoryUsage = usage.MemoryBytes
	return stats
}

// ResetStats implements Cache.
func (s *Service) ResetStats() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.total.Store(0)
}

// Ping implements Cache.
func (s *Service) Ping(ctx context.Context) bool {
	if err := s.store.Ping(ctx); err != nil {
		s.fail("ping", "", err)
		CacheConnected.WithLabelValues(s.store.Name()).Set(0)
		return false
	}
	CacheConnected.WithLabelValues(s.store.Name()).Set(1)
	return true
}

// Healthy implements Cache.
func (s *Service) Healthy() bool {
	connected := s.store.Connected()
	value := 0.0
	if connected {
		value = 1
	}
	CacheConnected.WithLabelValues(s.store.Name()).Set(value)
	return connected
}

// Close releases the backend connection.
func (s *Service) Close() error {
	return s.store.Close()
}
