package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// DefaultStoreTimeout bounds every backend call.
	DefaultStoreTimeout = 3 * time.Second

	// DefaultConnectRetries is the number of connection attempts after the first.
	DefaultConnectRetries = 3

	// reconnectInterval is the minimum time between reconnect attempts while
	// the store is marked disconnected.
	reconnectInterval = 5 * time.Second

	scanBatchSize = 200
)

// RedisConfig holds the persistent-connection driver configuration.
type RedisConfig struct {
	// URL is either redis://[:password@]host:port[/db] or host:port.
	URL      string
	Password string
	DB       int

	// Timeout applies to dial, read and write.
	Timeout time.Duration

	// ConnectRetries bounds the reconnect attempts made by Connect.
	ConnectRetries int

	PoolSize int
}

// RedisStore is the persistent-connection Store backed by go-redis.
// The client keeps a connection pool, so concurrent callers are
// multiplexed transparently.
type RedisStore struct {
	client    *redis.Client
	logger    zerolog.Logger
	retries   int
	connected atomic.Bool

	reconnectMu   sync.Mutex
	lastReconnect atomic.Int64
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore builds a RedisStore from configuration. It does not connect;
// call Connect once at startup.
func NewRedisStore(cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	store := NewRedisStoreFromClient(redis.NewClient(opts), logger)
	store.retries = cfg.ConnectRetries
	if store.retries < 0 {
		store.retries = 0
	}
	return store, nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes
// ownership of the client and closes it on Close.
func NewRedisStoreFromClient(client *redis.Client, logger zerolog.Logger) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		client:  client,
		logger:  logger.With().Str("backend", "redis").Logger(),
		retries: DefaultConnectRetries,
	}
}

func redisOptions(cfg RedisConfig) (*redis.Options, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: redis url is required", ErrMissingCredentials)
	}

	var opts *redis.Options
	if strings.Contains(cfg.URL, "://") {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.URL}
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	return opts, nil
}

// Connect pings the server with bounded exponential backoff and records the
// result in the connectivity flag.
func (s *RedisStore) Connect(ctx context.Context) error {
	attempt := 0
	operation := func() error {
		attempt++
		if err := s.client.Ping(ctx).Err(); err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("Redis connection attempt failed")
			return err
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.retries)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		s.connected.Store(false)
		s.lastReconnect.Store(time.Now().UnixNano())
		return fmt.Errorf("connect to redis after %d attempts: %w", attempt, err)
	}

	s.connected.Store(true)
	s.logger.Info().Int("attempts", attempt).Msg("Redis connected")
	return nil
}

// Name implements Store.
func (s *RedisStore) Name() string { return "redis" }

// Connected implements Store.
func (s *RedisStore) Connected() bool { return s.connected.Load() }

// Client returns the underlying go-redis client.
func (s *RedisStore) Client() *redis.Client { return s.client }

// available reports whether a call should be attempted. While disconnected
// it schedules at most one background reconnect per reconnectInterval.
func (s *RedisStore) available() bool {
	if s.connected.Load() {
		return true
	}
	last := time.Unix(0, s.lastReconnect.Load())
	if time.Since(last) > reconnectInterval {
		go s.reconnect()
	}
	return false
}

func (s *RedisStore) reconnect() {
	if !s.reconnectMu.TryLock() {
		return
	}
	defer s.reconnectMu.Unlock()

	s.lastReconnect.Store(time.Now().UnixNano())
	ctx, cancel := context.WithTimeout(context.Background(), DefaultStoreTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err == nil {
		s.connected.Store(true)
		s.logger.Info().Msg("Redis connection restored")
	}
}

// observe flips the connectivity flag on transport failures. Server replies
// (WRONGTYPE etc.), misses and caller cancellation leave it untouched.
func (s *RedisStore) observe(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return err
	}
	if s.connected.CompareAndSwap(true, false) {
		s.lastReconnect.Store(time.Now().UnixNano())
		s.logger.Warn().Err(err).Msg("Redis connection lost")
	}
	return err
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if !s.available() {
		return nil, ErrDisconnected
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", s.observe(err))
	}
	return data, nil
}

// MGet implements Store with a single MGET round trip.
func (s *RedisStore) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	if !s.available() {
		return nil, ErrDisconnected
	}
	if len(keys) == 0 {
		return [][]byte{}, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", s.observe(err))
	}

	out := make([][]byte, len(keys))
	for i, v := range values {
		if str, ok := v.(string); ok {
			out[i] = []byte(str)
		}
	}
	return out, nil
}

// SetMany implements Store. All writes and their tag index updates are sent
// as one pipeline.
func (s *RedisStore) SetMany(ctx context.Context, writes []Write) (int, error) {
	if !s.available() {
		return 0, ErrDisconnected
	}
	if len(writes) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	sets := make([]*redis.StatusCmd, len(writes))
	for i, w := range writes {
		sets[i] = pipe.Set(ctx, w.Key, w.Value, w.TTL)
		for _, tagKey := range w.TagKeys {
			pipe.SAdd(ctx, tagKey, w.Key)
		}
	}

	_, err := pipe.Exec(ctx)
	succeeded := 0
	for _, cmd := range sets {
		if cmd.Err() == nil {
			succeeded++
		}
	}
	if err != nil {
		return succeeded, fmt.Errorf("redis pipeline set: %w", s.observe(err))
	}
	return succeeded, nil
}

// Del implements Store.
func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if !s.available() {
		return 0, ErrDisconnected
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", s.observe(err))
	}
	return n, nil
}

// incrLua increments a counter and applies its expiry in one step, so a
// counter can never be left without a TTL. ARGV: amount, ttl ms, refresh.
const incrLua = `
local n = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and (ARGV[3] == '1' or redis.call('PTTL', KEYS[1]) < 0) then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return n
`

var incrScript = redis.NewScript(incrLua)

// incrTTL renders the script's ttl argument; sub-millisecond windows round up.
func incrTTL(ttl time.Duration) string {
	if ttl <= 0 {
		return "0"
	}
	return millis(ttl)
}

func incrFlag(refresh bool) string {
	if refresh {
		return "1"
	}
	return "0"
}

// IncrBy implements Store. The expiry is only applied when the counter has
// none yet, unless refresh is set.
func (s *RedisStore) IncrBy(ctx context.Context, key string, amount int64, ttl time.Duration, refresh bool) (int64, error) {
	if !s.available() {
		return 0, ErrDisconnected
	}

	n, err := incrScript.Run(ctx, s.client, []string{key}, amount, incrTTL(ttl), incrFlag(refresh)).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incrby: %w", s.observe(err))
	}
	return n, nil
}

// TTL implements Store.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if !s.available() {
		return 0, ErrDisconnected
	}
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis pttl: %w", s.observe(err))
	}
	switch {
	case d == -2 || d == -2*time.Millisecond:
		return 0, ErrNotFound
	case d < 0:
		return -1, nil
	}
	return d, nil
}

// Members implements Store.
func (s *RedisStore) Members(ctx context.Context, setKey string) ([]string, error) {
	if !s.available() {
		return nil, ErrDisconnected
	}
	members, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", s.observe(err))
	}
	return members, nil
}

// DeletePrefix implements Store using SCAN so the server is never blocked by
// a KEYS call.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	if !s.available() {
		return 0, ErrDisconnected
	}

	var deleted int64
	batch := make([]string, 0, scanBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		deleted += n
		batch = batch[:0]
		return nil
	}

	iter := s.client.Scan(ctx, 0, prefix+":*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanBatchSize {
			if err := flush(); err != nil {
				return deleted, fmt.Errorf("redis del: %w", s.observe(err))
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("redis scan: %w", s.observe(err))
	}
	if err := flush(); err != nil {
		return deleted, fmt.Errorf("redis del: %w", s.observe(err))
	}
	return deleted, nil
}

// Ping implements Store. A successful ping marks the store connected.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", s.observe(err))
	}
	s.connected.Store(true)
	return nil
}

// Usage implements Sizer. The key count comes from DBSIZE and the memory
// from INFO memory; servers that refuse INFO report memory as 0.
func (s *RedisStore) Usage(ctx context.Context) (Usage, error) {
	if !s.available() {
		return Usage{}, ErrDisconnected
	}
	keys, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("redis dbsize: %w", s.observe(err))
	}
	usage := Usage{Keys: keys}

	info, err := s.client.Info(ctx, "memory").Result()
	if err != nil {
		s.observe(err)
		s.logger.Debug().Err(err).Msg("Memory usage unavailable")
		return usage, nil
	}
	usage.MemoryBytes = usedMemory(info)
	return usage, nil
}

// usedMemory extracts used_memory from an INFO reply.
func usedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\n") {
		value, ok := strings.CutPrefix(strings.TrimSpace(line), "used_memory:")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.connected.Store(false)
	return s.client.Close()
}
