package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

// DefaultRESTConcurrency bounds the parallel per-key requests used to emulate
// batch operations.
const DefaultRESTConcurrency = 8

// RESTConfig holds the stateless HTTP driver configuration.
type RESTConfig struct {
	// URL is the REST endpoint, e.g. https://eu1-example.kv.io
	URL string

	// Token is sent as a bearer credential on every call.
	Token string

	// Timeout bounds every HTTP call.
	Timeout time.Duration

	// MaxConcurrency bounds batch fan-out.
	MaxConcurrency int

	// HTTPClient overrides the default client (for testing).
	HTTPClient *http.Client
}

// RESTError is a failed REST call.
type RESTError struct {
	StatusCode int
	Command    string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *RESTError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rest kv %s (status %d): %s: %v", e.Command, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("rest kv %s (status %d): %s", e.Command, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RESTError) Unwrap() error {
	return e.Err
}

// replyError reports whether the backend rejected the command itself
// (wrong type, syntax) rather than failing to serve it.
func (e *RESTError) replyError() bool {
	return e.StatusCode == http.StatusBadRequest
}

type restReply struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// RESTStore is the stateless Store. Every operation is one authenticated
// HTTP POST carrying a JSON command array; there is no connection state.
type RESTStore struct {
	url         string
	token       string
	timeout     time.Duration
	concurrency int
	http        *http.Client
	breaker     *gobreaker.CircuitBreaker
	logger      zerolog.Logger
	calls       atomic.Int64
}

var _ Store = (*RESTStore)(nil)

// NewRESTStore validates the configuration and builds a RESTStore.
func NewRESTStore(cfg RESTConfig, logger zerolog.Logger) (*RESTStore, error) {
	if cfg.URL == "" || cfg.Token == "" {
		return nil, fmt.Errorf("%w: rest url and token are required", ErrMissingCredentials)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = DefaultRESTConcurrency
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	s := &RESTStore{
		url:         strings.TrimRight(cfg.URL, "/"),
		token:       cfg.Token,
		timeout:     timeout,
		concurrency: concurrency,
		http:        client,
		logger:      logger.With().Str("backend", "rest").Logger(),
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cache-rest",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var restErr *RESTError
			return errors.As(err, &restErr) && restErr.replyError()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("REST cache circuit breaker state change")
		},
	})
	return s, nil
}

// Name implements Store.
func (s *RESTStore) Name() string { return "rest" }

// Connected implements Store. With no socket to inspect, the store counts as
// connected while it is configured and its circuit breaker is not open.
func (s *RESTStore) Connected() bool {
	return s.url != "" && s.token != "" && s.breaker.State() != gobreaker.StateOpen
}

// Calls returns the number of HTTP calls issued so far.
func (s *RESTStore) Calls() int64 { return s.calls.Load() }

// do executes one command and returns its raw result.
func (s *RESTStore) do(ctx context.Context, args ...string) (json.RawMessage, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.roundTrip(ctx, args)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		return nil, err
	}
	return out.(json.RawMessage), nil
}

func (s *RESTStore) roundTrip(ctx context.Context, args []string) (json.RawMessage, error) {
	command := strings.ToUpper(args[0])

	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal rest command: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rest request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	s.calls.Add(1)
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, &RESTError{Command: command, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, &RESTError{StatusCode: resp.StatusCode, Command: command, Message: "read body", Err: err}
	}

	var reply restReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, &RESTError{StatusCode: resp.StatusCode, Command: command, Message: "malformed response", Err: err}
	}
	if resp.StatusCode != http.StatusOK || reply.Error != "" {
		msg := reply.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, &RESTError{StatusCode: resp.StatusCode, Command: command, Message: msg}
	}
	return reply.Result, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func decodeInt(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, fmt.Errorf("decode integer reply: %w", err)
	}
	return strconv.ParseInt(str, 10, 64)
}

func millis(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}

// Get implements Store.
func (s *RESTStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.do(ctx, "GET", key)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, ErrNotFound
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode get reply: %w", err)
	}
	return []byte(value), nil
}

// MGet implements Store with parallel single-key GETs. Keys whose request
// fails stay nil; an error is returned only when every request failed.
func (s *RESTStore) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	errs := make([]error, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			value, err := s.Get(gctx, key)
			switch {
			case err == nil:
				out[i] = value
			case !errors.Is(err, ErrNotFound):
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == len(keys) {
		return out, fmt.Errorf("rest mget: all %d requests failed: %w", failed, errors.Join(errs...))
	} else if failed > 0 {
		s.logger.Warn().Int("failed", failed).Int("keys", len(keys)).Msg("Partial REST mget failure")
	}
	return out, nil
}

// SetMany implements Store with sequentially issued SET and SADD commands per
// write, fanned out across writes. A failed write does not abort the others.
func (s *RESTStore) SetMany(ctx context.Context, writes []Write) (int, error) {
	if len(writes) == 0 {
		return 0, nil
	}

	var succeeded atomic.Int64
	errs := make([]error, len(writes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, w := range writes {
		i, w := i, w
		g.Go(func() error {
			errs[i] = s.setOne(gctx, w)
			if errs[i] == nil {
				succeeded.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(succeeded.Load()), errors.Join(errs...)
}

func (s *RESTStore) setOne(ctx context.Context, w Write) error {
	args := []string{"SET", w.Key, string(w.Value)}
	if w.TTL > 0 {
		args = append(args, "PX", millis(w.TTL))
	}
	if _, err := s.do(ctx, args...); err != nil {
		return err
	}
	for _, tagKey := range w.TagKeys {
		if _, err := s.do(ctx, "SADD", tagKey, w.Key); err != nil {
			return fmt.Errorf("tag %s: %w", tagKey, err)
		}
	}
	return nil
}

// Del implements Store.
func (s *RESTStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	raw, err := s.do(ctx, append([]string{"DEL"}, keys...)...)
	if err != nil {
		return 0, err
	}
	return decodeInt(raw)
}

// IncrBy implements Store. The increment and the expiry run as one script.
func (s *RESTStore) IncrBy(ctx context.Context, key string, amount int64, ttl time.Duration, refresh bool) (int64, error) {
	raw, err := s.do(ctx, "EVAL", incrLua, "1", key, strconv.FormatInt(amount, 10), incrTTL(ttl), incrFlag(refresh))
	if err != nil {
		return 0, err
	}
	return decodeInt(raw)
}

// TTL implements Store.
func (s *RESTStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	raw, err := s.do(ctx, "PTTL", key)
	if err != nil {
		return 0, err
	}
	ms, err := decodeInt(raw)
	if err != nil {
		return 0, err
	}
	switch {
	case ms == -2:
		return 0, ErrNotFound
	case ms < 0:
		return -1, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Members implements Store.
func (s *RESTStore) Members(ctx context.Context, setKey string) ([]string, error) {
	raw, err := s.do(ctx, "SMEMBERS", setKey)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}
	var members []string
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, fmt.Errorf("decode smembers reply: %w", err)
	}
	return members, nil
}

// DeletePrefix implements Store by walking SCAN cursors over REST.
func (s *RESTStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	var deleted int64
	cursor := "0"
	for {
		raw, err := s.do(ctx, "SCAN", cursor, "MATCH", prefix+":*", "COUNT", strconv.Itoa(scanBatchSize))
		if err != nil {
			return deleted, err
		}

		var page []json.RawMessage
		if err := json.Unmarshal(raw, &page); err != nil || len(page) != 2 {
			return deleted, fmt.Errorf("decode scan reply: %s", string(raw))
		}
		next, err := decodeInt(page[0])
		if err != nil {
			return deleted, err
		}
		var keys []string
		if err := json.Unmarshal(page[1], &keys); err != nil {
			return deleted, fmt.Errorf("decode scan keys: %w", err)
		}

		if len(keys) > 0 {
			n, err := s.Del(ctx, keys...)
			if err != nil {
				return deleted, err
			}
			deleted += n
		}

		if next == 0 {
			return deleted, nil
		}
		cursor = strconv.FormatInt(next, 10)
	}
}

// Ping implements Store.
func (s *RESTStore) Ping(ctx context.Context) error {
	raw, err := s.do(ctx, "PING")
	if err != nil {
		return err
	}
	var pong string
	if err := json.Unmarshal(raw, &pong); err != nil || pong != "PONG" {
		return fmt.Errorf("unexpected ping reply: %s", string(raw))
	}
	return nil
}

// Usage implements Sizer with DBSIZE. The REST API does not expose server
// memory, so MemoryBytes stays 0.
func (s *RESTStore) Usage(ctx context.Context) (Usage, error) {
	raw, err := s.do(ctx, "DBSIZE")
	if err != nil {
		return Usage{}, err
	}
	keys, err := decodeInt(raw)
	if err != nil {
		return Usage{}, err
	}
	return Usage{Keys: keys}, nil
}

// Close implements Store.
func (s *RESTStore) Close() error {
	s.http.CloseIdleConnections()
	return nil
}
