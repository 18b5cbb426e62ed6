// Package testutil provides testing utilities for the storefront cache.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultToken is the bearer token the mock server accepts.
const DefaultToken = "test-token"

type kvReply struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// KVServer is a mock of a serverless Redis REST endpoint. It accepts a JSON
// command array per POST and executes it against an in-memory miniredis.
type KVServer struct {
	server *httptest.Server
	client *redis.Client
	token  string

	// Redis is the backing server. Tests use it to inspect keys and to
	// FastForward expiry.
	Redis *miniredis.Miniredis

	mu         sync.RWMutex
	failNext   int
	failStatus int
	delay      time.Duration

	// Tracking
	RequestCount int
	Commands     []string
}

// NewKVServer starts a mock REST key-value server. It is shut down by
// tb.Cleanup.
func NewKVServer(tb testing.TB) *KVServer {
	tb.Helper()

	mr := miniredis.RunT(tb)
	mock := &KVServer{
		Redis: mr,
		token: DefaultToken,
		client: redis.NewClient(&redis.Options{
			Addr:     mr.Addr(),
			Protocol: 2,
		}),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))

	tb.Cleanup(mock.Close)
	return mock
}

// URL returns the mock server URL.
func (m *KVServer) URL() string {
	return m.server.URL
}

// Token returns the bearer token the server accepts.
func (m *KVServer) Token() string {
	return m.token
}

// Close shuts down the mock server.
func (m *KVServer) Close() {
	m.server.Close()
	m.client.Close()
}

// Reset clears the tracking counters and any injected failures.
func (m *KVServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.Commands = nil
	m.failNext = 0
	m.delay = 0
}

// FailNext makes the next n requests answer with status.
// A negative n fails every request until Reset.
func (m *KVServer) FailNext(n, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failStatus = status
}

// SetDelay delays every response.
func (m *KVServer) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// GetRequestCount returns the number of requests made to the server.
func (m *KVServer) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetCommands returns the command names received so far, upper-cased.
func (m *KVServer) GetCommands() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.Commands...)
}

func (m *KVServer) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Header.Get("Authorization") != "Bearer "+m.token {
		writeReply(w, http.StatusUnauthorized, kvReply{Error: "Unauthorized"})
		return
	}

	var args []string
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil || len(args) == 0 {
		writeReply(w, http.StatusBadRequest, kvReply{Error: "ERR malformed command"})
		return
	}

	m.mu.Lock()
	m.RequestCount++
	m.Commands = append(m.Commands, strings.ToUpper(args[0]))
	delay := m.delay
	fail := m.failNext != 0
	status := m.failStatus
	if m.failNext > 0 {
		m.failNext--
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if fail {
		writeReply(w, status, kvReply{Error: http.StatusText(status)})
		return
	}

	cmdArgs := make([]any, len(args))
	for i, a := range args {
		cmdArgs[i] = a
	}
	result, err := m.client.Do(context.Background(), cmdArgs...).Result()
	switch {
	case errors.Is(err, redis.Nil):
		writeReply(w, http.StatusOK, kvReply{Result: nil})
	case err != nil:
		writeReply(w, http.StatusBadRequest, kvReply{Error: err.Error()})
	default:
		writeReply(w, http.StatusOK, kvReply{Result: result})
	}
}

func writeReply(w http.ResponseWriter, status int, reply kvReply) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(reply)
}
