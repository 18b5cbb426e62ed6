package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/storefront-cache/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRESTStore(t *testing.T, kv *testutil.KVServer, concurrency int) *RESTStore {
	t.Helper()
	store, err := NewRESTStore(RESTConfig{
		URL:            kv.URL(),
		Token:          kv.Token(),
		Timeout:        time.Second,
		MaxConcurrency: concurrency,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewRESTStore_MissingCredentials(t *testing.T) {
	tests := []struct {
		name string
		cfg  RESTConfig
	}{
		{name: "no url", cfg: RESTConfig{Token: "t"}},
		{name: "no token", cfg: RESTConfig{URL: "https://kv.example"}},
		{name: "empty", cfg: RESTConfig{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRESTStore(tt.cfg, zerolog.Nop())
			if !errors.Is(err, ErrMissingCredentials) {
				t.Errorf("NewRESTStore() error = %v, want ErrMissingCredentials", err)
			}
		})
	}
}

func TestRESTStore_Ping(t *testing.T) {
	kv := testutil.NewKVServer(t)
	store := newTestRESTStore(t, kv, 0)

	assert.True(t, store.Connected())
	assert.NoError(t, store.Ping(context.Background()))
	assert.Equal(t, []string{"PING"}, kv.GetCommands())
}

func TestRESTStore_Unauthorized(t *testing.T) {
	kv := testutil.NewKVServer(t)
	store, err := NewRESTStore(RESTConfig{URL: kv.URL(), Token: "wrong"}, zerolog.Nop())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "k")
	var restErr *RESTError
	require.ErrorAs(t, err, &restErr)
	assert.Equal(t, http.StatusUnauthorized, restErr.StatusCode)
	assert.Equal(t, "GET", restErr.Command)
}

func TestRESTStore_GetMissing(t *testing.T) {
	kv := testutil.NewKVServer(t)
	store := newTestRESTStore(t, kv, 0)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.TTL(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRESTStore_IncrBySingleCall(t *testing.T) {
	kv := testutil.NewKVServer(t)
	store := newTestRESTStore(t, kv, 0)
	ctx := context.Background()

	n, err := store.IncrBy(ctx, "rl:k", 1, time.Minute, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{"EVAL"}, kv.GetCommands())
	assert.Equal(t, time.Minute, kv.Redis.TTL("rl:k"))

	kv.Redis.FastForward(20 * time.Second)
	n, err = store.IncrBy(ctx, "rl:k", 1, time.Minute, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 40*time.Second, kv.Redis.TTL("rl:k"), "fixed window keeps the existing expiry")

	_, err = store.IncrBy(ctx, "rl:k", 1, time.Minute, true)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, kv.Redis.TTL("rl:k"))

	// A counter without expiry gets one.
	require.NoError(t, kv.Redis.Set("bare", "3"))
	n, err = store.IncrBy(ctx, "bare", 0, time.Minute, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, time.Minute, kv.Redis.TTL("bare"))
}

func TestRESTStore_BreakerOpens(t *testing.T) {
	kv := testutil.NewKVServer(t)
	store := newTestRESTStore(t, kv, 0)
	ctx := context.Background()

	kv.FailNext(-1, http.StatusServiceUnavailable)
	for i := 0; i < 5; i++ {
		_, err := store.Get(ctx, "k")
		require.Error(t, err)
	}
	assert.False(t, store.Connected())

	before := kv.GetRequestCount()
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, before, kv.GetRequestCount(), "open breaker must not reach the backend")
}

func TestRESTStore_ReplyErrorsDoNotTrip(t *testing.T) {
	kv := testutil.NewKVServer(t)
	store := newTestRESTStore(t, kv, 0)
	ctx := context.Background()

	require.NoError(t, kv.Redis.Set("k", "text"))
	for i := 0; i < 10; i++ {
		_, err := store.IncrBy(ctx, "k", 1, 0, false)
		var restErr *RESTError
		require.ErrorAs(t, err, &restErr)
		assert.Equal(t, http.StatusBadRequest, restErr.StatusCode)
	}
	assert.True(t, store.Connected())
}

func TestRESTStore_MGetPartialFailure(t *testing.T) {
	kv := testutil.NewKVServer(t)
	store := newTestRESTStore(t, kv, 1)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, kv.Redis.Set(k, k))
	}

	kv.FailNext(1, http.StatusInternalServerError)
	values, err := store.MGet(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Nil(t, values[0])
	assert.Equal(t, []byte("b"), values[1])
	assert.Equal(t, []byte("c"), values[2])

	kv.FailNext(3, http.StatusInternalServerError)
	_, err = store.MGet(ctx, []string{"a", "b", "c"})
	assert.Error(t, err)
}

func TestRESTStore_SetMany(t *testing.T) {
	kv := testutil.NewKVServer(t)
	store := newTestRESTStore(t, kv, 4)
	ctx := context.Background()

	writes := make([]Write, 0, 10)
	for i := 0; i < 10; i++ {
		writes = append(writes, Write{
			Key:     fmt.Sprintf("k%d", i),
			Value:   []byte(`"v"`),
			TTL:     30 * time.Second,
			TagKeys: []string{"tag:batch"},
		})
	}

	n, err := store.SetMany(ctx, writes)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, 30*time.Second, kv.Redis.TTL("k3"))

	members, err := store.Members(ctx, "tag:batch")
	require.NoError(t, err)
	assert.Len(t, members, 10)
}

func TestRESTStore_DeletePrefix(t *testing.T) {
	kv := testutil.NewKVServer(t)
	store := newTestRESTStore(t, kv, 0)

	for i := 0; i < 25; i++ {
		require.NoError(t, kv.Redis.Set(fmt.Sprintf("catalog:%d", i), "v"))
	}
	require.NoError(t, kv.Redis.Set("orders:1", "v"))

	n, err := store.DeletePrefix(context.Background(), "catalog")
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)
	assert.True(t, kv.Redis.Exists("orders:1"))
}

func TestRESTStore_Timeout(t *testing.T) {
	kv := testutil.NewKVServer(t)
	store, err := NewRESTStore(RESTConfig{URL: kv.URL(), Token: kv.Token(), Timeout: 50 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	kv.SetDelay(500 * time.Millisecond)
	_, err = store.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestRESTStore_Usage(t *testing.T) {
	kv := testutil.NewKVServer(t)
	store := newTestRESTStore(t, kv, 0)
	require.NoError(t, kv.Redis.Set("a", "1"))
	require.NoError(t, kv.Redis.Set("b", "2"))

	usage, err := store.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Usage{Keys: 2}, usage)
	assert.Equal(t, []string{"DBSIZE"}, kv.GetCommands())
}
