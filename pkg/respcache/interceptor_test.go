package respcache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
)

func newTestCache(t *testing.T) *cache.Service {
	t.Helper()

	mr := miniredis.RunT(t)
	store := cache.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zerolog.Nop())
	require.NoError(t, store.Ping(context.Background()))

	svc := cache.NewService(store, zerolog.Nop())
	t.Cleanup(func() { svc.Close() })
	return svc
}

// countingHandler answers with a JSON body naming the request path and
// counts invocations.
func countingHandler(calls *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"path":%q,"call":%d}`, r.URL.Path, n)
	})
}

func serve(h http.Handler, method, target string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("New should panic with nil cache")
		}
	}()
	New(nil, zerolog.Nop())
}

func TestCache_MissThenHit(t *testing.T) {
	ic := New(newTestCache(t), zerolog.Nop())
	var calls atomic.Int32

	router := mux.NewRouter()
	router.Handle("/products", ic.Cache(Route{TTL: time.Minute})(countingHandler(&calls))).Name("products.list")

	first := serve(router, http.MethodGet, "/products?page=1")
	ic.Wait()
	second := serve(router, http.MethodGet, "/products?page=1")

	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.NotEmpty(t, second.Header().Get("ETag"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_QueryOrderIgnored(t *testing.T) {
	ic := New(newTestCache(t), zerolog.Nop())
	var calls atomic.Int32
	h := ic.Cache(Route{Name: "search", TTL: time.Minute})(countingHandler(&calls))

	serve(h, http.MethodGet, "/search?b=2&a=1")
	ic.Wait()
	rec := serve(h, http.MethodGet, "/search?a=1&b=2")

	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, int32(1), calls.Load())

	serve(h, http.MethodGet, "/search?a=1&b=3")
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_RouteParamsInKey(t *testing.T) {
	ic := New(newTestCache(t), zerolog.Nop())
	var calls atomic.Int32

	router := mux.NewRouter()
	router.Handle("/products/{id}", ic.Cache(Route{TTL: time.Minute})(countingHandler(&calls)))

	serve(router, http.MethodGet, "/products/1")
	serve(router, http.MethodGet, "/products/2")
	ic.Wait()
	serve(router, http.MethodGet, "/products/1")

	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_NotStored(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		handler http.HandlerFunc
	}{
		{
			name:   "server error",
			method: http.MethodGet,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name:   "not found",
			method: http.MethodGet,
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
		},
		{
			name:   "sets cookie",
			method: http.MethodGet,
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
				_, _ = w.Write([]byte("personal"))
			},
		},
		{
			name:   "post",
			method: http.MethodPost,
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("created"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ic := New(newTestCache(t), zerolog.Nop())
			var calls atomic.Int32
			h := ic.Cache(Route{Name: "r", TTL: time.Minute})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				tt.handler(w, r)
			}))

			serve(h, tt.method, "/x")
			ic.Wait()
			serve(h, tt.method, "/x")

			assert.Equal(t, int32(2), calls.Load())
		})
	}
}

func TestCache_CustomKeyAndCondition(t *testing.T) {
	ic := New(newTestCache(t), zerolog.Nop())
	var calls atomic.Int32

	h := ic.Cache(Route{
		TTL: time.Minute,
		Key: func(r *http.Request) string {
			if r.URL.Query().Get("nocache") != "" {
				return ""
			}
			return "fixed"
		},
		Condition: func(r *http.Request, resp *Response) bool {
			return resp.Status == http.StatusOK
		},
	})(countingHandler(&calls))

	serve(h, http.MethodGet, "/a")
	ic.Wait()
	rec := serve(h, http.MethodGet, "/b")
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"), "custom key ignores the path")

	serve(h, http.MethodGet, "/a?nocache=1")
	serve(h, http.MethodGet, "/a?nocache=1")
	assert.Equal(t, int32(3), calls.Load())
}

func TestCache_ConditionalRequest(t *testing.T) {
	ic := New(newTestCache(t), zerolog.Nop())
	var calls atomic.Int32
	h := ic.Cache(Route{Name: "r", TTL: time.Minute})(countingHandler(&calls))

	serve(h, http.MethodGet, "/p")
	ic.Wait()
	hit := serve(h, http.MethodGet, "/p")
	etag := hit.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec := serve(h, http.MethodGet, "/p", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = serve(h, http.MethodGet, "/p", "If-None-Match", `"something-else"`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_HeadServedFromCache(t *testing.T) {
	ic := New(newTestCache(t), zerolog.Nop())
	var calls atomic.Int32
	h := ic.Cache(Route{Name: "r", TTL: time.Minute})(countingHandler(&calls))

	// HEAD never populates the cache.
	serve(h, http.MethodHead, "/p")
	ic.Wait()
	serve(h, http.MethodGet, "/p")
	ic.Wait()
	assert.Equal(t, int32(2), calls.Load())

	rec := serve(h, http.MethodHead, "/p")
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Empty(t, rec.Body.String())
	assert.NotEqual(t, "0", rec.Header().Get("Content-Length"))
}

func TestInvalidate(t *testing.T) {
	ic := New(newTestCache(t), zerolog.Nop())
	var reads, writes atomic.Int32

	router := mux.NewRouter()
	router.Handle("/products", ic.Cache(Route{
		TTL:  time.Minute,
		Tags: func(*http.Request) []string { return cache.ProductTags() },
	})(countingHandler(&reads))).Methods(http.MethodGet)
	router.Handle("/products", ic.Invalidate(func(*http.Request) []string {
		return cache.ProductTags()
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writes.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))).Methods(http.MethodPost)

	serve(router, http.MethodGet, "/products")
	ic.Wait()
	assert.Equal(t, "HIT", serve(router, http.MethodGet, "/products").Header().Get("X-Cache"))

	assert.Equal(t, http.StatusCreated, serve(router, http.MethodPost, "/products").Code)
	assert.Equal(t, "MISS", serve(router, http.MethodGet, "/products").Header().Get("X-Cache"))
	assert.Equal(t, int32(2), reads.Load())
	assert.Equal(t, int32(1), writes.Load())
}

func TestInvalidate_SkipsFailedMutations(t *testing.T) {
	ic := New(newTestCache(t), zerolog.Nop())
	var reads atomic.Int32
	get := ic.Cache(Route{Name: "list", TTL: time.Minute, Tags: func(*http.Request) []string { return []string{"x"} }})(countingHandler(&reads))
	post := ic.Invalidate(func(*http.Request) []string { return []string{"x"} })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	serve(get, http.MethodGet, "/list")
	ic.Wait()
	serve(post, http.MethodPost, "/list")
	assert.Equal(t, "HIT", serve(get, http.MethodGet, "/list").Header().Get("X-Cache"))
}

func TestCache_Coalesce(t *testing.T) {
	ic := New(newTestCache(t), zerolog.Nop())
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	h := ic.Cache(Route{Name: "slow", TTL: time.Minute, Coalesce: true})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		once.Do(func() { close(started) })
		<-release
		_, _ = w.Write([]byte("expensive"))
	}))

	const callers = 10
	var wg sync.WaitGroup
	bodies := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bodies[i] = serve(h, http.MethodGet, "/slow").Body.String()
		}(i)
	}

	<-started
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	ic.Wait()

	for _, body := range bodies {
		assert.Equal(t, "expensive", body)
	}
	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestCache_FailOpen(t *testing.T) {
	ic := New(cache.NewService(cache.Disabled(), zerolog.Nop()), zerolog.Nop())
	var calls atomic.Int32
	h := ic.Cache(Route{Name: "r", TTL: time.Minute})(countingHandler(&calls))

	for i := 0; i < 3; i++ {
		rec := serve(h, http.MethodGet, "/p")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	}
	ic.Wait()
	assert.Equal(t, int32(3), calls.Load())
}

// slowStore accepts writes after a delay.
type slowStore struct {
	cache.Store
	delay  time.Duration
	writes atomic.Int32
}

func (s *slowStore) SetMany(ctx context.Context, writes []cache.Write) (int, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	s.writes.Add(int32(len(writes)))
	return len(writes), nil
}

func TestWait_DrainsBackgroundWrites(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &slowStore{Store: cache.Disabled(), delay: 50 * time.Millisecond}
	ic := New(cache.NewService(store, zerolog.Nop()), zerolog.Nop())
	var calls atomic.Int32
	h := ic.Cache(Route{Name: "r", TTL: time.Minute})(countingHandler(&calls))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/p", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	// The client going away must not abort the write.
	cancel()
	assert.Equal(t, http.StatusOK, rec.Code)

	ic.Wait()
	assert.Equal(t, int32(1), store.writes.Load())
}

func TestWait_WriteTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &slowStore{Store: cache.Disabled(), delay: time.Hour}
	ic := New(cache.NewService(store, zerolog.Nop()), zerolog.Nop(), WithWriteTimeout(20*time.Millisecond))
	var calls atomic.Int32
	h := ic.Cache(Route{Name: "r", TTL: time.Minute})(countingHandler(&calls))

	serve(h, http.MethodGet, "/p")

	done := make(chan struct{})
	go func() {
		ic.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("background write did not honour its timeout")
	}
	assert.Zero(t, store.writes.Load())
}

func TestDefaultKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/products/7?sort=price&page=2", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "7", "category": "amps"})

	got := DefaultKey("products.show", req)
	assert.Equal(t, "products.show:/products/7:page=2&sort=price:category=amps&id=7", got)
}

func TestDefaultKey_AcceptEncoding(t *testing.T) {
	plain := httptest.NewRequest(http.MethodGet, "/products", nil)
	gzip := httptest.NewRequest(http.MethodGet, "/products", nil)
	gzip.Header.Set("Accept-Encoding", "GZIP, br")
	reordered := httptest.NewRequest(http.MethodGet, "/products", nil)
	reordered.Header.Set("Accept-Encoding", "br,gzip")

	assert.Equal(t, "products:/products::", DefaultKey("products", plain))
	assert.Equal(t, "products:/products:::enc=br,gzip", DefaultKey("products", gzip))
	assert.Equal(t, DefaultKey("products", gzip), DefaultKey("products", reordered))
}

func TestCache_HeadDoesNotShareFlightWithGet(t *testing.T) {
	ic := New(newTestCache(t), zerolog.Nop())
	entered := make(chan string, 2)
	release := make(chan struct{})

	h := ic.Cache(Route{Name: "slow", TTL: time.Minute, Coalesce: true})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- r.Method
		<-release
		_, _ = w.Write([]byte("expensive"))
	}))

	var wg sync.WaitGroup
	var head, get *httptest.ResponseRecorder
	wg.Add(2)
	go func() {
		defer wg.Done()
		head = serve(h, http.MethodHead, "/slow")
	}()
	require.Equal(t, http.MethodHead, <-entered)
	go func() {
		defer wg.Done()
		get = serve(h, http.MethodGet, "/slow")
	}()

	select {
	case method := <-entered:
		assert.Equal(t, http.MethodGet, method)
	case <-time.After(5 * time.Second):
		close(release)
		wg.Wait()
		t.Fatal("GET waited on the HEAD request instead of running its handler")
	}
	close(release)
	wg.Wait()
	ic.Wait()

	assert.Equal(t, "expensive", get.Body.String())
	assert.Equal(t, http.StatusOK, head.Code)
}

func TestCache_CoalescedCallersKeepCookies(t *testing.T) {
	ic := New(newTestCache(t), zerolog.Nop())
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	h := ic.Cache(Route{Name: "session", TTL: time.Minute, Coalesce: true})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		once.Do(func() {
			close(started)
			<-release
		})
		http.SetCookie(w, &http.Cookie{Name: "session", Value: fmt.Sprintf("s%d", n)})
		_, _ = w.Write([]byte("personal"))
	}))

	var wg sync.WaitGroup
	recs := make([]*httptest.ResponseRecorder, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		recs[0] = serve(h, http.MethodGet, "/me")
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		recs[1] = serve(h, http.MethodGet, "/me")
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	ic.Wait()

	cookies := map[string]bool{}
	for _, rec := range recs {
		assert.Equal(t, "personal", rec.Body.String())
		cookie := rec.Header().Get("Set-Cookie")
		require.NotEmpty(t, cookie)
		cookies[cookie] = true
	}
	assert.Len(t, cookies, 2, "each caller gets its own session cookie")
	assert.Equal(t, int32(2), calls.Load())

	rec := serve(h, http.MethodGet, "/me")
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"), "cookie responses are never stored")
}

// encodingHandler gzips its body label when the client accepts gzip.
func encodingHandler(calls *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Vary", "Accept-Encoding")
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			_, _ = w.Write([]byte("gzipped"))
			return
		}
		_, _ = w.Write([]byte("plain"))
	})
}

func TestCache_EncodedVariantsKeptApart(t *testing.T) {
	ic := New(newTestCache(t), zerolog.Nop())
	var calls atomic.Int32
	h := ic.Cache(Route{Name: "products", TTL: time.Minute})(encodingHandler(&calls))

	serve(h, http.MethodGet, "/products", "Accept-Encoding", "gzip")
	ic.Wait()

	rec := serve(h, http.MethodGet, "/products")
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, "plain", rec.Body.String())
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	ic.Wait()

	rec = serve(h, http.MethodGet, "/products")
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, "plain", rec.Body.String())

	rec = serve(h, http.MethodGet, "/products", "Accept-Encoding", "gzip")
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, "gzipped", rec.Body.String())
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_EncodedHitSkippedForPlainClient(t *testing.T) {
	ic := New(newTestCache(t), zerolog.Nop())
	var calls atomic.Int32
	h := ic.Cache(Route{
		TTL: time.Minute,
		Key: func(*http.Request) string { return "shared" },
	})(encodingHandler(&calls))

	serve(h, http.MethodGet, "/products", "Accept-Encoding", "gzip")
	ic.Wait()

	rec := serve(h, http.MethodGet, "/products", "Accept-Encoding", "identity")
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, "plain", rec.Body.String())
	assert.Equal(t, int32(2), calls.Load())
}

func TestDefaultCondition_Vary(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	tests := []struct {
		vary string
		want bool
	}{
		{"", true},
		{"Accept-Encoding", true},
		{"accept-encoding", true},
		{"Accept-Encoding, Cookie", false},
		{"User-Agent", false},
		{"*", false},
	}

	for _, tt := range tests {
		t.Run(tt.vary, func(t *testing.T) {
			h := http.Header{}
			if tt.vary != "" {
				h.Set("Vary", tt.vary)
			}
			assert.Equal(t, tt.want, DefaultCondition(r, newResponse(http.StatusOK, h, []byte("x"))))
		})
	}
}
