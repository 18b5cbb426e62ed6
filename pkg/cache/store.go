package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested key does not exist in the store.
	ErrNotFound = errors.New("cache: key not found")

	// ErrInvalidEntry indicates the stored payload is invalid or corrupted.
	ErrInvalidEntry = errors.New("cache: invalid cache entry")

	// ErrDisconnected is returned by stores that are known to be unreachable.
	// Operations short-circuit with it instead of attempting the call.
	ErrDisconnected = errors.New("cache: backend disconnected")

	// ErrMissingCredentials indicates the selected backend cannot be used
	// with the supplied configuration.
	ErrMissingCredentials = errors.New("cache: missing backend credentials")
)

// Write is one value to be stored by Store.SetMany.
type Write struct {
	Key   string
	Value []byte
	TTL   time.Duration
	// TagKeys are reverse index sets Key is added to.
	TagKeys []string
}

// Store is the raw key-value driver behind Service. Keys passed to a Store
// are already derived; values are opaque bytes. Implementations return
// errors and leave fail-open handling to Service.
type Store interface {
	// Name identifies the backend ("redis", "rest", "disabled").
	Name() string

	// Get returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// MGet returns one slot per key; missing or failed keys are nil.
	MGet(ctx context.Context, keys []string) ([][]byte, error)

	// SetMany stores every write with its TTL and tag index membership.
	// It returns the number of writes that succeeded.
	SetMany(ctx context.Context, writes []Write) (int, error)

	// Del deletes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// IncrBy atomically adds amount to key. The TTL is applied when the key
	// has no expiry; with refresh set it is re-applied on every call.
	IncrBy(ctx context.Context, key string, amount int64, ttl time.Duration, refresh bool) (int64, error)

	// TTL returns the remaining store-native expiry, or ErrNotFound.
	// A negative duration means the key has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Members returns the members of a set key.
	Members(ctx context.Context, setKey string) ([]string, error)

	// DeletePrefix removes every key matching prefix:* and returns the count.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)

	Ping(ctx context.Context) error

	// Connected reports whether the store believes it can serve requests.
	Connected() bool

	Close() error
}

// Usage is the backend footprint.
type Usage struct {
	// Keys counts every key in the database, tag index sets included.
	Keys int64

	// MemoryBytes is the server's used memory, 0 when unknown.
	MemoryBytes int64
}

// Sizer is implemented by stores that can report their footprint.
type Sizer interface {
	Usage(ctx context.Context) (Usage, error)
}

// Disabled returns a Store that rejects every operation with ErrDisconnected.
// It backs a Service when caching is explicitly turned off.
func Disabled() Store {
	return disabledStore{}
}

type disabledStore struct{}

var _ Store = disabledStore{}

func (disabledStore) Name() string { return "disabled" }

func (disabledStore) Get(context.Context, string) ([]byte, error) { return nil, ErrDisconnected }

func (disabledStore) MGet(context.Context, []string) ([][]byte, error) {
	return nil, ErrDisconnected
}

func (disabledStore) SetMany(context.Context, []Write) (int, error) { return 0, ErrDisconnected }

func (disabledStore) Del(context.Context, ...string) (int64, error) { return 0, ErrDisconnected }

func (disabledStore) IncrBy(context.Context, string, int64, time.Duration, bool) (int64, error) {
	return 0, ErrDisconnected
}

func (disabledStore) TTL(context.Context, string) (time.Duration, error) {
	return 0, ErrDisconnected
}

func (disabledStore) Members(context.Context, string) ([]string, error) {
	return nil, ErrDisconnected
}

func (disabledStore) DeletePrefix(context.Context, string) (int64, error) {
	return 0, ErrDisconnected
}

func (disabledStore) Ping(context.Context) error { return ErrDisconnected }

func (disabledStore) Connected() bool { return false }

func (disabledStore) Close() error { return nil }
