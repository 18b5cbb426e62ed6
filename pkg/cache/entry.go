package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is the envelope stored for every Set.
type Entry struct {
	// Data is the cached payload, already JSON encoded.
	Data json.RawMessage `json:"data"`

	// Timestamp is when the entry was written, in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// TTL is the declared time-to-live in whole seconds, rounded up. It
	// duplicates the store-native expiry so staleness can be checked on
	// read. Sub-second TTLs therefore never go stale before the store
	// expires them.
	TTL int64 `json:"ttl,omitempty"`

	// Tags are the invalidation groups the entry belongs to.
	Tags []string `json:"tags,omitempty"`
}

// NewEntry wraps value in an envelope stamped with now. The TTL is rounded
// up to whole seconds.
func NewEntry(value any, ttl time.Duration, tags []string, now time.Time) (*Entry, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal cache value: %w", err)
	}
	return &Entry{
		Data:      data,
		Timestamp: now.UnixMilli(),
		TTL:       ttlSeconds(ttl),
		Tags:      tags,
	}, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64((ttl + time.Second - 1) / time.Second)
}

// StoredAt returns the write time of the entry.
func (e *Entry) StoredAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// ExpiresAt returns when the entry becomes stale.
// The zero time is returned for entries without a declared TTL.
func (e *Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.StoredAt().Add(time.Duration(e.TTL) * time.Second)
}

// IsExpired returns true if storedAt + ttl lies before now.
func (e *Entry) IsExpired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.ExpiresAt())
}

// Remaining returns the time until expiration.
// Returns 0 if already expired or if no TTL was declared.
func (e *Entry) Remaining(now time.Time) time.Duration {
	if e.TTL <= 0 {
		return 0
	}
	ttl := e.ExpiresAt().Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// decodePayload interprets a raw stored value. Envelopes are unwrapped;
// anything else (native counters written by INCRBY) is returned as is with a
// nil entry.
func decodePayload(raw []byte) (*Entry, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil, ErrInvalidEntry
	}

	if trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return nil, nil, fmt.Errorf("%w: payload is not JSON", ErrInvalidEntry)
		}
		return nil, trimmed, nil
	}

	var entry Entry
	if err := json.Unmarshal(trimmed, &entry); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if entry.Data == nil {
		return nil, nil, fmt.Errorf("%w: missing data", ErrInvalidEntry)
	}
	return &entry, entry.Data, nil
}
