package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DefaultPrefix is the key namespace used when callers do not supply one.
const DefaultPrefix = "storefront"

// TagKeyPrefix namespaces the reverse index sets used for tag invalidation.
const TagKeyPrefix = "tag:"

// digestLength is the number of hex characters kept from the SHA-256 digest.
const digestLength = 16

// DeriveKey generates a deterministic, store-safe cache key.
// Format: prefix:digest16(raw)
//
// Example:
//
//	DeriveKey("products:list", "catalog") == "catalog:" + first 16 hex chars of sha256("products:list")
func DeriveKey(raw, prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	sum := sha256.Sum256([]byte(raw))
	return prefix + ":" + hex.EncodeToString(sum[:])[:digestLength]
}

// DeriveKeyFromValue canonicalizes v (object keys sorted recursively, array
// order preserved) and derives a key from its JSON encoding. Two structurally
// equal values produce the same key regardless of field order.
func DeriveKeyFromValue(v any, prefix string) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return DeriveKey(canonical, prefix), nil
}

// Canonicalize returns the canonical JSON encoding of v.
//
// Go structs are first round-tripped through JSON so that their field names
// follow the same sorting rules as maps.
func Canonicalize(v any) (string, error) {
	data, err := marshalPlain(v)
	if err != nil {
		return "", fmt.Errorf("marshal key value: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("decode key value: %w", err)
	}

	var b strings.Builder
	if err := writeCanonical(&b, generic); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			name, err := marshalPlain(k)
			if err != nil {
				return err
			}
			b.Write(name)
			b.WriteByte(':')
			if err := writeCanonical(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		scalar, err := marshalPlain(t)
		if err != nil {
			return err
		}
		b.Write(scalar)
	}
	return nil
}

// marshalPlain encodes v as JSON without escaping <, > and &, so keys match
// encoders that do not HTML-escape.
func marshalPlain(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// TagKey returns the reverse index key for a tag label.
func TagKey(tag string) string {
	return TagKeyPrefix + tag
}
