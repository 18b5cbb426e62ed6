package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

type userKey struct{}

// WithUserID returns a context carrying the authenticated user identifier.
// Authentication middleware sets it before the limiter runs.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserIDFromContext returns the user identifier set by WithUserID.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

// ClientIP returns the caller address. With trustProxy set, the first
// X-Forwarded-For hop wins over the socket peer.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Identity returns the counter identity for a caller: "user:<id>" when
// authenticated, otherwise "ip:<ip>" extended with a User-Agent fingerprint.
// The fingerprint is a short non-cryptographic hash; it separates clients
// behind one address without storing the header itself.
func Identity(userID, ip, userAgent string) string {
	if userID != "" {
		return "user:" + userID
	}
	id := "ip:" + ip
	if userAgent != "" {
		id += ":ua:" + strconv.FormatUint(xxhash.Sum64String(userAgent), 36)
	}
	return id
}
