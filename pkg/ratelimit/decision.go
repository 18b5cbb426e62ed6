package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Response headers written for every limited request.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	// Allowed is false when the request must be rejected with 429.
	Allowed bool `json:"allowed"`

	// Rule is the name of the matched rule.
	Rule string `json:"rule"`

	Identity string `json:"identity"`

	// Limit is the rule's maximum requests per window.
	Limit int64 `json:"limit"`

	// Remaining is the number of requests left in the current window.
	Remaining int64 `json:"remaining"`

	// ResetAt is when the current window ends.
	ResetAt time.Time `json:"reset_at"`

	// Degraded is set when the counter could not be read or written and
	// the request was allowed without enforcement.
	Degraded bool `json:"degraded"`

	// Message is the rejection message of the matched rule.
	Message string `json:"-"`

	now time.Time
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (d *Decision) TimeUntilReset() time.Duration {
	duration := d.ResetAt.Sub(d.now)
	if duration < 0 {
		return 0
	}
	return duration
}

// RetryAfterSeconds is the Retry-After value: the time until reset rounded
// up, never less than one second.
func (d *Decision) RetryAfterSeconds() int64 {
	wait := d.TimeUntilReset()
	secs := int64((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// WriteHeaders sets the rate-limit headers on h. Retry-After is only set on
// rejection.
func (d *Decision) WriteHeaders(h http.Header) {
	h.Set(HeaderLimit, strconv.FormatInt(d.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(d.Remaining, 10))
	h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		h.Set(HeaderRetryAfter, strconv.FormatInt(d.RetryAfterSeconds(), 10))
	}
}
