package ratelimit

import (
	"encoding/json"
	"net/http"
)

type rejectionBody struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Error      string `json:"error"`
}

// IdentityOf returns the counter identity for r.
func (l *Limiter) IdentityOf(r *http.Request) string {
	return Identity(l.userID(r), ClientIP(r, l.trustProxy), r.UserAgent())
}

// Middleware enforces the policy in front of next. Every response carries
// the X-RateLimit-* headers; rejected requests get 429 with a JSON body.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := l.Allow(r.Context(), r.Method, r.URL.Path, l.IdentityOf(r))
		d.WriteHeaders(w.Header())

		if !d.Allowed {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(rejectionBody{
				StatusCode: http.StatusTooManyRequests,
				Message:    d.Message,
				Error:      http.StatusText(http.StatusTooManyRequests),
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
