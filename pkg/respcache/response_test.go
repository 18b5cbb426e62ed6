package respcache

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewResponse_FiltersHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Set-Cookie", "session=abc")
	h.Set("X-Request-ID", "req-1")
	h.Set("X-RateLimit-Remaining", "3")

	resp := newResponse(http.StatusOK, h, []byte(`{"ok":true}`))

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("Set-Cookie"))
	assert.Empty(t, resp.Header.Get("X-Request-ID"))
	assert.Empty(t, resp.Header.Get("X-RateLimit-Remaining"))
	assert.True(t, resp.SetsCookie())
}

func TestNewResponse_ETag(t *testing.T) {
	a := newResponse(http.StatusOK, http.Header{}, []byte("one"))
	b := newResponse(http.StatusOK, http.Header{}, []byte("one"))
	c := newResponse(http.StatusOK, http.Header{}, []byte("two"))

	assert.Equal(t, a.ETag, b.ETag)
	assert.NotEqual(t, a.ETag, c.ETag)
	assert.Regexp(t, `^W/"[0-9a-f]+"$`, a.ETag)

	h := http.Header{}
	h.Set("ETag", `"v42"`)
	assert.Equal(t, `"v42"`, newResponse(http.StatusOK, h, nil).ETag, "handler ETag wins")
}

func TestResponse_NotModified(t *testing.T) {
	resp := &Response{ETag: `W/"abc"`}

	tests := []struct {
		name        string
		ifNoneMatch string
		want        bool
	}{
		{"no header", "", false},
		{"exact", `W/"abc"`, true},
		{"strong form", `"abc"`, true},
		{"list", `"x", W/"abc"`, true},
		{"wildcard", "*", true},
		{"different", `"def"`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.ifNoneMatch != "" {
				r.Header.Set("If-None-Match", tt.ifNoneMatch)
			}
			assert.Equal(t, tt.want, resp.notModified(r))
		})
	}
}

func TestRecorder_DefaultStatus(t *testing.T) {
	rec := newRecorder(httptest.NewRecorder(), false)
	_, _ = rec.Write([]byte("body"))
	assert.Equal(t, http.StatusOK, rec.statusCode())

	rec = newRecorder(httptest.NewRecorder(), false)
	assert.Equal(t, http.StatusOK, rec.statusCode(), "handler that never writes answers 200")

	rec = newRecorder(httptest.NewRecorder(), false)
	rec.WriteHeader(http.StatusAccepted)
	rec.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusAccepted, rec.statusCode())
}

func TestResponse_Acceptable(t *testing.T) {
	tests := []struct {
		name           string
		encoding       string
		acceptEncoding string
		want           bool
	}{
		{"identity body", "", "", true},
		{"explicit identity", "identity", "", true},
		{"gzip without header", "gzip", "", false},
		{"gzip accepted", "gzip", "br, gzip", true},
		{"case insensitive", "GZIP", "gzip;q=0.8", true},
		{"wildcard", "br", "*", true},
		{"refused", "gzip", "gzip;q=0", false},
		{"other coding", "br", "gzip", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.encoding != "" {
				h.Set("Content-Encoding", tt.encoding)
			}
			resp := newResponse(http.StatusOK, h, []byte("body"))

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.acceptEncoding != "" {
				r.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}
			assert.Equal(t, tt.want, resp.acceptable(r))
		})
	}
}

func TestRecorder_ReplayKeepsCookies(t *testing.T) {
	rec := newRecorder(httptest.NewRecorder(), false)
	http.SetCookie(rec, &http.Cookie{Name: "session", Value: "abc"})
	rec.WriteHeader(http.StatusCreated)
	_, _ = rec.Write([]byte("body"))

	out := httptest.NewRecorder()
	rec.replay(out, httptest.NewRequest(http.MethodGet, "/", nil), "MISS")

	assert.Equal(t, http.StatusCreated, out.Code)
	assert.Equal(t, "body", out.Body.String())
	assert.Equal(t, "session=abc", out.Header().Get("Set-Cookie"))
	assert.Equal(t, "MISS", out.Header().Get("X-Cache"))
}
