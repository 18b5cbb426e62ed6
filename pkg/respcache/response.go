package respcache

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Response is a captured handler response as stored in the cache.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body"`
	ETag   string      `json:"etag,omitempty"`

	setCookie bool
}

// SetsCookie reports whether the handler set a cookie. Cookies are never
// stored.
func (resp *Response) SetsCookie() bool {
	return resp.setCookie
}

// headers that describe the connection or the individual request and must
// not be replayed from cache.
var skipHeaders = map[string]bool{
	"Connection":            true,
	"Date":                  true,
	"Keep-Alive":            true,
	"Set-Cookie":            true,
	"Transfer-Encoding":     true,
	"X-Request-Id":          true,
	"X-Cache":               true,
	"X-Ratelimit-Limit":     true,
	"X-Ratelimit-Remaining": true,
	"X-Ratelimit-Reset":     true,
	"Retry-After":           true,
}

// newResponse snapshots a recorded response. The ETag is taken from the
// handler when it set one, otherwise derived from the body.
func newResponse(status int, header http.Header, body []byte) *Response {
	kept := make(http.Header, len(header))
	for k, v := range header {
		if skipHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		kept[k] = append([]string(nil), v...)
	}

	etag := header.Get("ETag")
	if etag == "" {
		etag = `W/"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
	}
	return &Response{
		Status:    status,
		Header:    kept,
		Body:      bytes.Clone(body),
		ETag:      etag,
		setCookie: header.Get("Set-Cookie") != "",
	}
}

// notModified reports whether the request's If-None-Match matches the
// stored ETag.
func (resp *Response) notModified(r *http.Request) bool {
	inm := r.Header.Get("If-None-Match")
	if inm == "" || resp.ETag == "" {
		return false
	}
	if strings.TrimSpace(inm) == "*" {
		return true
	}
	want := strings.TrimPrefix(resp.ETag, "W/")
	for _, candidate := range strings.Split(inm, ",") {
		if strings.TrimPrefix(strings.TrimSpace(candidate), "W/") == want {
			return true
		}
	}
	return false
}

// headerTokens splits comma-separated header values into trimmed,
// non-empty tokens.
func headerTokens(values []string) []string {
	var out []string
	for _, v := range values {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				out = append(out, token)
			}
		}
	}
	return out
}

// acceptable reports whether the client can decode the stored body.
func (resp *Response) acceptable(r *http.Request) bool {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if encoding == "" || encoding == "identity" {
		return true
	}
	for _, token := range headerTokens(r.Header.Values("Accept-Encoding")) {
		coding, params, _ := strings.Cut(token, ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		if coding != encoding && coding != "*" {
			continue
		}
		q := strings.ReplaceAll(strings.TrimSpace(params), " ", "")
		return q != "q=0" && q != "q=0.0" && q != "q=0.00" && q != "q=0.000"
	}
	return false
}

// writeTo replays the response.
func (resp *Response) writeTo(w http.ResponseWriter, r *http.Request, cacheStatus string) {
	h := w.Header()
	for k, v := range resp.Header {
		h[k] = append([]string(nil), v...)
	}
	if resp.ETag != "" {
		h.Set("ETag", resp.ETag)
	}
	h.Set("X-Cache", cacheStatus)

	if resp.notModified(r) {
		h.Del("Content-Length")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

// recorder captures a handler's response. With passthrough set it also
// forwards everything to the underlying writer.
type recorder struct {
	w           http.ResponseWriter
	header      http.Header
	passthrough bool
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newRecorder(w http.ResponseWriter, passthrough bool) *recorder {
	rec := &recorder{w: w, passthrough: passthrough}
	if passthrough {
		rec.header = w.Header()
	} else {
		rec.header = make(http.Header)
	}
	return rec
}

func (rec *recorder) Header() http.Header {
	return rec.header
}

func (rec *recorder) WriteHeader(status int) {
	if rec.wroteHeader {
		return
	}
	rec.wroteHeader = true
	rec.status = status
	if rec.passthrough {
		rec.w.WriteHeader(status)
	}
}

func (rec *recorder) Write(p []byte) (int, error) {
	if !rec.wroteHeader {
		rec.WriteHeader(http.StatusOK)
	}
	rec.body.Write(p)
	if rec.passthrough {
		return rec.w.Write(p)
	}
	return len(p), nil
}

func (rec *recorder) Flush() {
	if !rec.passthrough {
		return
	}
	if f, ok := rec.w.(http.Flusher); ok {
		f.Flush()
	}
}

// statusCode returns the recorded status, 200 if the handler never wrote.
func (rec *recorder) statusCode() int {
	if !rec.wroteHeader {
		return http.StatusOK
	}
	return rec.status
}

// replay writes the recorded response to w as the handler produced it,
// including headers that are never stored.
func (rec *recorder) replay(w http.ResponseWriter, r *http.Request, cacheStatus string) {
	h := w.Header()
	for k, v := range rec.header {
		h[k] = append([]string(nil), v...)
	}
	h.Set("X-Cache", cacheStatus)
	w.WriteHeader(rec.statusCode())
	if r.Method != http.MethodHead {
		_, _ = w.Write(rec.body.Bytes())
	}
}

func (rec *recorder) response() *Response {
	return newResponse(rec.statusCode(), rec.header, rec.body.Bytes())
}
