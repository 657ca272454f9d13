package tee

import (
	"net/http"
	"time"
)

// ResponseRecorder is a wrapper around http.ResponseWriter that passes the response through
// and remembers the status code and the number of body bytes written.
type ResponseRecorder struct {
	rw           http.ResponseWriter
	status       int
	bytes        int64
	wroteHeaders bool
	CreatedAt    time.Time
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Header() http.Header {
	return t.rw.Header()
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	t.rw.WriteHeader(statusCode)
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	n, err := t.rw.Write(b)
	t.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher when the underlying writer does.
func (t *ResponseRecorder) Flush() {
	if f, ok := t.rw.(http.Flusher); ok {
		if !t.wroteHeaders {
			t.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (t *ResponseRecorder) Unwrap() http.ResponseWriter {
	return t.rw
}

// StatusCode returns the status code of the response, or 0 if nothing was written.
func (t *ResponseRecorder) StatusCode() int {
	return t.status
}

// BytesWritten returns the number of body bytes written.
func (t *ResponseRecorder) BytesWritten() int64 {
	return t.bytes
}

// Duration returns the time elapsed since the recorder was created.
func (t *ResponseRecorder) Duration() time.Duration {
	return time.Since(t.CreatedAt)
}

// NewResponseRecorder returns a ResponseRecorder writing to w.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{
		CreatedAt: time.Now(),
		rw:        w,
	}
}
