package precache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/stretchr/testify/require"
)

func TestServeHTTPAnswersFromCache(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	rec := httptest.NewRecorder()
	f.worker.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, testOrigin+"/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<h1>home</h1>", rec.Body.String())
	require.Equal(t, "Precache; hit", rec.Header().Get("Cache-Status"))
	require.Equal(t, "13", rec.Header().Get("Content-Length"))
	require.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestServeHTTPPassesThroughToUpstream(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	rec := httptest.NewRecorder()
	f.worker.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, testOrigin+"/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<h1>home</h1>", rec.Body.String())
	require.Equal(t, "Precache; fwd=method", rec.Header().Get("Cache-Status"))
	require.Equal(t, 2, f.upstream.count("/"))
}

func TestServeHTTPOfflineNavigation(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.offline.Store(true)

	req := httptest.NewRequest(http.MethodGet, testOrigin+"/posts/new", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	rec := httptest.NewRecorder()
	f.worker.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<h1>offline</h1>", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, testOrigin+"/posts/new.json", nil)
	req.Header.Set("Sec-Fetch-Mode", "cors")
	rec = httptest.NewRecorder()
	f.worker.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "Service Unavailable", rec.Body.String())
	require.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestServeHTTPAbandonedRequestWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// an activation in progress makes the request wait, so it sees the cancellation
	f.worker.mu.Lock()
	f.worker.claiming = make(chan struct{})
	f.worker.mu.Unlock()
	defer func() {
		f.worker.mu.Lock()
		close(f.worker.claiming)
		f.worker.claiming = nil
		f.worker.mu.Unlock()
	}()

	rec := httptest.NewRecorder()
	f.worker.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, testOrigin+"/", nil).WithContext(ctx))
	require.False(t, rec.Flushed)
	require.Empty(t, rec.Body.String())
	require.Empty(t, rec.Header())
}

func TestMiddleware(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	var nextCalls int
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalls++
		w.WriteHeader(http.StatusAccepted)
	})
	logger := zerolog.Nop()
	handler := hlog.NewHandler(logger)(f.worker.Middleware(next))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, testOrigin+"/", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, nextCalls)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, testOrigin+"/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, nextCalls)
}

func TestNewFetchEvent(t *testing.T) {
	tests := []struct {
		name     string
		request  func() *http.Request
		url      string
		navigate bool
	}{
		{
			name: "absolute target",
			request: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "https://example.com/a?b=c", nil)
			},
			url: "https://example.com/a?b=c",
		},
		{
			name: "origin form behind a proxy",
			request: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/a", nil)
				r.URL.Scheme, r.URL.Host = "", ""
				r.Host = "example.com"
				r.Header.Set("X-Forwarded-Proto", "https, http")
				return r
			},
			url: "https://example.com/a",
		},
		{
			name: "accepts html",
			request: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
				r.Header.Set("Accept", "text/html,application/xhtml+xml")
				return r
			},
			url:      "http://example.com/",
			navigate: true,
		},
		{
			name: "fetch mode wins over accept",
			request: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
				r.Header.Set("Accept", "text/html")
				r.Header.Set("Sec-Fetch-Mode", "no-cors")
				return r
			},
			url: "http://example.com/",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ev := NewFetchEvent(test.request())
			require.Equal(t, test.url, ev.URL.String())
			require.Equal(t, test.navigate, ev.Navigate)
			require.NotEqual(t, [16]byte{}, [16]byte(ev.ID))
		})
	}
}
