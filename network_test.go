package precache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPFetcherRewritesToUpstream(t *testing.T) {
	requests := make(chan *http.Request, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r.Clone(context.Background())
		http.Redirect(w, r, "/elsewhere", http.StatusMovedPermanently)
	}))
	defer server.Close()
	upstream, err := url.Parse(server.URL)
	require.NoError(t, err)

	fetcher := NewHTTPFetcher(*upstream, "www.example.com", time.Second)
	req := httptest.NewRequest(http.MethodGet, "https://example.com/page?x=1", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	req.Header.Set("Accept-Language", "fi")

	res, err := fetcher.Fetch(context.Background(), req)
	require.NoError(t, err)
	defer res.Body.Close()

	// redirects are not followed
	require.Equal(t, http.StatusMovedPermanently, res.StatusCode)
	require.Equal(t, "https://example.com/page?x=1", res.Request.URL.String())

	got := <-requests
	require.Equal(t, "/page", got.URL.Path)
	require.Equal(t, "x=1", got.URL.RawQuery)
	require.Equal(t, "www.example.com", got.Host)
	require.Equal(t, "fi", got.Header.Get("Accept-Language"))
	require.Empty(t, got.Header.Get("X-Forwarded-For"))
}

func TestHTTPFetcherNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	upstream, err := url.Parse(server.URL)
	require.NoError(t, err)
	server.Close()

	fetcher := NewHTTPFetcher(*upstream, "", time.Second)
	_, err = fetcher.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "https://example.com/", nil))
	var networkErr *NetworkError
	require.True(t, errors.As(err, &networkErr))
	require.Equal(t, "https://example.com/", networkErr.URL)
}
