package precache

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"
)

// Fetcher sends a request addressed to the serving origin over the network.
// The returned response's Request.URL must be in serving origin terms.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Headers that are never forwarded to the upstream.
// Accept-Encoding is left to the transport, which decodes bodies before they are stored.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Upgrade",
	"Accept-Encoding",
	"X-Forwarded-For",
	"X-Forwarded-Proto",
	"X-Forwarded-Host",
}

// HTTPFetcher fetches from an upstream server on behalf of the serving origin.
// Redirects are not followed.
type HTTPFetcher struct {
	upstream   url.URL
	hostHeader string
	client     *http.Client
}

// NewHTTPFetcher creates a fetcher for the upstream.
// Use host if the upstream should be sent a different Host header and TLS server name,
// e.g. if the upstream URL is just an IP address.
func NewHTTPFetcher(upstream url.URL, host string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		upstream:   upstream,
		hostHeader: host,
		client: &http.Client{
			Transport: upstreamTransport(host),
			Timeout:   timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	createDirector(f.upstream.Scheme, f.upstream.Host, f.hostHeader)(out)
	for _, name := range hopHeaders {
		out.Header.Del(name)
	}
	res, err := f.client.Do(out)
	if err != nil {
		return nil, &NetworkError{URL: req.URL.String(), Err: err}
	}
	res.Request = req
	return res, nil
}

// NewPassThrough returns the default handler for requests the worker does not answer:
// a reverse proxy to the upstream.
func NewPassThrough(upstream url.URL, host string) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director:  createDirector(upstream.Scheme, upstream.Host, host),
		Transport: upstreamTransport(host),
	}
}

func upstreamTransport(host string) http.RoundTripper {
	if host == "" {
		return http.DefaultTransport
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		ServerName: host,
	}
	return transport
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		} else {
			req.Host = host
		}
	}
}
