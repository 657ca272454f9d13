package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const (
	methodSeparator = " "
	varySeparator   = "\n"
	headerSeparator = ": "
)

// CacheKeyer builds the request identity used as the key of a stored response:
// method, normalized absolute URL and the values of the configured vary headers.
type CacheKeyer struct {
	varyHeaders []string
}

// NewCacheKeyer returns a keyer which includes the given request headers in the key.
// Header names are matched case-insensitively.
func NewCacheKeyer(varyHeaders ...string) CacheKeyer {
	names := make([]string, 0, len(varyHeaders))
	seen := make(map[string]struct{})
	for _, name := range varyHeaders {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return CacheKeyer{varyHeaders: names}
}

// Key returns the key for a request with the given method, url and headers.
// Vary headers absent from the request are left out of the key.
func (c CacheKeyer) Key(method string, u *url.URL, header http.Header) string {
	key := strings.ToUpper(method) + methodSeparator + NormalizeURL(u).String()
	for _, name := range c.varyHeaders {
		if values := header.Values(name); len(values) > 0 {
			key += varySeparator + name + headerSeparator + strings.Join(values, ", ")
		}
	}
	return key
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key. This means it takes vary headers into account.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	lines := strings.Split(key, varySeparator)
	method, uri, found := strings.Cut(lines[0], methodSeparator)
	if !found {
		return nil, fmt.Errorf("malformed key: %q", key)
	}
	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header = GetVaryHeaders(key)
	return req, nil
}

// GetVaryHeaders creates a http.Header instance containing all the vary keys included in a key.
func GetVaryHeaders(key string) http.Header {
	header := make(http.Header)
	lines := strings.Split(key, varySeparator)
	for i := 1; i < len(lines); i++ {
		name, value, found := strings.Cut(lines[i], headerSeparator)
		if !found {
			continue
		}
		header.Add(name, value)
	}
	return header
}

// NormalizeURL returns an absolute url without user info, fragment and default port,
// with lowercase scheme and host and a non-empty path.
func NormalizeURL(u *url.URL) *url.URL {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if port := u.Port(); (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		host = strings.TrimSuffix(host, ":"+port)
	}
	path, rawPath := u.Path, u.RawPath
	if path == "" {
		path, rawPath = "/", ""
	}
	return &url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     path,
		RawPath:  rawPath,
		RawQuery: u.RawQuery,
	}
}

// Origin returns the scheme://host[:port] part of a normalized url.
func Origin(u *url.URL) string {
	n := NormalizeURL(u)
	return n.Scheme + "://" + n.Host
}

// SameOrigin reports whether both urls have the same scheme, host and port.
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return Origin(a) == Origin(b)
}
