package precache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	tee "github.com/always-cache/precache/pkg/response-writer-tee"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// ServeHTTP implements the http.Handler interface.
// Requests the worker does not answer go to the pass-through handler.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.serve(rw, r, w.passThrough)
}

// Middleware returns a handler which answers through the worker and passes
// everything else to next.
func (w *Worker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.serve(rw, r, next)
	})
}

func (w *Worker) serve(rw http.ResponseWriter, r *http.Request, next http.Handler) {
	logger := w.getLogger(r)
	ev := NewFetchEvent(r)

	ans, err := w.Dispatch(r.Context(), ev)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Debug().Err(err).Str("event", ev.ID.String()).Msg("Request abandoned")
			return
		}
		logger.Error().Err(err).Str("event", ev.ID.String()).Msg("Could not answer request")
		ans = unavailable()
	}

	if ans.PassThrough {
		if cs := ans.CacheStatus.String(); cs != "" {
			rw.Header().Add("Cache-Status", cs)
		}
		rec := tee.NewResponseRecorder(rw)
		next.ServeHTTP(rec, r)
		logger.Debug().
			Str("event", ev.ID.String()).
			Str("method", r.Method).
			Str("url", ev.URL.String()).
			Int("status", rec.StatusCode()).
			Int64("bytes", rec.BytesWritten()).
			Dur("duration", rec.Duration()).
			Msg("Passed through")
		return
	}

	if _, err := ans.Write(rw); err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
	logger.Debug().
		Str("event", ev.ID.String()).
		Str("method", r.Method).
		Str("url", ev.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("source", string(ans.Source)).
		Int("status", ans.Status).
		Str("cacheStatus", ans.CacheStatus.String()).
		Msg("Sending response to client")
}

// NewFetchEvent creates the fetch event for an incoming request.
func NewFetchEvent(r *http.Request) FetchEvent {
	return FetchEvent{
		ID:       uuid.New(),
		Method:   r.Method,
		URL:      requestURL(r),
		Navigate: isNavigation(r),
		Header:   r.Header.Clone(),
	}
}

// requestURL returns the absolute url of a request:
// the request target if it is absolute, otherwise built from Host and the scheme.
func requestURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		proto, _, _ = strings.Cut(proto, ",")
		scheme = strings.ToLower(strings.TrimSpace(proto))
	}
	return &url.URL{
		Scheme:   scheme,
		Host:     r.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
}

// isNavigation reports whether the request is a page load.
// Sec-Fetch-Mode decides if the client sent it, otherwise a GET accepting HTML counts.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the worker logger.
func (w *Worker) getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &w.log
	}
	return logger
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}
