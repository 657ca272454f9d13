package precache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/always-cache/precache/cache"
	cachekey "github.com/always-cache/precache/pkg/cache-key"
	serializer "github.com/always-cache/precache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// handleFetch answers a fetch event from the active namespace, the network or the fallback.
// Non-GET and cross-origin requests are passed through without touching the store.
func (w *Worker) handleFetch(ctx context.Context, ev FetchEvent) (Answer, error) {
	rawURL := ""
	if ev.URL != nil {
		rawURL = ev.URL.String()
	}
	logger := w.log.With().
		Str("event", ev.ID.String()).
		Str("method", ev.Method).
		Str("url", rawURL).
		Logger()

	if ev.Method != http.MethodGet {
		logger.Trace().Msg("Passing through, method not cacheable")
		return w.answered(passThrough(CacheStatusFwdMethod)), nil
	}
	if ev.URL == nil || !cachekey.SameOrigin(ev.URL, &w.origin) {
		logger.Trace().Msg("Passing through, other origin")
		return w.answered(passThrough(CacheStatusFwdBypass)), nil
	}

	v, release, err := w.current(ctx)
	if err != nil {
		return Answer{}, err
	}
	if v == nil {
		logger.Trace().Msg("Passing through, no active version")
		ans := passThrough(CacheStatusFwdUriMiss)
		ans.CacheStatus.Detail(detailInactive)
		return w.answered(ans), nil
	}
	defer release()
	logger = logger.With().Str("version", v.tag).Logger()

	key := w.keyer.Key(http.MethodGet, ev.URL, ev.Header)
	entry, ok, err := v.ns.Get(ctx, key)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return Answer{}, ctx.Err()
		}
		w.metrics.ObserveStore("get", StoreResultError)
		logger.Warn().Err(&StoreError{Op: "get", Namespace: v.ns.Name(), Key: key, Err: err}).Msg("Could not read from cache, treating as miss")
	case ok:
		w.metrics.ObserveStore("get", StoreResultHit)
		logger.Trace().Str("key", key).Msg("Cache hit")
		cs := CacheStatus{}
		cs.Hit()
		return w.answered(answerFromEntry(SourceCache, entry, cs)), nil
	default:
		w.metrics.ObserveStore("get", StoreResultMiss)
	}

	return w.fromNetwork(ctx, v, ev, key, logger)
}

// fromNetwork fetches a missed request. Eligible responses are written back to the namespace
// in the background, a failed fetch is answered offline.
func (w *Worker) fromNetwork(ctx context.Context, v *version, ev FetchEvent, key string, logger zerolog.Logger) (Answer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ev.URL.String(), nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not create request")
		return w.offline(ctx, v, ev, logger), nil
	}
	if ev.Header != nil {
		req.Header = ev.Header.Clone()
	}

	start := time.Now()
	res, err := w.fetcher.Fetch(ctx, req)
	w.metrics.ObserveNetwork(time.Since(start))
	var sRes serializer.StoredResponse
	if err == nil {
		sRes, err = serializer.ReadResponse(res)
		if err != nil {
			err = &NetworkError{URL: ev.URL.String(), Err: err}
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug().Err(err).Msg("Request abandoned")
			return Answer{}, ctx.Err()
		}
		logger.Warn().Err(err).Msg("Network request failed")
		return w.offline(ctx, v, ev, logger), nil
	}

	entry := cache.Entry{
		Key:    key,
		Status: sRes.StatusCode,
		Header: sRes.Header,
		Body:   sRes.Body,
	}
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdUriMiss)
	if w.eligible(res, ev.URL) {
		cs.Stored()
		w.writeBack(ctx, v, entry.Clone(), logger)
	} else {
		cs.Detail(detailIneligible)
		logger.Trace().Int("status", entry.Status).Msg("Response not eligible for caching")
	}
	if ctx.Err() != nil {
		logger.Debug().Msg("Request abandoned, discarding answer")
		return Answer{}, ctx.Err()
	}
	return w.answered(answerFromEntry(SourceNetwork, entry, cs)), nil
}

// offline answers a request which could not be fetched.
func (w *Worker) offline(ctx context.Context, v *version, ev FetchEvent, logger zerolog.Logger) Answer {
	if ev.Navigate {
		doc, ok, err := w.fallback.Document(ctx, v.ns)
		switch {
		case err != nil:
			w.metrics.ObserveStore("get", StoreResultError)
			logger.Warn().Err(&StoreError{Op: "get", Namespace: v.ns.Name(), Key: w.fallback.Key(), Err: err}).Msg("Could not read offline document")
		case ok:
			cs := CacheStatus{}
			cs.Forward(CacheStatusFwdUriMiss)
			cs.Detail(detailOffline)
			return w.answered(answerFromEntry(SourceFallback, doc, cs))
		default:
			logger.Warn().Str("path", w.fallback.Path).Msg("Offline document not available")
		}
	}
	return w.answered(unavailable())
}

// writeBack stores the entry in a tracked goroutine.
// The write is detached from ctx so an abandoned request neither cancels it nor sees its error.
func (w *Worker) writeBack(ctx context.Context, v *version, entry cache.Entry, logger zerolog.Logger) {
	w.mu.RLock()
	closed := w.closed
	if !closed {
		w.writes.Add(1)
	}
	w.mu.RUnlock()
	if closed {
		w.metrics.ObserveStore("put", StoreResultSkipped)
		logger.Debug().Msg("Worker closed, not storing response")
		return
	}

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer w.writes.Done()
		if !w.isActive(v) {
			w.metrics.ObserveStore("put", StoreResultSkipped)
			logger.Debug().Msg("Version no longer active, not storing response")
			return
		}
		err := v.ns.Put(ctx, entry)
		switch {
		case errors.Is(err, cache.ErrNamespaceNotFound):
			w.metrics.ObserveStore("put", StoreResultSkipped)
			logger.Debug().Msg("Namespace deleted, response not stored")
		case err != nil:
			w.metrics.ObserveStore("put", StoreResultError)
			logger.Warn().Err(&StoreError{Op: "put", Namespace: v.ns.Name(), Key: entry.Key, Err: err}).Msg("Could not write to cache")
		default:
			w.metrics.ObserveStore("put", StoreResultOK)
			logger.Trace().Str("key", entry.Key).Msg("Stored response")
		}
	}()
}

// current returns the active version with its fetch tracker acquired, or nil if there is none.
// It waits while an activation is claiming. The returned func releases the tracker.
func (w *Worker) current(ctx context.Context) (*version, func(), error) {
	for {
		w.mu.RLock()
		if w.closed {
			w.mu.RUnlock()
			return nil, nil, ErrClosed
		}
		gate := w.claiming
		v := w.active
		var release func()
		if gate == nil && v != nil {
			release = v.fetches.acquire()
		}
		w.mu.RUnlock()
		if gate == nil {
			return v, release, nil
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (w *Worker) isActive(v *version) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active == v
}

// eligible reports whether a response may be stored:
// status 200 from the serving origin.
func (w *Worker) eligible(res *http.Response, requested *url.URL) bool {
	if res.StatusCode != http.StatusOK {
		return false
	}
	final := requested
	if res.Request != nil && res.Request.URL != nil {
		final = res.Request.URL
	}
	return cachekey.SameOrigin(final, &w.origin)
}

func (w *Worker) answered(ans Answer) Answer {
	w.metrics.ObserveAnswer(ans.Source)
	return ans
}
