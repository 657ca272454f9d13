package precache

import (
	"net/http"
	"strconv"

	"github.com/always-cache/precache/cache"
)

// Source tells where an answer came from.
type Source string

const (
	SourcePassThrough Source = "passthrough"
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceFallback    Source = "fallback"
	SourceUnavailable Source = "unavailable"
)

const unavailableBody = "Service Unavailable"

// Answer is the result of a fetch event.
// A pass-through answer carries nothing; the request should be handled as if there was no worker.
type Answer struct {
	PassThrough bool
	Source      Source
	Status      int
	Header      http.Header
	Body        []byte
	CacheStatus CacheStatus
}

func passThrough(reason CacheStatusFwdReason) Answer {
	cs := CacheStatus{}
	cs.Forward(reason)
	return Answer{PassThrough: true, Source: SourcePassThrough, CacheStatus: cs}
}

func answerFromEntry(source Source, entry cache.Entry, cs CacheStatus) Answer {
	return Answer{
		Source:      source,
		Status:      entry.Status,
		Header:      entry.Header.Clone(),
		Body:        entry.Body,
		CacheStatus: cs,
	}
}

// unavailable is the synthetic answer for a failed non-navigation request.
func unavailable() Answer {
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdUriMiss)
	cs.Detail(detailUnavailable)
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return Answer{
		Source:      SourceUnavailable,
		Status:      http.StatusServiceUnavailable,
		Header:      header,
		Body:        []byte(unavailableBody),
		CacheStatus: cs,
	}
}

// Write sends the answer to w. Pass-through answers write nothing.
func (a Answer) Write(w http.ResponseWriter) (int, error) {
	if a.PassThrough {
		return 0, nil
	}
	copyHeadersTo(w.Header(), a.Header)
	if cs := a.CacheStatus.String(); cs != "" {
		w.Header().Add("Cache-Status", cs)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Body)))
	w.WriteHeader(a.Status)
	return w.Write(a.Body)
}

// copyHeadersTo copies the headers from one http.Header to another.
func copyHeadersTo(dst, src http.Header) {
	for name, values := range src {
		dst.Del(name)
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
