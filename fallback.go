package precache

import (
	"context"
	"net/http"
	"net/url"

	"github.com/always-cache/precache/cache"
	cachekey "github.com/always-cache/precache/pkg/cache-key"
)

// Fallback serves the offline document, which is stored during install like any other manifest entry.
type Fallback struct {
	// Path of the offline document on the serving origin. Empty disables the fallback.
	Path string

	origin url.URL
	keyer  cachekey.CacheKeyer
}

// Key returns the fixed key of the offline document.
func (f Fallback) Key() string {
	u, err := resolvePath(f.origin, f.Path)
	if err != nil {
		return ""
	}
	return f.keyer.Key(http.MethodGet, u, nil)
}

// Document reads the offline document from the namespace.
// It returns false if there is no fallback or it is not stored.
func (f Fallback) Document(ctx context.Context, ns *cache.Namespace) (cache.Entry, bool, error) {
	key := f.Key()
	if f.Path == "" || key == "" || ns == nil {
		return cache.Entry{}, false, nil
	}
	return ns.Get(ctx, key)
}
