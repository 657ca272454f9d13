package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrNamespaceNotFound is returned when writing into a namespace that does not exist,
// e.g. because it was deleted by a version rollover while the write was in flight.
var ErrNamespaceNotFound = errors.New("cache: namespace not found")

// Provider is a versioned response store.
// Entries live in named namespaces; there is no per-entry expiry,
// entries go away only when their namespace is deleted.
// Within a namespace there is at most one entry per key and writing an
// existing key replaces it (last write wins).
//
// Implementations must be thread-safe!
// Every single Put and DeleteNamespace must be atomic on its own,
// since concurrent request handlers share one provider without any locking of their own.
type Provider interface {
	// Open returns a handle for the namespace, creating it if it does not exist yet.
	Open(ctx context.Context, name string) (*Namespace, error)
	// Get returns the entry stored under key in the namespace.
	// The boolean is false (and the error nil) if there is no such entry.
	Get(ctx context.Context, namespace, key string) (Entry, bool, error)
	// Put stores the entry under entry.Key in the namespace.
	// It returns ErrNamespaceNotFound if the namespace does not exist.
	Put(ctx context.Context, namespace string, entry Entry) error
	// DeleteNamespace removes the namespace and all of its entries.
	// Deleting a namespace that does not exist is not an error.
	DeleteNamespace(ctx context.Context, name string) error
	// Namespaces lists the names of all namespaces, sorted.
	Namespaces(ctx context.Context) ([]string, error)
	// Keys lists the keys stored in the namespace, sorted.
	Keys(ctx context.Context, namespace string) ([]string, error)
	// Close releases the underlying storage.
	Close() error
}

// Entry is a captured response stored under a request identity.
type Entry struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone returns a deep copy of the entry,
// so that callers can not mutate what is stored.
func (e Entry) Clone() Entry {
	out := e
	out.Header = e.Header.Clone()
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// Namespace is a handle to an opened namespace of a provider.
type Namespace struct {
	name     string
	provider Provider
}

// NewNamespace binds a namespace name to a provider.
// Providers use it from Open.
func NewNamespace(provider Provider, name string) *Namespace {
	return &Namespace{name: name, provider: provider}
}

// Name returns the namespace name.
func (n *Namespace) Name() string {
	return n.name
}

// Get returns the entry for the key, see Provider.Get.
func (n *Namespace) Get(ctx context.Context, key string) (Entry, bool, error) {
	return n.provider.Get(ctx, n.name, key)
}

// Put stores the entry, see Provider.Put.
func (n *Namespace) Put(ctx context.Context, entry Entry) error {
	return n.provider.Put(ctx, n.name, entry)
}

// Keys lists the stored keys, see Provider.Keys.
func (n *Namespace) Keys(ctx context.Context) ([]string, error) {
	return n.provider.Keys(ctx, n.name)
}
