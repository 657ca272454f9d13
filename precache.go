package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/precache/cache"
	cachekey "github.com/always-cache/precache/pkg/cache-key"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPrefix is the namespace prefix used when the config has none.
const DefaultPrefix = "precache"

const defaultFetchTimeout = 30 * time.Second

type Config struct {
	// Storage for cache namespaces.
	Provider cache.Provider
	// Public origin the worker answers for. Only scheme and host are used.
	Origin url.URL
	// URL of the upstream server.
	// Upstreams with paths are not supported.
	Upstream url.URL
	// Hostname to use for upstream HTTP requests and TLS negotiation.
	// Use if needed if e.g. the upstream URL is just an IP address.
	UpstreamHost string
	// Version installed and activated by Start.
	Version string
	// Namespace prefix. Namespaces are named <prefix>-<version>.
	Prefix string
	// Absolute paths on the origin stored at install.
	Manifest []string
	// Path of the offline document. Must be in the manifest.
	Fallback string
	// Activate a new version without waiting for fetch events of the old one to finish.
	SkipWaiting bool
	// Request headers which are part of the cache key.
	VaryHeaders []string
	// Timeout for a single upstream request.
	FetchTimeout time.Duration
	// Optional fetcher. Defaults to an HTTPFetcher for the upstream.
	Fetcher Fetcher
	// Optional handler for requests the worker does not answer.
	// Defaults to a reverse proxy to the upstream.
	PassThrough http.Handler
	// Optional metrics recorder.
	Metrics *Recorder
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Worker intercepts GET requests for one origin, answering from the namespace of its
// active version, from the network, or with a fallback.
type Worker struct {
	provider    cache.Provider
	origin      url.URL
	prefix      string
	version     string
	manifest    []string
	skipWaiting bool
	keyer       cachekey.CacheKeyer
	fallback    Fallback
	fetcher     Fetcher
	passThrough http.Handler
	metrics     *Recorder
	log         zerolog.Logger

	mu sync.RWMutex
	// version answering fetch events
	active *version
	// installed version waiting for activation
	installed *version
	// version most recently handled by the lifecycle
	latest *version
	// closed when an activation in progress has claimed
	claiming chan struct{}
	closed   bool

	messages  chan message
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	// pending write-backs
	writes sync.WaitGroup
}

// CreateWorker validates the config and starts the worker's lifecycle loop.
// No version is active until Start or Update succeeds.
func CreateWorker(config Config) (*Worker, error) {
	if config.Provider == nil {
		return nil, errors.New("precache: cache provider required")
	}
	if config.Origin.Scheme == "" || config.Origin.Host == "" {
		return nil, fmt.Errorf("precache: origin must be an absolute URL, got %q", config.Origin.String())
	}
	origin := url.URL{Scheme: config.Origin.Scheme, Host: config.Origin.Host}
	if config.Fetcher == nil && (config.Upstream.Scheme == "" || config.Upstream.Host == "") {
		return nil, fmt.Errorf("precache: upstream must be an absolute URL, got %q", config.Upstream.String())
	}
	for _, path := range config.Manifest {
		if _, err := resolvePath(origin, path); err != nil {
			return nil, fmt.Errorf("precache: manifest: %w", err)
		}
	}
	if config.Fallback != "" && !slices.Contains(config.Manifest, config.Fallback) {
		return nil, fmt.Errorf("precache: fallback %s is not in the manifest", config.Fallback)
	}

	// use the global logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", origin.String()).
		Logger()

	prefix := config.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	timeout := config.FetchTimeout
	if timeout == 0 {
		timeout = defaultFetchTimeout
	}
	keyer := cachekey.NewCacheKeyer(config.VaryHeaders...)

	w := &Worker{
		provider:    config.Provider,
		origin:      origin,
		prefix:      prefix,
		version:     config.Version,
		manifest:    append([]string(nil), config.Manifest...),
		skipWaiting: config.SkipWaiting,
		keyer:       keyer,
		fallback:    Fallback{Path: config.Fallback, origin: origin, keyer: keyer},
		fetcher:     config.Fetcher,
		passThrough: config.PassThrough,
		metrics:     config.Metrics,
		log:         logger,
		messages:    make(chan message),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if w.fetcher == nil {
		w.fetcher = NewHTTPFetcher(config.Upstream, config.UpstreamHost, timeout)
	}
	if w.passThrough == nil {
		if config.Upstream.Host == "" {
			return nil, errors.New("precache: pass-through handler or upstream required")
		}
		w.passThrough = NewPassThrough(config.Upstream, config.UpstreamHost)
	}

	go w.run()
	return w, nil
}

// Start installs and activates the configured version.
func (w *Worker) Start(ctx context.Context) error {
	return w.Update(ctx, w.version)
}

// Update installs the given version and activates it.
// If the install fails, the active version keeps serving.
func (w *Worker) Update(ctx context.Context, version string) error {
	if _, err := w.Dispatch(ctx, InstallEvent{Version: version}); err != nil {
		return err
	}
	_, err := w.Dispatch(ctx, ActivateEvent{Version: version})
	return err
}

// Close stops the lifecycle loop and waits for pending cache writes.
// The cache provider is not closed.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.quit)
		<-w.done
		w.writes.Wait()
	})
	return nil
}

// NamespaceName returns the name of the namespace for a version.
func (w *Worker) NamespaceName(version string) string {
	return w.prefix + "-" + version
}

// State is a snapshot of the worker's process-wide state.
type State struct {
	// Version most recently handled by the lifecycle and its phase.
	Version string `json:"version"`
	Phase   Phase  `json:"phase"`
	// Version answering fetch events, empty before the first activation.
	Active    string `json:"active"`
	Namespace string `json:"namespace"`
	// Installed version waiting for activation.
	Waiting string `json:"waiting,omitempty"`
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	state := State{Phase: PhaseIdle}
	if w.latest != nil {
		state.Version = w.latest.tag
		state.Phase = w.latest.phase
	}
	if w.active != nil {
		state.Active = w.active.tag
		state.Namespace = w.active.ns.Name()
	}
	if w.installed != nil {
		state.Waiting = w.installed.tag
	}
	return state
}

// NamespaceInfo describes a stored namespace.
type NamespaceInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Active  bool   `json:"active"`
}

// Namespaces lists the namespaces of the worker's prefix with their entry counts.
func (w *Worker) Namespaces(ctx context.Context) ([]NamespaceInfo, error) {
	names, err := w.provider.Namespaces(ctx)
	if err != nil {
		return nil, &StoreError{Op: "namespaces", Err: err}
	}
	state := w.State()
	infos := make([]NamespaceInfo, 0, len(names))
	for _, name := range names {
		if !w.ownsNamespace(name) {
			continue
		}
		keys, err := w.provider.Keys(ctx, name)
		if err != nil {
			return nil, &StoreError{Op: "keys", Namespace: name, Err: err}
		}
		infos = append(infos, NamespaceInfo{
			Name:    name,
			Entries: len(keys),
			Active:  name == state.Namespace,
		})
	}
	return infos, nil
}

// EntryInfo describes a stored entry by the request it answers.
type EntryInfo struct {
	Key    string      `json:"key"`
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Vary   http.Header `json:"vary,omitempty"`
}

// Entries lists the entries of one of the worker's namespaces, sorted by key.
// It returns cache.ErrNamespaceNotFound for namespaces of other prefixes and for missing ones.
func (w *Worker) Entries(ctx context.Context, namespace string) ([]EntryInfo, error) {
	if !w.ownsNamespace(namespace) {
		return nil, cache.ErrNamespaceNotFound
	}
	names, err := w.provider.Namespaces(ctx)
	if err != nil {
		return nil, &StoreError{Op: "namespaces", Err: err}
	}
	if !slices.Contains(names, namespace) {
		return nil, cache.ErrNamespaceNotFound
	}
	keys, err := w.provider.Keys(ctx, namespace)
	if err != nil {
		return nil, &StoreError{Op: "keys", Namespace: namespace, Err: err}
	}
	entries := make([]EntryInfo, 0, len(keys))
	for _, key := range keys {
		req, err := w.keyer.GetRequestFromKey(key)
		if err != nil {
			w.log.Warn().Err(err).Str("namespace", namespace).Msg("Skipping undecodable key")
			continue
		}
		info := EntryInfo{Key: key, Method: req.Method, URL: req.URL.String()}
		if len(req.Header) > 0 {
			info.Vary = req.Header
		}
		entries = append(entries, info)
	}
	return entries, nil
}

func (w *Worker) ownsNamespace(name string) bool {
	return strings.HasPrefix(name, w.prefix+"-")
}

// resolvePath returns the absolute url of a path on the origin.
func resolvePath(origin url.URL, path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() || ref.Host != "" || !strings.HasPrefix(ref.Path, "/") {
		return nil, fmt.Errorf("not an absolute path: %q", path)
	}
	base := url.URL{Scheme: origin.Scheme, Host: origin.Host}
	return base.ResolveReference(ref), nil
}
