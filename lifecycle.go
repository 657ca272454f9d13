package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/precache/cache"
	serializer "github.com/always-cache/precache/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

// Phase is the lifecycle phase of a version.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInstalling
	PhaseInstalled
	PhaseActivating
	PhaseActivated
	// Install failed, or the version was superseded and its namespace deleted.
	PhaseRedundant
)

var phaseNames = map[Phase]string{
	PhaseIdle:       "idle",
	PhaseInstalling: "installing",
	PhaseInstalled:  "installed",
	PhaseActivating: "activating",
	PhaseActivated:  "activated",
	PhaseRedundant:  "redundant",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// version is one installed generation of the cache.
type version struct {
	tag   string
	ns    *cache.Namespace
	phase Phase
	// fetch events answering from this version
	fetches *tracker
}

// tracker counts fetch events in flight. Events are grouped in cohorts:
// seal closes the current cohort to new events and returns a channel
// closed once every event of that cohort has been released.
type tracker struct {
	mu  sync.Mutex
	cur *cohort
}

type cohort struct {
	n      int
	sealed bool
	done   chan struct{}
}

func newTracker() *tracker {
	return &tracker{cur: &cohort{done: make(chan struct{})}}
}

// acquire adds an event to the current cohort. The returned func releases it.
func (t *tracker) acquire() func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.cur
	c.n++
	var once sync.Once
	return func() {
		once.Do(func() { t.release(c) })
	}
}

func (t *tracker) release(c *cohort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c.n--
	if c.n == 0 && c.sealed {
		close(c.done)
	}
}

func (t *tracker) seal() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.cur
	c.sealed = true
	if c.n == 0 {
		close(c.done)
	}
	t.cur = &cohort{done: make(chan struct{})}
	return c.done
}

// wait waits until the events acquired before the call have been released.
func (t *tracker) wait(ctx context.Context) error {
	select {
	case <-t.seal():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) transition(v *version, phase Phase) {
	w.mu.Lock()
	v.phase = phase
	w.mu.Unlock()
	w.metrics.ObserveTransition(phase)
	w.log.Info().
		Str("version", v.tag).
		Str("phase", phase.String()).
		Msg("Lifecycle transition")
}

// install opens the namespace of the version and stores every manifest entry in it.
// A failed install deletes the namespace unless the active or the waiting version uses it.
func (w *Worker) install(ctx context.Context, tag string) error {
	if tag == "" {
		return &InstallError{Version: tag, Err: errors.New("empty version")}
	}
	name := w.NamespaceName(tag)
	logger := w.log.With().Str("version", tag).Str("namespace", name).Logger()

	w.mu.Lock()
	if (w.active != nil && w.active.tag == tag) || (w.installed != nil && w.installed.tag == tag) {
		w.mu.Unlock()
		logger.Debug().Msg("Version already installed")
		return nil
	}
	v := &version{tag: tag, fetches: newTracker()}
	w.latest = v
	w.mu.Unlock()
	w.transition(v, PhaseInstalling)

	ns, err := w.provider.Open(ctx, name)
	if err != nil {
		w.metrics.ObserveStore("open", StoreResultError)
		w.transition(v, PhaseRedundant)
		return &InstallError{Version: tag, Err: &StoreError{Op: "open", Namespace: name, Err: err}}
	}
	v.ns = ns

	g, gctx := errgroup.WithContext(ctx)
	for _, path := range w.manifest {
		path := path
		g.Go(func() error {
			return w.precache(gctx, v, path)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Install failed")
		w.transition(v, PhaseRedundant)
		if !w.inUse(name) {
			w.discard(context.WithoutCancel(ctx), name)
		}
		return err
	}

	w.mu.Lock()
	superseded := w.installed
	w.installed = v
	w.mu.Unlock()
	if superseded != nil {
		w.transition(superseded, PhaseRedundant)
		w.discard(ctx, superseded.ns.Name())
	}
	w.transition(v, PhaseInstalled)
	logger.Info().Int("entries", len(w.manifest)).Msg("Installed")
	return nil
}

// precache fetches one manifest path, bypassing caches, and stores the response.
func (w *Worker) precache(ctx context.Context, v *version, path string) error {
	u, err := resolvePath(w.origin, path)
	if err != nil {
		return &InstallError{Version: v.tag, Path: path, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &InstallError{Version: v.tag, Path: path, Err: err}
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	start := time.Now()
	res, err := w.fetcher.Fetch(ctx, req)
	w.metrics.ObserveNetwork(time.Since(start))
	if err != nil {
		return &InstallError{Version: v.tag, Path: path, Err: err}
	}
	sRes, err := serializer.ReadResponse(res)
	if err != nil {
		return &InstallError{Version: v.tag, Path: path, Err: &NetworkError{URL: u.String(), Err: err}}
	}
	if !w.eligible(res, u) {
		return &InstallError{Version: v.tag, Path: path, Err: fmt.Errorf("ineligible response (status %d)", res.StatusCode)}
	}

	entry := cache.Entry{
		Key:    w.keyer.Key(http.MethodGet, u, nil),
		Status: sRes.StatusCode,
		Header: sRes.Header,
		Body:   sRes.Body,
	}
	if err := v.ns.Put(ctx, entry); err != nil {
		w.metrics.ObserveStore("put", StoreResultError)
		return &InstallError{Version: v.tag, Path: path, Err: &StoreError{Op: "put", Namespace: v.ns.Name(), Key: entry.Key, Err: err}}
	}
	w.metrics.ObserveStore("put", StoreResultOK)
	w.log.Trace().Str("version", v.tag).Str("key", entry.Key).Msg("Precached")
	return nil
}

// activate purges the namespaces of other versions and then claims fetch events for the installed version.
// Fetch events wait while an activation is in progress.
func (w *Worker) activate(ctx context.Context, tag string) error {
	w.mu.Lock()
	v := w.installed
	if v == nil || (tag != "" && v.tag != tag) {
		active := w.active
		w.mu.Unlock()
		if active != nil && (tag == "" || active.tag == tag) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotInstalled, tag)
	}
	old := w.active
	w.mu.Unlock()
	w.transition(v, PhaseActivating)

	// the previous version keeps answering new fetch events
	// until the ones in flight when the activation started are done
	waitForOld := old != nil && !w.skipWaiting
	if waitForOld {
		w.log.Debug().Str("version", v.tag).Str("previous", old.tag).Msg("Waiting for fetch events of previous version")
		if err := old.fetches.wait(ctx); err != nil {
			w.transition(v, PhaseInstalled)
			return fmt.Errorf("precache: activate %s: waiting for %s: %w", v.tag, old.tag, err)
		}
	}

	// new fetch events wait for the claim from here on
	gate := make(chan struct{})
	w.mu.Lock()
	w.claiming = gate
	w.mu.Unlock()
	if waitForOld {
		// fetch events which started on the previous version during the first wait
		if err := old.fetches.wait(ctx); err != nil {
			w.mu.Lock()
			w.claiming = nil
			w.mu.Unlock()
			close(gate)
			w.transition(v, PhaseInstalled)
			return fmt.Errorf("precache: activate %s: waiting for %s: %w", v.tag, old.tag, err)
		}
	}

	w.purge(ctx, v)

	// claim
	w.mu.Lock()
	w.active = v
	w.installed = nil
	w.claiming = nil
	w.mu.Unlock()
	close(gate)

	if old != nil {
		w.transition(old, PhaseRedundant)
	}
	w.transition(v, PhaseActivated)
	return nil
}

// purge deletes every namespace of the worker's prefix except the one of v.
// Failures are logged, the activation goes on.
func (w *Worker) purge(ctx context.Context, v *version) {
	names, err := w.provider.Namespaces(ctx)
	if err != nil {
		w.metrics.ObserveStore("namespaces", StoreResultError)
		w.log.Warn().Err(&StoreError{Op: "namespaces", Err: err}).Msg("Could not list namespaces")
		return
	}
	for _, name := range names {
		if name == v.ns.Name() || !w.ownsNamespace(name) {
			continue
		}
		w.discard(ctx, name)
	}
}

// inUse reports whether the active or the waiting version stores into the namespace.
func (w *Worker) inUse(name string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return (w.active != nil && w.active.ns.Name() == name) ||
		(w.installed != nil && w.installed.ns.Name() == name)
}

func (w *Worker) discard(ctx context.Context, name string) {
	if err := w.provider.DeleteNamespace(ctx, name); err != nil {
		w.metrics.ObserveStore("delete", StoreResultError)
		w.log.Warn().Err(&StoreError{Op: "delete", Namespace: name, Err: err}).Msg("Could not delete namespace")
		return
	}
	w.metrics.ObserveStore("delete", StoreResultOK)
	w.log.Info().Str("namespace", name).Msg("Deleted namespace")
}
