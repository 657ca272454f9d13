package precache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// Event is a message dispatched to a worker.
type Event interface {
	event()
}

// InstallEvent installs a version: its namespace is opened and filled from the manifest.
type InstallEvent struct {
	Version string
}

// ActivateEvent activates an installed version. An empty Version activates whichever version is installed.
type ActivateEvent struct {
	Version string
}

// FetchEvent is one request made through the worker.
type FetchEvent struct {
	ID       uuid.UUID
	Method   string
	URL      *url.URL
	Navigate bool
	Header   http.Header
}

func (InstallEvent) event()  {}
func (ActivateEvent) event() {}
func (FetchEvent) event()    {}

type message struct {
	ctx   context.Context
	event Event
	reply chan error
}

// Dispatch hands an event to the worker.
// Lifecycle events are queued and handled one at a time in the order they arrive;
// Dispatch returns when the event has been handled.
// Fetch events are handled concurrently on the calling goroutine.
func (w *Worker) Dispatch(ctx context.Context, event Event) (Answer, error) {
	switch ev := event.(type) {
	case FetchEvent:
		return w.handleFetch(ctx, ev)
	case InstallEvent, ActivateEvent:
		return Answer{}, w.send(ctx, ev)
	default:
		return Answer{}, fmt.Errorf("precache: unknown event %T", event)
	}
}

func (w *Worker) send(ctx context.Context, event Event) error {
	reply := make(chan error, 1)
	select {
	case w.messages <- message{ctx: ctx, event: event, reply: reply}:
	case <-w.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run handles lifecycle messages until the worker is closed.
func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case msg := <-w.messages:
			var err error
			switch ev := msg.event.(type) {
			case InstallEvent:
				err = w.install(msg.ctx, ev.Version)
			case ActivateEvent:
				err = w.activate(msg.ctx, ev.Version)
			}
			msg.reply <- err
		}
	}
}
