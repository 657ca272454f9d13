package precache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInstalled is returned when activating a version that has not been installed.
	ErrNotInstalled = errors.New("precache: version not installed")
	// ErrClosed is returned by a worker after Close.
	ErrClosed = errors.New("precache: worker closed")
)

// InstallError reports a failed install. The version never becomes active.
type InstallError struct {
	Version string
	// Path of the manifest entry that failed, empty if the failure was not tied to one.
	Path string
	Err  error
}

func (e *InstallError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("precache: install %s: %v", e.Version, e.Err)
	}
	return fmt.Sprintf("precache: install %s: %s: %v", e.Version, e.Path, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// StoreError wraps a failed cache provider operation.
type StoreError struct {
	Op        string
	Namespace string
	Key       string
	Err       error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("precache: store %s %s: %v", e.Op, e.Namespace, e.Err)
	}
	return fmt.Sprintf("precache: store %s %s %q: %v", e.Op, e.Namespace, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NetworkError wraps a failed request to the upstream.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("precache: fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }
