package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 25 * time.Millisecond

// ConfigWatcher reloads the config file when it changes.
// Stop must be called to release filesystem resources.
type ConfigWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *ConfigWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// watchConfig calls onChange with the reloaded config after every change to the file.
// normalize, if set, is applied to the reloaded config before it is validated.
// The directory of the file is watched so editors replacing the file are noticed.
func watchConfig(ctx context.Context, filename string, normalize func(*Config), onChange func(Config), onError func(error)) (*ConfigWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch requires a change callback")
	}
	target, err := filepath.Abs(filename)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", filename, err)
	}
	target = filepath.Clean(target)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil {
				report(fmt.Errorf("config: watch close: %w", err))
			}
		}()

		reload := func() {
			config, err := loadConfig(target)
			if err != nil {
				report(err)
				return
			}
			if normalize != nil {
				normalize(&config)
			}
			if err := config.Validate(); err != nil {
				report(fmt.Errorf("config: %s: %w", target, err))
				return
			}
			onChange(config)
		}

		var timer *time.Timer
		var reloadSignal <-chan time.Time
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				reloadSignal = nil
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
				} else {
					timer.Reset(watchDebounce)
				}
				reloadSignal = timer.C
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				report(fmt.Errorf("config: watch error: %w", err))
			}
		}
	}()

	return &ConfigWatcher{cancel: cancel, done: done}, nil
}
