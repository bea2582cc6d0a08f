package main

// Hot-plug watcher: new nodes under the input root are offered to the
// keyboard pool. udev creates the node before it fixes ownership and
// mode, so opening is retried briefly.

import (
	"context"
	"errors"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const (
	hotplugAttempts = 10
	hotplugBackoff  = 100 * time.Millisecond
)

type deviceAdder interface {
	Add(path string) error
}

type hotplugWatcher struct {
	watcher *fsnotify.Watcher
	pool    deviceAdder
}

func newHotplugWatcher(root string, pool deviceAdder) (*hotplugWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(root); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &hotplugWatcher{watcher: w, pool: pool}, nil
}

// Run blocks until ctx is cancelled or the watcher fails.
func (h *hotplugWatcher) Run(ctx context.Context) error {
	defer h.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			log.WithField("path", ev.Name).Debug("input node created")
			go h.attach(ctx, ev.Name)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

// attach retries only failures that can clear up once udev has fixed the
// node's permissions.
func (h *hotplugWatcher) attach(ctx context.Context, path string) {
	for i := 0; i < hotplugAttempts; i++ {
		err := h.pool.Add(path)
		if err == nil || errors.Is(err, errNotKeyboard) || errors.Is(err, errNotCharDevice) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(hotplugBackoff):
		}
	}
}
