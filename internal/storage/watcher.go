// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the burst of events produced by one
// temp-file + rename write.
const DefaultWatchDebounce = 50 * time.Millisecond

// Change describes a key that was written or removed by any process.
type Change struct {
	Key     string
	Deleted bool
}

// Watcher reports changes to a FileStore made by this or other processes.
type Watcher struct {
	store    *FileStore
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]Change
	timer   *time.Timer
}

// NewWatcher starts watching the store directory.
func NewWatcher(store *FileStore, debounce time.Duration) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(store.Dir()); err != nil {
		w.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	return &Watcher{
		store:    store,
		watcher:  w,
		debounce: debounce,
		pending:  make(map[string]Change),
	}, nil
}

// Run delivers changes to fn until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context, fn func(Change)) error {
	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event, fn)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event, fn func(Change)) {
	key := filepath.Base(event.Name)
	if !ValidKey(key) {
		// temp files start with a dot
		return
	}
	deleted := event.Has(fsnotify.Remove) || (event.Has(fsnotify.Rename) && !event.Has(fsnotify.Create))
	if !deleted && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[key] = Change{Key: key, Deleted: deleted}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.flush(fn) })
}

func (w *Watcher) flush(fn func(Change)) {
	w.mu.Lock()
	changes := make([]Change, 0, len(w.pending))
	for _, c := range w.pending {
		changes = append(changes, c)
	}
	w.pending = make(map[string]Change)
	w.mu.Unlock()

	for _, c := range changes {
		fn(c)
	}
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.stopTimer()
	return w.watcher.Close()
}

// SyncLockFlag republishes flag whenever its file changes on disk. Writes made
// by this process are echoed too; lock listeners treat a repeated state as a
// no-op.
func SyncLockFlag(ctx context.Context, w *Watcher, flag *LockFlag) error {
	return w.Run(ctx, func(c Change) {
		if c.Key == flag.Key() {
			flag.republish()
		}
	})
}
