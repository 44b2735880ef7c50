// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"fmt"
	"strconv"
	"sync"
)

// LockEvent is the broadcast payload. It is kept minimal on purpose.
type LockEvent struct {
	Locked bool `json:"locked"`
}

// Broadcaster is an in-process pub/sub for lock state changes.
type Broadcaster struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func(LockEvent)
}

// NewBroadcaster returns a broadcaster without listeners.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{listeners: make(map[int]func(LockEvent))}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Broadcaster) Subscribe(fn func(LockEvent)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every listener. Listeners run synchronously on the
// caller's goroutine, outside the broadcaster lock.
func (b *Broadcaster) Publish(ev LockEvent) {
	b.mu.Lock()
	fns := make([]func(LockEvent), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// =============================================================================
// LOCK FLAG
// =============================================================================

// LockFlag is a boolean persisted in a Store and echoed on a Broadcaster.
type LockFlag struct {
	store Store
	key   string
	bc    *Broadcaster
}

// NewLockFlag binds key in store to bc.
func NewLockFlag(store Store, key string, bc *Broadcaster) *LockFlag {
	if bc == nil {
		bc = NewBroadcaster()
	}
	return &LockFlag{store: store, key: key, bc: bc}
}

// Key returns the storage key of the flag.
func (f *LockFlag) Key() string {
	return f.key
}

// Locked reads the persisted value. A missing or unreadable flag reads as
// false; callers that need the error use Load.
func (f *LockFlag) Locked() bool {
	locked, _ := f.Load()
	return locked
}

// Load reads the persisted value.
func (f *LockFlag) Load() (bool, error) {
	data, ok, err := f.store.Get(f.key)
	if err != nil || !ok {
		return false, err
	}
	locked, err := strconv.ParseBool(string(data))
	if err != nil {
		return false, fmt.Errorf("invalid %s value: %w", f.key, err)
	}
	return locked, nil
}

// Set persists locked and broadcasts it.
func (f *LockFlag) Set(locked bool) error {
	if err := f.store.Set(f.key, []byte(strconv.FormatBool(locked))); err != nil {
		return err
	}
	f.bc.Publish(LockEvent{Locked: locked})
	return nil
}

// Clear removes the persisted flag and broadcasts an unlocked state.
func (f *LockFlag) Clear() error {
	if err := f.store.Delete(f.key); err != nil {
		return err
	}
	f.bc.Publish(LockEvent{Locked: false})
	return nil
}

// Subscribe registers fn for lock state changes.
func (f *LockFlag) Subscribe(fn func(LockEvent)) (cancel func()) {
	return f.bc.Subscribe(fn)
}

// republish re-reads the flag and broadcasts its current value.
func (f *LockFlag) republish() {
	locked, err := f.Load()
	if err != nil {
		return
	}
	f.bc.Publish(LockEvent{Locked: locked})
}
