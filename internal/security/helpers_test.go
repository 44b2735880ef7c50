// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/jeranaias/locksmith/internal/clock"
	"github.com/jeranaias/locksmith/internal/settings"
	"github.com/jeranaias/locksmith/internal/storage"
)

var errStoreDown = errors.New("identity store unreachable")

var testEpoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// countingHasher counts Verify calls on top of a low-cost bcrypt hasher.
type countingHasher struct {
	inner    *BcryptHasher
	verifies atomic.Int32
}

func newCountingHasher() *countingHasher {
	return &countingHasher{inner: NewBcryptHasher(bcrypt.MinCost)}
}

func (h *countingHasher) Hash(ctx context.Context, secret string) (string, error) {
	return h.inner.Hash(ctx, secret)
}

func (h *countingHasher) Verify(ctx context.Context, secret, digest string) (bool, error) {
	h.verifies.Add(1)
	return h.inner.Verify(ctx, secret, digest)
}

// memorySettings is an in-memory settings repository. Writes fail while down
// is set.
type memorySettings struct {
	mu   sync.Mutex
	down bool
	doc  map[string]settings.DocumentLock
	idle map[string]settings.IdleSecurity
}

func newMemorySettings() *memorySettings {
	return &memorySettings{
		doc:  make(map[string]settings.DocumentLock),
		idle: make(map[string]settings.IdleSecurity),
	}
}

func (m *memorySettings) setDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

func (m *memorySettings) DocumentLock(_ context.Context, userID string) (settings.DocumentLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.doc[userID]; ok {
		return d, nil
	}
	return settings.DefaultDocumentLock(userID), nil
}

func (m *memorySettings) UpdateDocumentLock(ctx context.Context, userID string, patch settings.DocumentLockPatch) (settings.DocumentLock, error) {
	if err := patch.Validate(); err != nil {
		return settings.DocumentLock{}, err
	}
	current, _ := m.DocumentLock(ctx, userID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return settings.DocumentLock{}, errStoreDown
	}
	current = patch.Apply(current)
	m.doc[userID] = current
	return current, nil
}

func (m *memorySettings) IdleSecurity(_ context.Context, userID string) (settings.IdleSecurity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.idle[userID]; ok {
		return s, nil
	}
	return settings.DefaultIdleSecurity(userID), nil
}

func (m *memorySettings) UpdateIdleSecurity(ctx context.Context, userID string, patch settings.IdleSecurityPatch) (settings.IdleSecurity, error) {
	if err := patch.Validate(); err != nil {
		return settings.IdleSecurity{}, err
	}
	current, _ := m.IdleSecurity(ctx, userID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return settings.IdleSecurity{}, errStoreDown
	}
	current = patch.Apply(current)
	m.idle[userID] = current
	return current, nil
}

// recordingSink keeps every audit event.
type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (r *recordingSink) Record(_ context.Context, event AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

func (r *recordingSink) has(eventType string) bool {
	for _, t := range r.types() {
		if t == eventType {
			return true
		}
	}
	return false
}

// docFixture wires a DocumentLock over in-memory stores and a fake clock.
type docFixture struct {
	lock       *DocumentLock
	repo       *memorySettings
	hasher     *countingHasher
	clock      *clock.Fake
	persistent *storage.MemoryStore
	session    *storage.MemoryStore
	flag       *storage.LockFlag
	audit      *recordingSink
}

func newDocFixture(t *testing.T, opts ...Option) *docFixture {
	t.Helper()
	f := &docFixture{
		repo:       newMemorySettings(),
		hasher:     newCountingHasher(),
		clock:      clock.NewFake(testEpoch),
		persistent: storage.NewMemoryStore(),
		session:    storage.NewMemoryStore(),
		audit:      &recordingSink{},
	}
	f.flag = storage.NewLockFlag(f.persistent, storage.KeyDocumentsLocked, storage.NewBroadcaster())

	opts = append([]Option{WithClock(f.clock), WithAuditSink(f.audit)}, opts...)
	lock, err := NewDocumentLock(f.repo, f.hasher, f.flag, f.session, opts...)
	if err != nil {
		t.Fatalf("NewDocumentLock: %v", err)
	}
	t.Cleanup(lock.Close)
	f.lock = lock
	return f
}
