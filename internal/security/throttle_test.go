// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/locksmith/internal/clock"
	"github.com/jeranaias/locksmith/internal/storage"
)

func newTestThrottle(t *testing.T, store storage.Store, clk clock.Clock, audit AuditSink) *AttemptThrottle {
	t.Helper()
	throttle, err := NewAttemptThrottle(ThrottleConfig{
		Store:           store,
		Key:             storage.KeyDocumentAttempts,
		MaxAttempts:     3,
		LockoutDuration: 15 * time.Minute,
		Clock:           clk,
		IntegrityKey:    []byte("test-integrity-key"),
		Audit:           audit,
	})
	require.NoError(t, err)
	return throttle
}

func TestAttemptThrottle_LocksAtLimit(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	throttle := newTestThrottle(t, storage.NewMemoryStore(), clk, nil)

	for i := 1; i <= 2; i++ {
		state, err := throttle.RecordFailure()
		require.NoError(t, err)
		require.Equal(t, i, state.FailedAttempts)
		require.Nil(t, state.LockedUntil)
		require.False(t, throttle.IsLockedOut())
	}

	state, err := throttle.RecordFailure()
	require.NoError(t, err)
	require.NotNil(t, state.LockedUntil)
	require.True(t, state.LockedUntil.Equal(testEpoch.Add(15*time.Minute)))
	require.True(t, throttle.IsLockedOut())
	require.Equal(t, 900, throttle.RemainingLockoutSeconds())

	clk.Advance(1500 * time.Millisecond)
	require.Equal(t, 899, throttle.RemainingLockoutSeconds(), "partial seconds round up")
}

func TestAttemptThrottle_ExpiryClearsWindowOnly(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	throttle := newTestThrottle(t, storage.NewMemoryStore(), clk, nil)
	for i := 0; i < 3; i++ {
		_, err := throttle.RecordFailure()
		require.NoError(t, err)
	}

	clk.Advance(15*time.Minute + time.Second)
	require.Zero(t, throttle.CheckLockout())

	state, err := throttle.State()
	require.NoError(t, err)
	require.Nil(t, state.LockedUntil)
	require.Equal(t, 3, state.FailedAttempts)
}

func TestAttemptThrottle_RecordSuccessResets(t *testing.T) {
	store := storage.NewMemoryStore()
	throttle := newTestThrottle(t, store, clock.NewFake(testEpoch), nil)

	_, err := throttle.RecordFailure()
	require.NoError(t, err)
	require.NoError(t, throttle.RecordSuccess())

	_, ok, err := store.Get(throttle.Key())
	require.NoError(t, err)
	require.False(t, ok)

	state, err := throttle.State()
	require.NoError(t, err)
	require.Equal(t, AttemptState{}, state)
}

func TestAttemptThrottle_TamperedStateFailsClosed(t *testing.T) {
	store := storage.NewMemoryStore()
	audit := &recordingSink{}
	throttle := newTestThrottle(t, store, clock.NewFake(testEpoch), audit)

	require.NoError(t, store.Set(throttle.Key(), []byte(`{"failed_attempts":0}`)))
	require.True(t, throttle.IsLockedOut())
	require.True(t, audit.has(EventThrottleTampered))

	state, err := throttle.State()
	require.NoError(t, err)
	require.Equal(t, 3, state.FailedAttempts)
	require.NotNil(t, state.LockedUntil)
}

func TestAttemptThrottle_ForeignKeyRejected(t *testing.T) {
	store := storage.NewMemoryStore()
	clk := clock.NewFake(testEpoch)
	first := newTestThrottle(t, store, clk, nil)
	_, err := first.RecordFailure()
	require.NoError(t, err)

	// A blob signed with another integrity key is rejected.
	second, err := NewAttemptThrottle(ThrottleConfig{
		Store:        store,
		Key:          storage.KeyDocumentAttempts,
		Clock:        clk,
		IntegrityKey: []byte("another-key"),
	})
	require.NoError(t, err)
	require.True(t, second.IsLockedOut())
}

func TestAttemptThrottle_SetLimits(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	throttle := newTestThrottle(t, storage.NewMemoryStore(), clk, nil)

	throttle.SetLimits(1, time.Minute)
	require.Equal(t, 1, throttle.MaxAttempts())
	_, err := throttle.RecordFailure()
	require.NoError(t, err)
	require.Equal(t, 60, throttle.RemainingLockoutSeconds())

	throttle.SetLimits(0, 0)
	require.Equal(t, 1, throttle.MaxAttempts(), "non-positive limits are ignored")
}

func TestNewAttemptThrottle_Validation(t *testing.T) {
	if _, err := NewAttemptThrottle(ThrottleConfig{Key: storage.KeyIdleAttempts}); err == nil {
		t.Fatal("expected error for missing store")
	}
	if _, err := NewAttemptThrottle(ThrottleConfig{Store: storage.NewMemoryStore(), Key: "../escape"}); err == nil {
		t.Fatal("expected error for invalid key")
	}
}

func TestAttemptThrottle_SharedFileStoreKeepsEveryFailure(t *testing.T) {
	dir := t.TempDir()
	newShared := func() *AttemptThrottle {
		store, err := storage.NewFileStore(dir)
		require.NoError(t, err)
		throttle, err := NewAttemptThrottle(ThrottleConfig{
			Store:           store,
			Key:             storage.KeyIdleAttempts,
			MaxAttempts:     1000,
			LockoutDuration: time.Minute,
			IntegrityKey:    []byte("shared-integrity-key"),
		})
		require.NoError(t, err)
		return throttle
	}
	throttles := []*AttemptThrottle{newShared(), newShared()}

	const perThrottle = 50
	var wg sync.WaitGroup
	errs := make(chan error, len(throttles)*perThrottle)
	for _, throttle := range throttles {
		wg.Add(1)
		go func(th *AttemptThrottle) {
			defer wg.Done()
			for i := 0; i < perThrottle; i++ {
				if _, err := th.RecordFailure(); err != nil {
					errs <- err
				}
			}
		}(throttle)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("RecordFailure: %v", err)
	}

	state, err := throttles[0].State()
	require.NoError(t, err)
	require.Equal(t, len(throttles)*perThrottle, state.FailedAttempts)
}
