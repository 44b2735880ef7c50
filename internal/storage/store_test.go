// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, ok, err := s.Get(KeyDocumentsLocked)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(KeyDocumentsLocked, []byte("true")))
	v, ok, err := s.Get(KeyDocumentsLocked)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "true", string(v))

	require.NoError(t, s.Delete(KeyDocumentsLocked))
	require.NoError(t, s.Delete(KeyDocumentsLocked), "deleting a missing key is not an error")
	_, ok, err = s.Get(KeyDocumentsLocked)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileStoreRejectsPathKeys(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../escape", "a/b", ".hidden"} {
		err := s.Set(key, []byte("x"))
		require.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestFileStoreNoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Set(KeySessionToken, []byte("token")))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		require.False(t, strings.HasPrefix(entry.Name(), ".tmp-"), "leftover temp file %s", entry.Name())
	}
}

func TestFileStoreClearAndDeletePrefix(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Set(SettingsCachePrefix+"u1.document", []byte("{}")))
	require.NoError(t, s.Set(SettingsCachePrefix+"u1.idle", []byte("{}")))
	require.NoError(t, s.Set(KeySessionToken, []byte("t")))

	require.NoError(t, DeletePrefix(s, SettingsCachePrefix))
	keys, err := s.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{KeySessionToken}, keys)

	require.NoError(t, s.Clear())
	keys, err = s.Keys()
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestMemoryStoreCloseDropsEverything(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, SetJSON(s, KeyIdleAttempts, map[string]int{"failed_attempts": 2}))

	var got map[string]int
	ok, err := GetJSON(s, KeyIdleAttempts, &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, got["failed_attempts"])

	require.NoError(t, s.Close())
	keys, err := s.Keys()
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestLockFlagPublishesAndUnsubscribes(t *testing.T) {
	s := NewMemoryStore()
	flag := NewLockFlag(s, KeyDocumentsLocked, NewBroadcaster())

	var events []LockEvent
	cancel := flag.Subscribe(func(ev LockEvent) { events = append(events, ev) })

	require.NoError(t, flag.Set(true))
	require.True(t, flag.Locked())
	require.NoError(t, flag.Clear())
	require.False(t, flag.Locked())

	cancel()
	cancel()
	require.NoError(t, flag.Set(true))

	require.Equal(t, []LockEvent{{Locked: true}, {Locked: false}}, events)
}

func TestSyncLockFlagSeesWritesFromAnotherStore(t *testing.T) {
	dir := t.TempDir()
	local, err := NewFileStore(dir)
	require.NoError(t, err)
	other, err := NewFileStore(dir)
	require.NoError(t, err)

	w, err := NewWatcher(local, 10*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	flag := NewLockFlag(local, KeyDocumentsLocked, NewBroadcaster())
	var mu sync.Mutex
	var seen []bool
	flag.Subscribe(func(ev LockEvent) {
		mu.Lock()
		seen = append(seen, ev.Locked)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go SyncLockFlag(ctx, w, flag)

	// Simulates a second process flipping the flag.
	require.NoError(t, other.Set(KeyDocumentsLocked, []byte("true")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1]
	}, 2*time.Second, 10*time.Millisecond)

	_, err = os.Stat(filepath.Join(dir, KeyDocumentsLocked))
	require.NoError(t, err)
}

func TestFileStoreLockKeySerializesAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileStore(dir)
	require.NoError(t, err)
	b, err := NewFileStore(dir)
	require.NoError(t, err)

	unlock, err := a.LockKey(KeyIdleAttempts)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		release, err := b.LockKey(KeyIdleAttempts)
		if err == nil {
			release()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second store took the lock while the first held it")
	case <-time.After(100 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("lock was not handed over after unlock")
	}

	keys, err := a.Keys()
	require.NoError(t, err)
	require.Empty(t, keys, "lock files are not keys")

	_, err = a.LockKey("../escape")
	require.ErrorIs(t, err, ErrInvalidKey)
}
