// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/locksmith/internal/storage"
)

func TestSessionTerminator_SignOut(t *testing.T) {
	persistent, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	session := storage.NewMemoryStore()
	flag := storage.NewLockFlag(persistent, storage.KeyDocumentsLocked, nil)
	cacheDir := filepath.Join(t.TempDir(), "cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "doc.pdf"), []byte("contents"), 0600))

	require.NoError(t, flag.Set(true))
	require.NoError(t, persistent.Set(storage.KeySessionToken, []byte("token")))
	require.NoError(t, persistent.Set(storage.SettingsCachePrefix+"0011.document", []byte("{}")))
	require.NoError(t, persistent.Set("preferences.theme", []byte("dark")))
	require.NoError(t, session.Set(storage.KeyDocumentAttempts, []byte("a")))
	require.NoError(t, session.Set(storage.KeyIdleAttempts, []byte("b")))

	var unlockedEvents int
	flag.Subscribe(func(ev storage.LockEvent) {
		if !ev.Locked {
			unlockedEvents++
		}
	})

	signedOut := false
	audit := &recordingSink{}
	term := NewSessionTerminator(TerminatorConfig{
		Persistent: persistent,
		Session:    session,
		LockFlag:   flag,
		CacheDir:   cacheDir,
		OnSignOut: func(context.Context) error {
			signedOut = true
			return nil
		},
		Audit: audit,
	})

	require.NoError(t, term.SignOut(context.Background(), testUser))
	require.True(t, signedOut)
	require.Equal(t, 1, unlockedEvents)
	require.False(t, flag.Locked())

	keys, err := persistent.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"preferences.theme"}, keys, "sign-out keeps unrelated preferences")
	keys, err = session.Keys()
	require.NoError(t, err)
	require.Empty(t, keys)

	_, err = os.Stat(cacheDir)
	require.True(t, os.IsNotExist(err))
	require.Equal(t, []string{EventSignOut}, audit.types())
}

func TestSessionTerminator_WipeClearsEverything(t *testing.T) {
	persistent := storage.NewMemoryStore()
	session := storage.NewMemoryStore()
	require.NoError(t, persistent.Set("preferences.theme", []byte("dark")))
	require.NoError(t, session.Set("scratch", []byte("x")))

	term := NewSessionTerminator(TerminatorConfig{Persistent: persistent, Session: session})
	require.NoError(t, term.Wipe(context.Background(), testUser))

	keys, _ := persistent.Keys()
	require.Empty(t, keys)
	keys, _ = session.Keys()
	require.Empty(t, keys)
}

func TestSessionTerminator_HookErrorStillClears(t *testing.T) {
	persistent := storage.NewMemoryStore()
	require.NoError(t, persistent.Set(storage.KeySessionToken, []byte("token")))

	hookErr := errors.New("network down")
	term := NewSessionTerminator(TerminatorConfig{
		Persistent: persistent,
		OnSignOut:  func(context.Context) error { return hookErr },
	})

	err := term.SignOut(context.Background(), testUser)
	require.ErrorIs(t, err, hookErr)
	_, ok, _ := persistent.Get(storage.KeySessionToken)
	require.False(t, ok)
}

type fakeSettingsCache struct {
	calls int
	err   error
}

func (f *fakeSettingsCache) ClearCache() error {
	f.calls++
	return f.err
}

func TestSessionTerminator_UsesSettingsCache(t *testing.T) {
	persistent := storage.NewMemoryStore()
	require.NoError(t, persistent.Set(storage.KeySessionToken, []byte("token")))
	cache := &fakeSettingsCache{err: errors.New("cache locked")}

	term := NewSessionTerminator(TerminatorConfig{
		Persistent:    persistent,
		SettingsCache: cache,
	})

	err := term.SignOut(context.Background(), testUser)
	require.Error(t, err)
	require.Contains(t, err.Error(), "clear settings cache")
	require.Equal(t, 1, cache.calls)
	_, ok, _ := persistent.Get(storage.KeySessionToken)
	require.False(t, ok, "a cache failure must not stop the rest of the sign-out")
}
