// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the local key/value stores used by the lock core.
//
// Two scopes exist:
//
//   - FileStore: persistent across restarts. Holds the "documents locked"
//     flag, the settings cache and the session token. Writes are atomic.
//   - MemoryStore: session scoped. Holds the failed-attempt blobs and is
//     emptied when the session ends, so lockouts are per device and per
//     session, never account wide.
//
// # Cross-process sync
//
// Several processes may share one data directory. Watcher turns fsnotify
// events on the FileStore directory into key changes, and LockFlag republishes
// changes of the locked flag on a Broadcaster so every view converges on the
// same state without polling:
//
//	flag := storage.NewLockFlag(files, storage.KeyDocumentsLocked, storage.NewBroadcaster())
//	cancel := flag.Subscribe(func(ev storage.LockEvent) { ... })
//	go storage.SyncLockFlag(ctx, watcher, flag)
package storage
