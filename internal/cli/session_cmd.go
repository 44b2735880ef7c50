// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"sync"

	"github.com/jeranaias/locksmith/internal/storage"
)

// runSignOut clears every piece of local lock state and ends the session.
func (r *Runner) runSignOut(ctx context.Context, app *App) (any, error) {
	if err := app.Terminator.SignOut(ctx, app.UserID); err != nil {
		return nil, err
	}
	r.ok("Signed out; local lock state cleared")
	return ActionResult{Action: "signout"}, nil
}

// runWatch prints the documents lock state whenever any process changes it.
func (r *Runner) runWatch(ctx context.Context, app *App) (any, error) {
	w, err := storage.NewWatcher(app.Persistent, storage.DefaultWatchDebounce)
	if err != nil {
		return nil, err
	}
	defer w.Close()

	var (
		mu      sync.Mutex
		last    = app.LockFlag.Locked()
		changes int
	)
	r.say("documents: %s", RenderState(lockLabel(last)))

	cancel := app.DocLock.OnLockStateChanged(func(locked bool) {
		mu.Lock()
		defer mu.Unlock()
		if locked == last {
			return
		}
		last = locked
		changes++
		r.say("documents: %s", RenderState(lockLabel(locked)))
	})
	defer cancel()

	err = storage.SyncLockFlag(ctx, w, app.LockFlag)
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	return map[string]any{"locked": last, "changes": changes}, nil
}

func lockLabel(locked bool) string {
	if locked {
		return "LOCKED"
	}
	return "UNLOCKED"
}
