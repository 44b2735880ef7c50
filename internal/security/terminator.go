// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jeranaias/locksmith/internal/storage"
)

// TerminatorConfig configures a SessionTerminator.
type TerminatorConfig struct {
	// Persistent holds the locked flag, cached settings and the session token.
	Persistent storage.Store
	// Session holds the attempt blobs.
	Session storage.Store
	// LockFlag is the documents locked flag; cleared through it so listeners
	// see the change.
	LockFlag *storage.LockFlag
	// SettingsCache drops cached settings rows. When nil the settings.cache
	// prefix is cleared from Persistent directly.
	SettingsCache SettingsCache
	// CacheDir holds cached documents and images. Optional.
	CacheDir string
	// OnSignOut ends the account session. Optional.
	OnSignOut func(ctx context.Context) error
	Audit     AuditSink
	Logger    *slog.Logger
}

// SettingsCache is the offline settings cache; settings.Repository
// implements it.
type SettingsCache interface {
	ClearCache() error
}

// SessionTerminator clears local security state on sign-out and wipe.
type SessionTerminator struct {
	persistent storage.Store
	session    storage.Store
	flag       *storage.LockFlag
	settings   SettingsCache
	cacheDir   string
	onSignOut  func(ctx context.Context) error
	sanitizer  *DataSanitizer
	audit      AuditSink
	logger     *slog.Logger
}

// NewSessionTerminator creates a terminator from cfg.
func NewSessionTerminator(cfg TerminatorConfig) *SessionTerminator {
	t := &SessionTerminator{
		persistent: cfg.Persistent,
		session:    cfg.Session,
		flag:       cfg.LockFlag,
		settings:   cfg.SettingsCache,
		cacheDir:   cfg.CacheDir,
		onSignOut:  cfg.OnSignOut,
		sanitizer:  NewDataSanitizer(),
		audit:      cfg.Audit,
		logger:     cfg.Logger,
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// SignOut clears the locked flag, both attempt blobs, cached settings, the
// cache directory and the session token, then ends the account session. It
// runs on every sign-out regardless of lock state.
func (t *SessionTerminator) SignOut(ctx context.Context, userID string) error {
	errs := t.clearLocal()
	if err := t.endSession(ctx); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	t.record(ctx, userID, "sign_out", err)
	return err
}

// Wipe removes every locally persisted key in addition to what SignOut
// clears, then ends the account session. It cannot be undone.
func (t *SessionTerminator) Wipe(ctx context.Context, userID string) error {
	errs := t.clearLocal()
	if t.persistent != nil {
		if err := t.persistent.Clear(); err != nil {
			errs = append(errs, fmt.Errorf("clear local store: %w", err))
		}
	}
	if t.session != nil {
		if err := t.session.Clear(); err != nil {
			errs = append(errs, fmt.Errorf("clear session store: %w", err))
		}
	}
	if err := t.endSession(ctx); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	t.record(ctx, userID, "wipe", err)
	return err
}

func (t *SessionTerminator) clearLocal() []error {
	var errs []error

	if t.flag != nil {
		if err := t.flag.Clear(); err != nil {
			errs = append(errs, fmt.Errorf("clear locked flag: %w", err))
		}
	}
	if t.session != nil {
		for _, key := range []string{storage.KeyDocumentAttempts, storage.KeyIdleAttempts} {
			if err := t.session.Delete(key); err != nil {
				errs = append(errs, fmt.Errorf("clear %s: %w", key, err))
			}
		}
	}
	var cacheErr error
	switch {
	case t.settings != nil:
		cacheErr = t.settings.ClearCache()
	case t.persistent != nil:
		cacheErr = storage.DeletePrefix(t.persistent, storage.SettingsCachePrefix)
	}
	if cacheErr != nil {
		errs = append(errs, fmt.Errorf("clear settings cache: %w", cacheErr))
	}
	if t.persistent != nil {
		if err := t.persistent.Delete(storage.KeySessionToken); err != nil {
			errs = append(errs, fmt.Errorf("clear session token: %w", err))
		}
	}
	if t.cacheDir != "" {
		if err := t.sanitizer.SecureDeleteDirectory(t.cacheDir); err != nil {
			errs = append(errs, fmt.Errorf("clear cache directory: %w", err))
		}
	}
	return errs
}

func (t *SessionTerminator) endSession(ctx context.Context) error {
	if t.onSignOut == nil {
		return nil
	}
	if err := t.onSignOut(ctx); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

func (t *SessionTerminator) record(ctx context.Context, userID, action string, err error) {
	event := AuditEvent{
		EventType: EventSignOut,
		UserID:    userID,
		Success:   err == nil,
		Metadata:  map[string]string{"action": action},
	}
	if err != nil {
		event.Error = err.Error()
		t.logger.Error("local state was not fully cleared", "action", action, "error", err)
	}
	emitAudit(ctx, t.audit, t.logger, event)
}
