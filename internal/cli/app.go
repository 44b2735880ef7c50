// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jeranaias/locksmith/internal/config"
	"github.com/jeranaias/locksmith/internal/passkey"
	"github.com/jeranaias/locksmith/internal/security"
	"github.com/jeranaias/locksmith/internal/settings"
	"github.com/jeranaias/locksmith/internal/storage"
)

// App holds the wired lock controllers for one user.
type App struct {
	UserID string
	Config *config.Config
	Logger *slog.Logger

	DB         *settings.SQLiteStore
	Repo       *settings.Repository
	Persistent *storage.FileStore
	Session    *storage.FileStore
	LockFlag   *storage.LockFlag
	Audit      security.MultiAuditSink
	Passkeys   *passkey.Provider
	Biometric  *security.BiometricBridge
	Terminator *security.SessionTerminator
	DocLock    *security.DocumentLock
	Idle       *security.IdleSession

	auditLog   *security.AuditLogger
	cancelIdle func()
}

// Open wires every component from cfg. The caller must Close the App.
func Open(ctx context.Context, cfg *config.Config, userID string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{UserID: userID, Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	if a.DB, err = settings.OpenSQLite(cfg.DatabasePath); err != nil {
		return nil, err
	}
	if a.Persistent, err = storage.NewFileStore(cfg.StoreDir()); err != nil {
		return nil, err
	}
	if a.Session, err = storage.NewFileStore(cfg.SessionDir); err != nil {
		return nil, err
	}

	key, source, err := security.LoadIntegrityKey(cfg.IntegrityKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load integrity key: %w", err)
	}
	logger.Debug("integrity key loaded", "source", source)

	a.Audit = security.MultiAuditSink{security.NewStoreAuditSink(a.DB)}
	if cfg.Audit.Enabled {
		if a.auditLog, err = security.NewAuditLogger(cfg.Audit.Path); err != nil {
			return nil, err
		}
		a.auditLog.SetMaxSize(int64(cfg.Audit.MaxSizeMB) * 1024 * 1024)
		a.Audit = append(a.Audit, a.auditLog)
	}

	a.LockFlag = storage.NewLockFlag(a.Persistent, storage.KeyDocumentsLocked, storage.NewBroadcaster())
	if _, err := a.LockFlag.Load(); err != nil {
		return nil, fmt.Errorf("load lock state: %w", err)
	}
	a.Repo = settings.NewRepository(a.DB, settings.WithCache(a.Persistent), settings.WithLogger(logger))

	// No platform authenticator is reachable from a terminal, so the
	// provider reports itself unsupported; enrolled passkeys can still be
	// listed and removed.
	if a.Passkeys, err = passkey.NewProvider(cfg.Passkey, a.DB, nil); err != nil {
		return nil, err
	}
	if err := a.Passkeys.Sweep(ctx); err != nil {
		logger.Warn("failed to sweep expired passkey ceremonies", "error", err)
	}

	opts := []security.Option{
		security.WithAuditSink(a.Audit),
		security.WithLogger(logger),
		security.WithIntegrityKey(key),
		security.WithUnlockDebounce(cfg.Security.UnlockDebounce),
		security.WithWarningLead(cfg.Security.WarningLead),
		security.WithIdleLockoutDuration(cfg.Security.IdleLockout),
	}
	a.Biometric = security.NewBiometricBridge(a.Passkeys, opts...)
	a.Terminator = security.NewSessionTerminator(security.TerminatorConfig{
		Persistent:    a.Persistent,
		Session:       a.Session,
		LockFlag:      a.LockFlag,
		SettingsCache: a.Repo,
		CacheDir:      cfg.CacheDir,
		OnSignOut:     a.endSession,
		Audit:         a.Audit,
		Logger:        logger,
	})

	hasher := security.NewBcryptHasher(cfg.Security.HashCost)
	if a.DocLock, err = security.NewDocumentLock(a.Repo, hasher, a.LockFlag, a.Session, opts...); err != nil {
		return nil, err
	}
	if a.Idle, err = security.NewIdleSession(a.Repo, hasher, a.Session, a.Biometric, a.Terminator, opts...); err != nil {
		return nil, err
	}
	a.cancelIdle = a.Idle.OnIdle(func() {
		if err := a.DocLock.NotifyIdle(context.Background(), a.UserID); err != nil {
			logger.Error("failed to re-lock documents after idle", "error", err)
		}
	})

	if err := a.ensureSession(); err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

// ensureSession issues a session token when none exists.
func (a *App) ensureSession() error {
	_, found, err := a.Persistent.Get(storage.KeySessionToken)
	if err != nil || found {
		return err
	}
	return a.Persistent.Set(storage.KeySessionToken, []byte(uuid.NewString()))
}

// SessionID returns the current session token, or "" after sign-out.
func (a *App) SessionID() string {
	token, _, err := a.Persistent.Get(storage.KeySessionToken)
	if err != nil {
		return ""
	}
	return string(token)
}

func (a *App) endSession(context.Context) error {
	a.Idle.Stop()
	a.DocLock.Close()
	a.Logger.Info("session ended")
	return nil
}

// Close releases the database and the audit log.
func (a *App) Close() error {
	var errs []error
	if a.cancelIdle != nil {
		a.cancelIdle()
	}
	if a.Idle != nil {
		a.Idle.Stop()
	}
	if a.DocLock != nil {
		a.DocLock.Close()
	}
	if a.auditLog != nil {
		errs = append(errs, a.auditLog.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
