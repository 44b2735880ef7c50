// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jeranaias/locksmith/internal/clock"
	"github.com/jeranaias/locksmith/internal/settings"
	"github.com/jeranaias/locksmith/internal/storage"
)

// ErrLockNotEnabled is returned by LockNow when the document lock is off.
var ErrLockNotEnabled = errors.New("document lock is not enabled")

// =============================================================================
// LOCK VIEW
// =============================================================================

// ViewState is the rendered state of the protected view.
type ViewState int

const (
	ViewUnlocked ViewState = iota
	ViewLocked
	ViewUnlocking
	ViewLockedOut
)

// String returns a string representation of the ViewState.
func (s ViewState) String() string {
	switch s {
	case ViewUnlocked:
		return "UNLOCKED"
	case ViewLocked:
		return "LOCKED"
	case ViewUnlocking:
		return "UNLOCKING"
	case ViewLockedOut:
		return "LOCKED_OUT"
	default:
		return "UNKNOWN"
	}
}

// LockView is derived from the locked flag and the attempt throttle.
// RemainingSeconds is set only for ViewLockedOut.
type LockView struct {
	State            ViewState
	RemainingSeconds int
}

// DocumentLockSettings is the settings access DocumentLock needs.
type DocumentLockSettings interface {
	DocumentLock(ctx context.Context, userID string) (settings.DocumentLock, error)
	UpdateDocumentLock(ctx context.Context, userID string, patch settings.DocumentLockPatch) (settings.DocumentLock, error)
}

// =============================================================================
// DOCUMENT LOCK
// =============================================================================

// DocumentLock gates the documents view behind a secondary password.
//
// The locked flag lives in persistent local storage and is broadcast on every
// change, so every view sharing the store converges on the same state.
type DocumentLock struct {
	repo     DocumentLockSettings
	hasher   PasswordHasher
	throttle *AttemptThrottle
	flag     *storage.LockFlag
	guard    *unlockGuard
	clock    clock.Clock
	audit    AuditSink
	logger   *slog.Logger

	mu          sync.Mutex
	unlocking   bool
	known       bool
	enabled     bool
	trigger     settings.Trigger
	idleTimeout time.Duration
	idleTimer   clock.Timer
	idleGen     uint64
}

// NewDocumentLock creates a document lock controller. flag holds the
// persisted locked state; session holds the attempt state.
func NewDocumentLock(repo DocumentLockSettings, hasher PasswordHasher, flag *storage.LockFlag, session storage.Store, opts ...Option) (*DocumentLock, error) {
	o := newOptions(opts)

	throttle, err := NewAttemptThrottle(ThrottleConfig{
		Store:        session,
		Key:          storage.KeyDocumentAttempts,
		Clock:        o.clock,
		IntegrityKey: o.integrityKey,
		Audit:        o.audit,
		Logger:       o.logger,
	})
	if err != nil {
		return nil, err
	}

	return &DocumentLock{
		repo:     repo,
		hasher:   hasher,
		throttle: throttle,
		flag:     flag,
		guard:    newUnlockGuard(o.debounce, o.clock),
		clock:    o.clock,
		audit:    o.audit,
		logger:   o.logger.With("component", "doclock"),
	}, nil
}

// Throttle returns the attempt throttle of the document domain.
func (d *DocumentLock) Throttle() *AttemptThrottle {
	return d.throttle
}

// Settings loads the settings of userID and adopts their limits.
func (d *DocumentLock) Settings(ctx context.Context, userID string) (settings.DocumentLock, error) {
	s, err := d.repo.DocumentLock(ctx, userID)
	if err != nil {
		return settings.DocumentLock{}, err
	}
	d.adopt(s)
	return s, nil
}

func (d *DocumentLock) adopt(s settings.DocumentLock) {
	d.throttle.SetLimits(s.MaxAttempts, s.LockoutDuration())

	d.mu.Lock()
	d.known = true
	d.enabled = s.LockEnabled
	d.trigger = s.LockTrigger
	d.idleTimeout = s.IdleTimeout()
	if !s.LockEnabled || s.LockTrigger != settings.TriggerAfterIdle {
		d.stopIdleTimerLocked()
	}
	d.mu.Unlock()
}

// =============================================================================
// SETTINGS CHANGES
// =============================================================================

// Enable turns the lock on. A password must already be set. With the Always
// trigger the view locks immediately.
func (d *DocumentLock) Enable(ctx context.Context, userID string) error {
	current, err := d.repo.DocumentLock(ctx, userID)
	if err != nil {
		return persistError("load document lock settings", err)
	}
	if !current.HasPassword() {
		return ErrNoPasswordSet
	}

	updated, err := d.repo.UpdateDocumentLock(ctx, userID, settings.DocumentLockPatch{
		LockEnabled: settings.Ptr(true),
	})
	if err != nil {
		return persistError("enable document lock", err)
	}
	d.adopt(updated)

	if updated.LockTrigger == settings.TriggerAlways {
		if err := d.setLocked(ctx, userID, true); err != nil {
			return err
		}
	}
	d.record(ctx, EventDocLockEnabled, userID, true, map[string]string{"trigger": string(updated.LockTrigger)})
	return nil
}

// Disable turns the lock off and unlocks the view without a password check.
// Calling it again is a no-op.
func (d *DocumentLock) Disable(ctx context.Context, userID string) error {
	updated, err := d.repo.UpdateDocumentLock(ctx, userID, settings.DocumentLockPatch{
		LockEnabled: settings.Ptr(false),
	})
	if err != nil {
		return persistError("disable document lock", err)
	}
	d.adopt(updated)

	if err := d.setLocked(ctx, userID, false); err != nil {
		return err
	}
	d.record(ctx, EventDocLockDisabled, userID, true, nil)
	return nil
}

// SetPassword hashes and stores a new password and enables the lock.
func (d *DocumentLock) SetPassword(ctx context.Context, userID, password string) error {
	digest, err := d.hasher.Hash(ctx, password)
	if err != nil {
		return err
	}

	updated, err := d.repo.UpdateDocumentLock(ctx, userID, settings.DocumentLockPatch{
		LockPasswordHash: &digest,
		LockEnabled:      settings.Ptr(true),
	})
	if err != nil {
		return persistError("set document lock password", err)
	}
	d.adopt(updated)

	d.record(ctx, EventDocLockPasswordSet, userID, true, nil)
	return nil
}

// ChangePassword replaces the password after verifying oldPassword. A wrong
// oldPassword changes nothing, the attempt counter included.
func (d *DocumentLock) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if !d.guard.acquire() {
		return ErrUnlockInFlight
	}
	defer d.guard.release()

	if remaining := d.throttle.CheckLockout(); remaining > 0 {
		return &LockedOutError{RemainingSeconds: remaining}
	}

	current, err := d.Settings(ctx, userID)
	if err != nil {
		return persistError("load document lock settings", err)
	}
	if !current.HasPassword() {
		return ErrNoPasswordSet
	}

	ok, err := d.hasher.Verify(ctx, oldPassword, current.LockPasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		d.record(ctx, EventDocLockPasswordChanged, userID, false, nil)
		return incorrectPassword(d.throttle)
	}

	digest, err := d.hasher.Hash(ctx, newPassword)
	if err != nil {
		return err
	}
	updated, err := d.repo.UpdateDocumentLock(ctx, userID, settings.DocumentLockPatch{
		LockPasswordHash: &digest,
	})
	if err != nil {
		return persistError("change document lock password", err)
	}
	d.adopt(updated)

	if err := d.throttle.RecordSuccess(); err != nil {
		d.logger.Warn("failed to clear attempt state", "error", err)
	}
	d.record(ctx, EventDocLockPasswordChanged, userID, true, nil)
	return nil
}

// DocumentLockPreferences is a partial update of the lock policy.
type DocumentLockPreferences struct {
	Trigger                *settings.Trigger
	IdleTimeoutMinutes     *int
	MaxAttempts            *int
	LockoutDurationMinutes *int
}

// UpdatePreferences changes the re-lock trigger, the AfterIdle timeout or the
// attempt limits. The throttle follows the new limits immediately.
func (d *DocumentLock) UpdatePreferences(ctx context.Context, userID string, prefs DocumentLockPreferences) error {
	patch := settings.DocumentLockPatch{
		LockTrigger:            prefs.Trigger,
		IdleTimeoutMinutes:     prefs.IdleTimeoutMinutes,
		MaxAttempts:            prefs.MaxAttempts,
		LockoutDurationMinutes: prefs.LockoutDurationMinutes,
	}
	if err := patch.Validate(); err != nil {
		return err
	}
	updated, err := d.repo.UpdateDocumentLock(ctx, userID, patch)
	if err != nil {
		return persistError("update document lock preferences", err)
	}
	d.adopt(updated)

	d.record(ctx, EventDocLockPreferences, userID, true, map[string]string{
		"trigger":      string(updated.LockTrigger),
		"max_attempts": strconv.Itoa(updated.MaxAttempts),
	})
	return nil
}

// =============================================================================
// UNLOCK
// =============================================================================

// AttemptUnlock checks password and unlocks the view on a match.
//
// An open lockout window returns *LockedOutError without verifying the
// password. A mismatch returns *IncorrectPasswordError, or *LockedOutError
// when it exhausts the attempts.
func (d *DocumentLock) AttemptUnlock(ctx context.Context, userID, password string) error {
	if !d.guard.acquire() {
		return ErrUnlockInFlight
	}
	defer d.guard.release()

	if remaining := d.throttle.CheckLockout(); remaining > 0 {
		d.record(ctx, EventDocLockBlocked, userID, false, map[string]string{
			"remaining_seconds": strconv.Itoa(remaining),
		})
		return &LockedOutError{RemainingSeconds: remaining}
	}

	current, err := d.Settings(ctx, userID)
	if err != nil {
		return fmt.Errorf("load document lock settings: %w", err)
	}
	if !current.HasPassword() {
		return ErrNoPasswordSet
	}

	d.setUnlocking(true)
	defer d.setUnlocking(false)

	err = verifyAndRecord(ctx, d.hasher, d.throttle, password, current.LockPasswordHash)
	var lockedOut *LockedOutError
	switch {
	case err == nil:
		if err := d.setLocked(ctx, userID, false); err != nil {
			return err
		}
		d.Touch()
		d.record(ctx, EventDocLockUnlock, userID, true, nil)
		return nil
	case errors.As(err, &lockedOut):
		d.record(ctx, EventDocLockLockout, userID, false, map[string]string{
			"max_attempts":      strconv.Itoa(current.MaxAttempts),
			"remaining_seconds": strconv.Itoa(lockedOut.RemainingSeconds),
		})
	case errors.Is(err, ErrIncorrectPassword):
		d.record(ctx, EventDocLockUnlock, userID, false, nil)
	}
	return err
}

func (d *DocumentLock) setUnlocking(v bool) {
	d.mu.Lock()
	d.unlocking = v
	d.mu.Unlock()
}

// =============================================================================
// RE-LOCK POLICY
// =============================================================================

// EnterView applies the Always trigger: entering the view locks it.
func (d *DocumentLock) EnterView(ctx context.Context, userID string) error {
	s, err := d.Settings(ctx, userID)
	if err != nil {
		return err
	}
	if s.LockEnabled && s.LockTrigger == settings.TriggerAlways {
		return d.setLocked(ctx, userID, true)
	}
	return nil
}

// LockNow locks the view on explicit request, whatever the trigger.
func (d *DocumentLock) LockNow(ctx context.Context, userID string) error {
	s, err := d.Settings(ctx, userID)
	if err != nil {
		return err
	}
	if !s.LockEnabled {
		return ErrLockNotEnabled
	}
	return d.setLocked(ctx, userID, true)
}

// NotifyIdle applies the AfterIdle trigger when the session went idle.
func (d *DocumentLock) NotifyIdle(ctx context.Context, userID string) error {
	s, err := d.Settings(ctx, userID)
	if err != nil {
		return err
	}
	if s.LockEnabled && s.LockTrigger == settings.TriggerAfterIdle {
		return d.setLocked(ctx, userID, true)
	}
	return nil
}

// Touch records activity in the view. With the AfterIdle trigger the view
// locks after IdleTimeoutMinutes without a Touch.
func (d *DocumentLock) Touch() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopIdleTimerLocked()
	if !d.known || !d.enabled || d.trigger != settings.TriggerAfterIdle || d.idleTimeout <= 0 {
		return
	}

	d.idleGen++
	gen := d.idleGen
	d.idleTimer = d.clock.AfterFunc(d.idleTimeout, func() {
		d.mu.Lock()
		fire := gen == d.idleGen && d.enabled && d.trigger == settings.TriggerAfterIdle
		d.idleTimer = nil
		d.mu.Unlock()
		if !fire {
			return
		}
		if err := d.setLocked(context.Background(), "", true); err != nil {
			d.logger.Error("failed to lock after idle timeout", "error", err)
		}
	})
}

func (d *DocumentLock) stopIdleTimerLocked() {
	d.idleGen++
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
}

// Close stops the idle timer.
func (d *DocumentLock) Close() {
	d.mu.Lock()
	d.stopIdleTimerLocked()
	d.mu.Unlock()
}

// =============================================================================
// STATE
// =============================================================================

// IsLocked reports the persisted locked flag.
func (d *DocumentLock) IsLocked() bool {
	return d.flag.Locked()
}

// View derives the current view state.
func (d *DocumentLock) View() LockView {
	if !d.flag.Locked() {
		return LockView{State: ViewUnlocked}
	}
	if remaining := d.throttle.CheckLockout(); remaining > 0 {
		return LockView{State: ViewLockedOut, RemainingSeconds: remaining}
	}

	d.mu.Lock()
	unlocking := d.unlocking
	d.mu.Unlock()
	if unlocking {
		return LockView{State: ViewUnlocking}
	}
	return LockView{State: ViewLocked}
}

// OnLockStateChanged registers listener for locked flag changes, including
// changes made by other processes sharing the store when a watcher is running.
func (d *DocumentLock) OnLockStateChanged(listener func(locked bool)) (cancel func()) {
	return d.flag.Subscribe(func(ev storage.LockEvent) {
		listener(ev.Locked)
	})
}

// setLocked persists the flag when it changes.
func (d *DocumentLock) setLocked(ctx context.Context, userID string, locked bool) error {
	current, err := d.flag.Load()
	if err == nil && current == locked {
		return nil
	}
	if err := d.flag.Set(locked); err != nil {
		return fmt.Errorf("failed to persist lock state: %w", err)
	}
	if locked {
		d.Close()
		d.record(ctx, EventDocLockLocked, userID, true, nil)
	}
	return nil
}

func (d *DocumentLock) record(ctx context.Context, eventType, userID string, success bool, metadata map[string]string) {
	emitAudit(ctx, d.audit, d.logger, AuditEvent{
		Timestamp: d.clock.Now(),
		EventType: eventType,
		UserID:    userID,
		Success:   success,
		Metadata:  metadata,
	})
}
