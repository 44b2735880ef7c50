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

var (
	// ErrBiometricDisabled is wrapped when biometric unlock is off in settings.
	ErrBiometricDisabled = errors.New("biometric unlock is disabled")

	// ErrNoPasskeys is wrapped when no passkey is enrolled.
	ErrNoPasskeys = errors.New("no passkey enrolled")
)

// IdleState is the state of the idle session lock.
type IdleState int

const (
	// IdleStopped means the controller is not running.
	IdleStopped IdleState = iota
	// IdleActive means the session is in use.
	IdleActive
	// IdleWarning means the session locks soon unless there is activity.
	IdleWarning
	// IdleLocked means the session is locked and needs a password or passkey.
	IdleLocked
	// IdleUnlocking means a password check is running.
	IdleUnlocking
	// IdleLockedOut means unlock is refused until the lockout window closes.
	IdleLockedOut
	// IdleWiped means local data was wiped and the session terminated.
	IdleWiped
)

// String returns a string representation of the IdleState.
func (s IdleState) String() string {
	switch s {
	case IdleStopped:
		return "STOPPED"
	case IdleActive:
		return "ACTIVE"
	case IdleWarning:
		return "WARNING"
	case IdleLocked:
		return "LOCKED"
	case IdleUnlocking:
		return "UNLOCKING"
	case IdleLockedOut:
		return "LOCKED_OUT"
	case IdleWiped:
		return "WIPED"
	default:
		return "UNKNOWN"
	}
}

// IsLocked reports whether the state blocks the session.
func (s IdleState) IsLocked() bool {
	return s == IdleLocked || s == IdleUnlocking || s == IdleLockedOut || s == IdleWiped
}

// IdleAlert is delivered before the session locks.
type IdleAlert struct {
	Remaining time.Duration
	// Sound is set when the user wants an audible alert.
	Sound bool
}

// IdlePreferences is a partial update of the idle lock tuning.
type IdlePreferences struct {
	TimeoutMinutes    *int
	MaxUnlockAttempts *int
	SoundAlerts       *bool
}

// IdleSecuritySettings is the settings access IdleSession needs.
type IdleSecuritySettings interface {
	IdleSecurity(ctx context.Context, userID string) (settings.IdleSecurity, error)
	UpdateIdleSecurity(ctx context.Context, userID string, patch settings.IdleSecurityPatch) (settings.IdleSecurity, error)
}

// =============================================================================
// IDLE SESSION
// =============================================================================

// IdleSession locks the whole session after a period of inactivity.
//
// It has its own password and attempt throttle, separate from DocumentLock.
// When wipe-on-max-attempts is armed, exhausting the unlock attempts wipes
// local data and terminates the session.
type IdleSession struct {
	repo        IdleSecuritySettings
	hasher      PasswordHasher
	throttle    *AttemptThrottle
	biometric   *BiometricBridge
	terminator  *SessionTerminator
	guard       *unlockGuard
	clock       clock.Clock
	audit       AuditSink
	logger      *slog.Logger
	warningLead time.Duration
	idleLockout time.Duration

	mu           sync.Mutex
	userID       string
	started      bool
	state        IdleState
	settings     settings.IdleSecurity
	gen          uint64
	warningTimer clock.Timer
	expireTimer  clock.Timer
	lastActivity time.Time

	stateListeners   listeners[IdleState]
	idleListeners    listeners[struct{}]
	warningListeners listeners[IdleAlert]
}

// NewIdleSession creates an idle session controller. session holds the
// attempt state. biometric and terminator may be nil, disabling passkey
// unlock and wipe respectively.
func NewIdleSession(repo IdleSecuritySettings, hasher PasswordHasher, session storage.Store, biometric *BiometricBridge, terminator *SessionTerminator, opts ...Option) (*IdleSession, error) {
	o := newOptions(opts)

	throttle, err := NewAttemptThrottle(ThrottleConfig{
		Store:           session,
		Key:             storage.KeyIdleAttempts,
		LockoutDuration: o.idleLockout,
		Clock:           o.clock,
		IntegrityKey:    o.integrityKey,
		Audit:           o.audit,
		Logger:          o.logger,
	})
	if err != nil {
		return nil, err
	}

	return &IdleSession{
		repo:        repo,
		hasher:      hasher,
		throttle:    throttle,
		biometric:   biometric,
		terminator:  terminator,
		guard:       newUnlockGuard(o.debounce, o.clock),
		clock:       o.clock,
		audit:       o.audit,
		logger:      o.logger.With("component", "idle"),
		warningLead: o.warningLead,
		idleLockout: o.idleLockout,
	}, nil
}

// Throttle returns the attempt throttle of the idle domain.
func (s *IdleSession) Throttle() *AttemptThrottle {
	return s.throttle
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start loads the settings of userID and arms the inactivity timer.
func (s *IdleSession) Start(ctx context.Context, userID string) error {
	current, err := s.repo.IdleSecurity(ctx, userID)
	if err != nil {
		return fmt.Errorf("load idle security settings: %w", err)
	}

	s.mu.Lock()
	s.userID = userID
	s.started = true
	s.adoptLocked(current)
	changed := s.setStateLocked(IdleActive)
	s.lastActivity = s.clock.Now()
	s.armLocked()
	s.mu.Unlock()

	if changed {
		s.stateListeners.emit(IdleActive)
	}
	s.logger.Debug("idle session started", "enabled", current.IdleTimeoutEnabled, "timeout", current.IdleTimeout())
	return nil
}

// Activity records user interaction and resets the inactivity timer. It has
// no effect while the session is locked.
func (s *IdleSession) Activity() {
	s.mu.Lock()
	if !s.started || (s.state != IdleActive && s.state != IdleWarning) {
		s.mu.Unlock()
		return
	}
	s.lastActivity = s.clock.Now()
	changed := s.setStateLocked(IdleActive)
	s.armLocked()
	s.mu.Unlock()

	if changed {
		s.stateListeners.emit(IdleActive)
	}
}

// Stop cancels the timers. It is used on sign-out.
func (s *IdleSession) Stop() {
	s.mu.Lock()
	s.stopTimersLocked()
	s.started = false
	changed := s.setStateLocked(IdleStopped)
	s.mu.Unlock()

	if changed {
		s.stateListeners.emit(IdleStopped)
	}
}

// State returns the current state. A lockout whose window has closed reads
// as IdleLocked.
func (s *IdleSession) State() IdleState {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == IdleLockedOut && !s.throttle.IsLockedOut() {
		s.mu.Lock()
		changed := s.state == IdleLockedOut && s.setStateLocked(IdleLocked)
		state = s.state
		s.mu.Unlock()
		if changed {
			s.stateListeners.emit(IdleLocked)
		}
	}
	return state
}

// RemainingLockoutSeconds returns the seconds left in the lockout window.
func (s *IdleSession) RemainingLockoutSeconds() int {
	return s.throttle.CheckLockout()
}

// Lock locks the session immediately.
func (s *IdleSession) Lock(ctx context.Context) {
	s.mu.Lock()
	if !s.started || s.state.IsLocked() {
		s.mu.Unlock()
		return
	}
	s.lockLocked()
	userID := s.userID
	s.mu.Unlock()

	s.afterLock(ctx, userID, "manual")
}

// OnStateChanged registers listener for state transitions.
func (s *IdleSession) OnStateChanged(listener func(IdleState)) (cancel func()) {
	return s.stateListeners.add(listener)
}

// OnIdle registers listener for idle expiry.
func (s *IdleSession) OnIdle(listener func()) (cancel func()) {
	return s.idleListeners.add(func(struct{}) { listener() })
}

// OnWarning registers listener for the pre-lock warning.
func (s *IdleSession) OnWarning(listener func(IdleAlert)) (cancel func()) {
	return s.warningListeners.add(listener)
}

// =============================================================================
// TIMERS
// =============================================================================

// armLocked (re)starts the warning and expiry timers (caller must hold lock).
func (s *IdleSession) armLocked() {
	s.stopTimersLocked()
	if !s.started || !s.settings.IdleTimeoutEnabled || !s.settings.HasPassword() {
		return
	}

	timeout := s.settings.IdleTimeout()
	lead := min(s.warningLead, timeout/2)
	gen := s.gen

	if lead > 0 {
		s.warningTimer = s.clock.AfterFunc(timeout-lead, func() { s.warn(gen, lead) })
	}
	s.expireTimer = s.clock.AfterFunc(timeout, func() { s.expire(gen) })
}

func (s *IdleSession) stopTimersLocked() {
	s.gen++
	if s.warningTimer != nil {
		s.warningTimer.Stop()
		s.warningTimer = nil
	}
	if s.expireTimer != nil {
		s.expireTimer.Stop()
		s.expireTimer = nil
	}
}

func (s *IdleSession) warn(gen uint64, lead time.Duration) {
	s.mu.Lock()
	if gen != s.gen || s.state != IdleActive {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(IdleWarning)
	warning := IdleAlert{Remaining: lead, Sound: s.settings.IdleSoundAlertsEnabled}
	userID := s.userID
	s.mu.Unlock()

	s.record(context.Background(), EventIdleWarning, userID, true, map[string]string{
		"expires_in": lead.String(),
	})
	s.stateListeners.emit(IdleWarning)
	s.warningListeners.emit(warning)
}

func (s *IdleSession) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || (s.state != IdleActive && s.state != IdleWarning) {
		s.mu.Unlock()
		return
	}
	s.lockLocked()
	userID := s.userID
	s.mu.Unlock()

	s.afterLock(context.Background(), userID, "idle")
}

func (s *IdleSession) lockLocked() {
	s.stopTimersLocked()
	s.setStateLocked(IdleLocked)
}

func (s *IdleSession) afterLock(ctx context.Context, userID, reason string) {
	s.record(ctx, EventIdleLocked, userID, true, map[string]string{"reason": reason})
	s.stateListeners.emit(IdleLocked)
	s.idleListeners.emit(struct{}{})
}

// =============================================================================
// UNLOCK
// =============================================================================

// AttemptUnlock checks password against the idle lock password.
//
// Failures follow DocumentLock.AttemptUnlock. When the failure exhausts the
// attempts and wipe is armed, local data is wiped, the session is terminated
// and ErrSessionWiped is returned.
func (s *IdleSession) AttemptUnlock(ctx context.Context, userID, password string) error {
	if !s.guard.acquire() {
		return ErrUnlockInFlight
	}
	defer s.guard.release()

	if s.currentState() == IdleWiped {
		return ErrSessionWiped
	}

	if remaining := s.throttle.CheckLockout(); remaining > 0 {
		s.transition(IdleLockedOut)
		s.record(ctx, EventIdleBlocked, userID, false, map[string]string{
			"remaining_seconds": strconv.Itoa(remaining),
		})
		return &LockedOutError{RemainingSeconds: remaining}
	}

	current, err := s.loadSettings(ctx, userID)
	if err != nil {
		return fmt.Errorf("load idle security settings: %w", err)
	}
	if !current.HasPassword() {
		return ErrNoPasswordSet
	}

	prior := s.transition(IdleUnlocking)

	err = verifyAndRecord(ctx, s.hasher, s.throttle, password, current.IdleLockPasswordHash)
	var lockedOut *LockedOutError
	switch {
	case err == nil:
		s.unlock()
		s.record(ctx, EventIdleUnlock, userID, true, map[string]string{"method": "password"})
		return nil

	case errors.As(err, &lockedOut):
		s.record(ctx, EventIdleLockout, userID, false, map[string]string{
			"max_attempts":      strconv.Itoa(current.MaxUnlockAttempts),
			"remaining_seconds": strconv.Itoa(lockedOut.RemainingSeconds),
		})
		if current.WipeDataOnMaxAttempts {
			return s.wipe(ctx, userID)
		}
		s.transition(IdleLockedOut)
		return err

	case errors.Is(err, ErrIncorrectPassword):
		s.record(ctx, EventIdleUnlock, userID, false, map[string]string{"method": "password"})
		s.restore(prior)
		return err

	default:
		s.restore(prior)
		return err
	}
}

// AuthenticateWithBiometric unlocks with a passkey. It requires biometric
// unlock to be enabled and at least one enrolled passkey. Failures are
// *BiometricError and never touch the password attempt counter.
func (s *IdleSession) AuthenticateWithBiometric(ctx context.Context, userID string) error {
	if !s.guard.acquire() {
		return ErrUnlockInFlight
	}
	defer s.guard.release()

	if s.currentState() == IdleWiped {
		return ErrSessionWiped
	}
	if !s.biometric.IsSupported() {
		return unsupported()
	}

	current, err := s.loadSettings(ctx, userID)
	if err != nil {
		return fmt.Errorf("load idle security settings: %w", err)
	}
	if !current.BiometricUnlockEnabled {
		return &BiometricError{Kind: BiometricUnsupported, Err: ErrBiometricDisabled}
	}

	passkeys, err := s.biometric.List(ctx, userID)
	if err != nil {
		return err
	}
	if len(passkeys) == 0 {
		return &BiometricError{Kind: BiometricUnsupported, Err: ErrNoPasskeys}
	}

	if err := s.biometric.Authenticate(ctx, userID); err != nil {
		return err
	}

	s.unlock()
	s.record(ctx, EventIdleUnlock, userID, true, map[string]string{"method": "passkey"})
	return nil
}

func (s *IdleSession) unlock() {
	s.mu.Lock()
	s.lastActivity = s.clock.Now()
	changed := s.setStateLocked(IdleActive)
	s.armLocked()
	s.mu.Unlock()

	if changed {
		s.stateListeners.emit(IdleActive)
	}
}

// restore returns to the state held before a password check.
func (s *IdleSession) restore(prior IdleState) {
	if prior == IdleUnlocking || prior == IdleLockedOut {
		prior = IdleLocked
	}
	s.transition(prior)
}

func (s *IdleSession) wipe(ctx context.Context, userID string) error {
	s.mu.Lock()
	s.stopTimersLocked()
	s.started = false
	s.setStateLocked(IdleWiped)
	s.mu.Unlock()

	var wipeErr error
	if s.terminator != nil {
		wipeErr = s.terminator.Wipe(ctx, userID)
	} else {
		wipeErr = s.throttle.RecordSuccess()
	}

	event := AuditEvent{
		Timestamp: s.clock.Now(),
		EventType: EventIdleWiped,
		UserID:    userID,
		Success:   wipeErr == nil,
	}
	if wipeErr != nil {
		event.Error = wipeErr.Error()
	}
	emitAudit(ctx, s.audit, s.logger, event)

	s.stateListeners.emit(IdleWiped)
	if wipeErr != nil {
		return errors.Join(ErrSessionWiped, wipeErr)
	}
	return ErrSessionWiped
}

// =============================================================================
// SETTINGS CHANGES
// =============================================================================

// Enable turns the idle lock on. A password must already be set.
func (s *IdleSession) Enable(ctx context.Context, userID string) error {
	current, err := s.repo.IdleSecurity(ctx, userID)
	if err != nil {
		return persistError("load idle security settings", err)
	}
	if !current.HasPassword() {
		return ErrNoPasswordSet
	}
	if err := s.update(ctx, userID, "enable idle lock", settings.IdleSecurityPatch{
		IdleTimeoutEnabled: settings.Ptr(true),
	}); err != nil {
		return err
	}
	s.record(ctx, EventIdleEnabled, userID, true, nil)
	return nil
}

// Disable turns the idle lock off and unlocks the session. Calling it again
// is a no-op.
func (s *IdleSession) Disable(ctx context.Context, userID string) error {
	if err := s.update(ctx, userID, "disable idle lock", settings.IdleSecurityPatch{
		IdleTimeoutEnabled: settings.Ptr(false),
	}); err != nil {
		return err
	}

	s.mu.Lock()
	changed := false
	if s.started && s.state != IdleWiped {
		changed = s.setStateLocked(IdleActive)
	}
	s.mu.Unlock()
	if changed {
		s.stateListeners.emit(IdleActive)
	}

	s.record(ctx, EventIdleDisabled, userID, true, nil)
	return nil
}

// SetPassword hashes and stores a new idle lock password and enables the lock.
func (s *IdleSession) SetPassword(ctx context.Context, userID, password string) error {
	digest, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return err
	}
	if err := s.update(ctx, userID, "set idle lock password", settings.IdleSecurityPatch{
		IdleLockPasswordHash: &digest,
		IdleTimeoutEnabled:   settings.Ptr(true),
	}); err != nil {
		return err
	}
	s.record(ctx, EventIdlePasswordSet, userID, true, nil)
	return nil
}

// ChangePassword replaces the idle lock password after verifying oldPassword.
func (s *IdleSession) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if !s.guard.acquire() {
		return ErrUnlockInFlight
	}
	defer s.guard.release()

	if remaining := s.throttle.CheckLockout(); remaining > 0 {
		return &LockedOutError{RemainingSeconds: remaining}
	}

	current, err := s.loadSettings(ctx, userID)
	if err != nil {
		return persistError("load idle security settings", err)
	}
	if !current.HasPassword() {
		return ErrNoPasswordSet
	}

	ok, err := s.hasher.Verify(ctx, oldPassword, current.IdleLockPasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		s.record(ctx, EventIdlePasswordChanged, userID, false, nil)
		return incorrectPassword(s.throttle)
	}

	digest, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return err
	}
	if err := s.update(ctx, userID, "change idle lock password", settings.IdleSecurityPatch{
		IdleLockPasswordHash: &digest,
	}); err != nil {
		return err
	}

	if err := s.throttle.RecordSuccess(); err != nil {
		s.logger.Warn("failed to clear attempt state", "error", err)
	}
	s.record(ctx, EventIdlePasswordChanged, userID, true, nil)
	return nil
}

// SetWipeOnMaxAttempts arms or disarms wiping local data once the unlock
// attempts are exhausted. Arming requires confirmed.
func (s *IdleSession) SetWipeOnMaxAttempts(ctx context.Context, userID string, enabled, confirmed bool) error {
	if enabled && !confirmed {
		return ErrWipeNotConfirmed
	}
	if err := s.update(ctx, userID, "set wipe on max attempts", settings.IdleSecurityPatch{
		WipeDataOnMaxAttempts: &enabled,
	}); err != nil {
		return err
	}
	s.record(ctx, EventIdleWipeArmed, userID, true, map[string]string{"enabled": strconv.FormatBool(enabled)})
	return nil
}

// RemovePasskey revokes passkey id. Removing the last passkey turns passkey
// unlock off.
func (s *IdleSession) RemovePasskey(ctx context.Context, userID, id string) error {
	if err := s.biometric.Remove(ctx, userID, id); err != nil {
		return err
	}
	remaining, err := s.biometric.List(ctx, userID)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}
	current, err := s.loadSettings(ctx, userID)
	if err != nil {
		return fmt.Errorf("load idle security settings: %w", err)
	}
	if !current.BiometricUnlockEnabled {
		return nil
	}
	return s.SetBiometricUnlock(ctx, userID, false)
}

// SetBiometricUnlock turns passkey unlock on or off. Turning it on requires a
// supported platform and at least one enrolled passkey.
func (s *IdleSession) SetBiometricUnlock(ctx context.Context, userID string, enabled bool) error {
	if enabled {
		if !s.biometric.IsSupported() {
			return unsupported()
		}
		passkeys, err := s.biometric.List(ctx, userID)
		if err != nil {
			return err
		}
		if len(passkeys) == 0 {
			return &BiometricError{Kind: BiometricUnsupported, Err: ErrNoPasskeys}
		}
	}
	if err := s.update(ctx, userID, "set biometric unlock", settings.IdleSecurityPatch{
		BiometricUnlockEnabled: &enabled,
	}); err != nil {
		return err
	}
	s.record(ctx, EventBiometricToggle, userID, true, map[string]string{"enabled": strconv.FormatBool(enabled)})
	return nil
}

// UpdatePreferences changes the timeout, attempt limit or sound alerts.
// Values outside the allowed choices return settings.ErrInvalidSettings.
func (s *IdleSession) UpdatePreferences(ctx context.Context, userID string, prefs IdlePreferences) error {
	patch := settings.IdleSecurityPatch{
		IdleTimeoutMinutes:     prefs.TimeoutMinutes,
		MaxUnlockAttempts:      prefs.MaxUnlockAttempts,
		IdleSoundAlertsEnabled: prefs.SoundAlerts,
	}
	if err := patch.Validate(); err != nil {
		return err
	}
	if err := s.update(ctx, userID, "update idle preferences", patch); err != nil {
		return err
	}
	s.record(ctx, EventIdlePreferences, userID, true, nil)
	return nil
}

// update persists patch and adopts the result. Nothing changes in memory
// when the store fails.
func (s *IdleSession) update(ctx context.Context, userID, op string, patch settings.IdleSecurityPatch) error {
	updated, err := s.repo.UpdateIdleSecurity(ctx, userID, patch)
	if err != nil {
		return persistError(op, err)
	}

	s.mu.Lock()
	if s.started && s.userID == userID {
		s.adoptLocked(updated)
		if s.state == IdleActive || s.state == IdleWarning {
			s.setStateLocked(IdleActive)
			s.armLocked()
		}
		if !updated.IdleTimeoutEnabled {
			s.stopTimersLocked()
		}
	} else {
		s.throttle.SetLimits(updated.MaxUnlockAttempts, s.idleLockout)
	}
	s.mu.Unlock()
	return nil
}

func (s *IdleSession) loadSettings(ctx context.Context, userID string) (settings.IdleSecurity, error) {
	current, err := s.repo.IdleSecurity(ctx, userID)
	if err != nil {
		return settings.IdleSecurity{}, err
	}
	s.mu.Lock()
	if s.started && s.userID == userID {
		s.adoptLocked(current)
	} else {
		s.throttle.SetLimits(current.MaxUnlockAttempts, s.idleLockout)
	}
	s.mu.Unlock()
	return current, nil
}

func (s *IdleSession) adoptLocked(current settings.IdleSecurity) {
	s.settings = current
	s.throttle.SetLimits(current.MaxUnlockAttempts, s.idleLockout)
}

// =============================================================================
// STATE HELPERS
// =============================================================================

func (s *IdleSession) currentState() IdleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setStateLocked reports whether the state changed (caller must hold lock).
func (s *IdleSession) setStateLocked(to IdleState) bool {
	if s.state == to {
		return false
	}
	s.state = to
	return true
}

// transition moves to state to and notifies listeners, returning the prior
// state.
func (s *IdleSession) transition(to IdleState) IdleState {
	s.mu.Lock()
	prior := s.state
	changed := s.setStateLocked(to)
	s.mu.Unlock()

	if changed {
		s.stateListeners.emit(to)
	}
	return prior
}

func (s *IdleSession) record(ctx context.Context, eventType, userID string, success bool, metadata map[string]string) {
	emitAudit(ctx, s.audit, s.logger, AuditEvent{
		Timestamp: s.clock.Now(),
		EventType: eventType,
		UserID:    userID,
		Success:   success,
		Metadata:  metadata,
	})
}

// =============================================================================
// LISTENERS
// =============================================================================

type listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
