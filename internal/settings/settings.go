// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package settings holds the per-user lock configuration and passkey records.
//
// Rows coming from the identity store are nullable; the Repository applies the
// defaults defined here exactly once, so controller code only ever sees fully
// populated DocumentLock and IdleSecurity values.
package settings

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidSettings is returned when a patch holds a value outside the
	// allowed range.
	ErrInvalidSettings = errors.New("invalid settings")
)

// Trigger decides when the documents view locks again.
type Trigger string

const (
	TriggerAlways    Trigger = "always"
	TriggerAfterIdle Trigger = "after_idle"
	TriggerManual    Trigger = "manual"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerAlways, TriggerAfterIdle, TriggerManual:
		return true
	}
	return false
}

// Allowed idle-lock values.
var (
	IdleTimeoutChoices       = []int{1, 2, 5, 10, 15}
	MaxUnlockAttemptsChoices = []int{1, 3, 5, 10}
)

// Defaults.
const (
	DefaultLockTrigger            = TriggerAlways
	DefaultIdleTimeoutMinutes     = 5
	DefaultMaxAttempts            = 5
	DefaultLockoutDurationMinutes = 15
	DefaultMaxUnlockAttempts      = 5
)

// =============================================================================
// DOCUMENT LOCK
// =============================================================================

// DocumentLock is the documents-view lock configuration of one user.
type DocumentLock struct {
	UserID                 string  `json:"user_id"`
	LockEnabled            bool    `json:"lock_enabled"`
	LockPasswordHash       string  `json:"lock_password_hash,omitempty"`
	LockTrigger            Trigger `json:"lock_trigger"`
	IdleTimeoutMinutes     int     `json:"idle_timeout_minutes"`
	MaxAttempts            int     `json:"max_attempts"`
	LockoutDurationMinutes int     `json:"lockout_duration_minutes"`
}

// HasPassword reports whether a secondary password has been set.
func (d DocumentLock) HasPassword() bool {
	return d.LockPasswordHash != ""
}

// LockoutDuration returns the lockout window as a duration.
func (d DocumentLock) LockoutDuration() time.Duration {
	return time.Duration(d.LockoutDurationMinutes) * time.Minute
}

// IdleTimeout returns the AfterIdle re-lock delay.
func (d DocumentLock) IdleTimeout() time.Duration {
	return time.Duration(d.IdleTimeoutMinutes) * time.Minute
}

// DefaultDocumentLock returns the settings of a user who never saved any.
func DefaultDocumentLock(userID string) DocumentLock {
	return DocumentLock{
		UserID:                 userID,
		LockTrigger:            DefaultLockTrigger,
		IdleTimeoutMinutes:     DefaultIdleTimeoutMinutes,
		MaxAttempts:            DefaultMaxAttempts,
		LockoutDurationMinutes: DefaultLockoutDurationMinutes,
	}
}

// DocumentLockPatch is a partial update. Nil fields are left untouched. The
// same shape is used for the nullable row read back from the store.
type DocumentLockPatch struct {
	LockEnabled            *bool
	LockPasswordHash       *string
	LockTrigger            *Trigger
	IdleTimeoutMinutes     *int
	MaxAttempts            *int
	LockoutDurationMinutes *int
}

// Apply returns d with every non-nil patch field applied.
func (p DocumentLockPatch) Apply(d DocumentLock) DocumentLock {
	if p.LockEnabled != nil {
		d.LockEnabled = *p.LockEnabled
	}
	if p.LockPasswordHash != nil {
		d.LockPasswordHash = *p.LockPasswordHash
	}
	if p.LockTrigger != nil {
		d.LockTrigger = *p.LockTrigger
	}
	if p.IdleTimeoutMinutes != nil {
		d.IdleTimeoutMinutes = *p.IdleTimeoutMinutes
	}
	if p.MaxAttempts != nil {
		d.MaxAttempts = *p.MaxAttempts
	}
	if p.LockoutDurationMinutes != nil {
		d.LockoutDurationMinutes = *p.LockoutDurationMinutes
	}
	return d
}

// Validate checks the fields present in p.
func (p DocumentLockPatch) Validate() error {
	if p.LockTrigger != nil && !p.LockTrigger.Valid() {
		return fmt.Errorf("%w: unknown lock trigger %q", ErrInvalidSettings, *p.LockTrigger)
	}
	if p.IdleTimeoutMinutes != nil && *p.IdleTimeoutMinutes < 1 {
		return fmt.Errorf("%w: idle timeout must be at least 1 minute", ErrInvalidSettings)
	}
	if p.MaxAttempts != nil && *p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidSettings)
	}
	if p.LockoutDurationMinutes != nil && *p.LockoutDurationMinutes < 1 {
		return fmt.Errorf("%w: lockout duration must be at least 1 minute", ErrInvalidSettings)
	}
	return nil
}

// normalizeDocumentLock repairs values a loosely validated backend may hold.
func normalizeDocumentLock(d DocumentLock) DocumentLock {
	if !d.LockTrigger.Valid() {
		d.LockTrigger = DefaultLockTrigger
	}
	if d.IdleTimeoutMinutes < 1 {
		d.IdleTimeoutMinutes = DefaultIdleTimeoutMinutes
	}
	if d.MaxAttempts < 1 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	if d.LockoutDurationMinutes < 1 {
		d.LockoutDurationMinutes = DefaultLockoutDurationMinutes
	}
	return d
}

// =============================================================================
// IDLE SECURITY
// =============================================================================

// IdleSecurity is the session-wide idle lock configuration of one user.
type IdleSecurity struct {
	UserID                 string `json:"user_id"`
	IdleTimeoutEnabled     bool   `json:"idle_timeout_enabled"`
	IdleTimeoutMinutes     int    `json:"idle_timeout_minutes"`
	IdleLockPasswordHash   string `json:"idle_lock_password_hash,omitempty"`
	MaxUnlockAttempts      int    `json:"max_unlock_attempts"`
	WipeDataOnMaxAttempts  bool   `json:"wipe_data_on_max_attempts"`
	BiometricUnlockEnabled bool   `json:"biometric_unlock_enabled"`
	IdleSoundAlertsEnabled bool   `json:"idle_sound_alerts_enabled"`
}

// HasPassword reports whether an idle-lock password has been set.
func (s IdleSecurity) HasPassword() bool {
	return s.IdleLockPasswordHash != ""
}

// IdleTimeout returns the inactivity window.
func (s IdleSecurity) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

// DefaultIdleSecurity returns the settings of a user who never saved any.
func DefaultIdleSecurity(userID string) IdleSecurity {
	return IdleSecurity{
		UserID:                 userID,
		IdleTimeoutMinutes:     DefaultIdleTimeoutMinutes,
		MaxUnlockAttempts:      DefaultMaxUnlockAttempts,
		IdleSoundAlertsEnabled: true,
	}
}

// IdleSecurityPatch is a partial update of IdleSecurity.
type IdleSecurityPatch struct {
	IdleTimeoutEnabled     *bool
	IdleTimeoutMinutes     *int
	IdleLockPasswordHash   *string
	MaxUnlockAttempts      *int
	WipeDataOnMaxAttempts  *bool
	BiometricUnlockEnabled *bool
	IdleSoundAlertsEnabled *bool
}

// Apply returns s with every non-nil patch field applied.
func (p IdleSecurityPatch) Apply(s IdleSecurity) IdleSecurity {
	if p.IdleTimeoutEnabled != nil {
		s.IdleTimeoutEnabled = *p.IdleTimeoutEnabled
	}
	if p.IdleTimeoutMinutes != nil {
		s.IdleTimeoutMinutes = *p.IdleTimeoutMinutes
	}
	if p.IdleLockPasswordHash != nil {
		s.IdleLockPasswordHash = *p.IdleLockPasswordHash
	}
	if p.MaxUnlockAttempts != nil {
		s.MaxUnlockAttempts = *p.MaxUnlockAttempts
	}
	if p.WipeDataOnMaxAttempts != nil {
		s.WipeDataOnMaxAttempts = *p.WipeDataOnMaxAttempts
	}
	if p.BiometricUnlockEnabled != nil {
		s.BiometricUnlockEnabled = *p.BiometricUnlockEnabled
	}
	if p.IdleSoundAlertsEnabled != nil {
		s.IdleSoundAlertsEnabled = *p.IdleSoundAlertsEnabled
	}
	return s
}

// Validate checks the fields present in p against the allowed choices.
func (p IdleSecurityPatch) Validate() error {
	if p.IdleTimeoutMinutes != nil && !slices.Contains(IdleTimeoutChoices, *p.IdleTimeoutMinutes) {
		return fmt.Errorf("%w: idle timeout must be one of %v minutes", ErrInvalidSettings, IdleTimeoutChoices)
	}
	if p.MaxUnlockAttempts != nil && !slices.Contains(MaxUnlockAttemptsChoices, *p.MaxUnlockAttempts) {
		return fmt.Errorf("%w: max unlock attempts must be one of %v", ErrInvalidSettings, MaxUnlockAttemptsChoices)
	}
	return nil
}

func normalizeIdleSecurity(s IdleSecurity) IdleSecurity {
	s.IdleTimeoutMinutes = nearestChoice(IdleTimeoutChoices, s.IdleTimeoutMinutes, DefaultIdleTimeoutMinutes)
	s.MaxUnlockAttempts = nearestChoice(MaxUnlockAttemptsChoices, s.MaxUnlockAttempts, DefaultMaxUnlockAttempts)
	return s
}

// nearestChoice snaps v to the closest allowed value; ties go to the smaller
// (stricter) one.
func nearestChoice(choices []int, v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	best := choices[0]
	for _, c := range choices[1:] {
		if abs(c-v) < abs(best-v) {
			best = c
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// =============================================================================
// PASSKEYS
// =============================================================================

// PasskeyRecord is an enrolled platform credential. It never holds biometric
// data, only the public-key credential managed by the identity store.
type PasskeyRecord struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	CredentialID string     `json:"credential_id"`
	DeviceLabel  string     `json:"device_label"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// PasskeyCredential is a PasskeyRecord plus the serialized WebAuthn credential.
type PasskeyCredential struct {
	PasskeyRecord
	CredentialJSON string
}

// CeremonyKind describes the WebAuthn ceremony a stored session belongs to.
type CeremonyKind string

const (
	CeremonyRegistration CeremonyKind = "registration"
	CeremonyLogin        CeremonyKind = "login"
)

// Ceremony is a pending WebAuthn registration or login session.
type Ceremony struct {
	ID          string
	Kind        CeremonyKind
	UserID      string
	SessionJSON string
	ExpiresAt   time.Time
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditEntry is one row of the identity store's audit log.
type AuditEntry struct {
	UserID    string
	EventType string
	Success   bool
	Metadata  map[string]string
	CreatedAt time.Time
}

// Ptr returns a pointer to v. It keeps patch literals short.
func Ptr[T any](v T) *T {
	return &v
}
