// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINELS
// =============================================================================

var (
	// ErrLockedOut matches any *LockedOutError.
	ErrLockedOut = errors.New("locked out: too many failed attempts")

	// ErrIncorrectPassword matches any *IncorrectPasswordError.
	ErrIncorrectPassword = errors.New("incorrect password")

	// ErrNoPasswordSet is returned when a lock is used before a password exists.
	// The caller should route to password setup.
	ErrNoPasswordSet = errors.New("no lock password has been set")

	// ErrSettingsPersist matches any *PersistError.
	ErrSettingsPersist = errors.New("failed to save security settings")

	// ErrUnlockInFlight is returned when an unlock is submitted while another
	// verification is running or inside the debounce window.
	ErrUnlockInFlight = errors.New("an unlock attempt is already in progress")

	// ErrWipeNotConfirmed is returned when wipe-on-max-attempts is enabled
	// without explicit confirmation.
	ErrWipeNotConfirmed = errors.New("wipe on max attempts requires explicit confirmation")

	// ErrSessionWiped is returned once local data has been wiped and the session
	// terminated.
	ErrSessionWiped = errors.New("local data wiped after too many failed unlock attempts")

	// ErrEmptyPassword is returned when hashing an empty secret.
	ErrEmptyPassword = errors.New("password must not be empty")
)

// =============================================================================
// TYPED ERRORS
// =============================================================================

// LockedOutError reports an active lockout window.
type LockedOutError struct {
	RemainingSeconds int
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("too many failed attempts, try again in %d seconds", e.RemainingSeconds)
}

func (e *LockedOutError) Is(target error) bool {
	return target == ErrLockedOut
}

// IncorrectPasswordError reports a wrong password that did not trigger lockout.
type IncorrectPasswordError struct {
	AttemptsRemaining int
}

func (e *IncorrectPasswordError) Error() string {
	return fmt.Sprintf("incorrect password, %d attempts remaining", e.AttemptsRemaining)
}

func (e *IncorrectPasswordError) Is(target error) bool {
	return target == ErrIncorrectPassword
}

// PersistError wraps a settings store failure. The lock state is never
// advanced when one is returned.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

func (e *PersistError) Is(target error) bool {
	return target == ErrSettingsPersist
}
