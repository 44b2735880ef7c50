// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"

	"github.com/jeranaias/locksmith/internal/settings"
)

// verifyAndRecord checks candidate against digest and records the outcome on
// throttle. It returns nil on a match, *LockedOutError when the failure
// opened the lockout window and *IncorrectPasswordError otherwise.
func verifyAndRecord(ctx context.Context, hasher PasswordHasher, throttle *AttemptThrottle, candidate, digest string) error {
	ok, err := hasher.Verify(ctx, candidate, digest)
	if err != nil {
		return err
	}
	if ok {
		if err := throttle.RecordSuccess(); err != nil {
			return err
		}
		return nil
	}

	state, err := throttle.RecordFailure()
	if err != nil {
		return err
	}
	if remaining := remainingSeconds(state, throttle.clock.Now()); remaining > 0 {
		return &LockedOutError{RemainingSeconds: remaining}
	}
	return &IncorrectPasswordError{
		AttemptsRemaining: max(0, throttle.MaxAttempts()-state.FailedAttempts),
	}
}

// incorrectPassword reports a mismatch without recording it.
func incorrectPassword(throttle *AttemptThrottle) error {
	state, err := throttle.State()
	if err != nil {
		return err
	}
	return &IncorrectPasswordError{
		AttemptsRemaining: max(0, throttle.MaxAttempts()-state.FailedAttempts),
	}
}

// persistError wraps a settings failure. Validation errors pass through.
func persistError(op string, err error) error {
	if errors.Is(err, settings.ErrInvalidSettings) || errors.Is(err, context.Canceled) {
		return err
	}
	var pe *PersistError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistError{Op: op, Err: err}
}
