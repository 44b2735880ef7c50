// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"

	"github.com/jeranaias/locksmith/internal/config"
	"github.com/jeranaias/locksmith/internal/security"
	"github.com/jeranaias/locksmith/internal/settings"
)

// UsageError reports a malformed command line.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string {
	return e.Message
}

func usageErrorf(format string, args ...any) error {
	return &UsageError{Message: fmt.Sprintf(format, args...)}
}

// describeError maps lock errors onto a stable code and structured detail.
func describeError(err error) (string, any) {
	var (
		lockedOut *security.LockedOutError
		incorrect *security.IncorrectPasswordError
		bio       *security.BiometricError
		usage     *UsageError
		tty       *TTYRequiredError
	)
	switch {
	case errors.As(err, &usage):
		return "USAGE", nil
	case errors.As(err, &tty):
		return "TTY_REQUIRED", nil
	case errors.Is(err, security.ErrSessionWiped):
		return "SESSION_WIPED", nil
	case errors.As(err, &lockedOut):
		return "LOCKED_OUT", map[string]int{"remaining_seconds": lockedOut.RemainingSeconds}
	case errors.As(err, &incorrect):
		return "INCORRECT_PASSWORD", map[string]int{"attempts_remaining": incorrect.AttemptsRemaining}
	case errors.Is(err, security.ErrNoPasswordSet):
		return "NO_PASSWORD_SET", nil
	case errors.Is(err, security.ErrUnlockInFlight):
		return "UNLOCK_IN_FLIGHT", nil
	case errors.Is(err, security.ErrWipeNotConfirmed):
		return "WIPE_NOT_CONFIRMED", nil
	case errors.Is(err, security.ErrLockNotEnabled):
		return "LOCK_NOT_ENABLED", nil
	case errors.As(err, &bio):
		return "BIOMETRIC_" + bio.Kind.String(), nil
	case errors.Is(err, security.ErrEmptyPassword), errors.Is(err, settings.ErrInvalidSettings):
		return "INVALID_SETTINGS", nil
	case errors.Is(err, security.ErrSettingsPersist):
		return "PERSIST_FAILED", nil
	case config.IsValidation(err):
		return "INVALID_CONFIG", nil
	default:
		return "ERROR", nil
	}
}

// hint returns a follow-up suggestion for err, or "".
func hint(err error) string {
	switch code, _ := describeError(err); code {
	case "NO_PASSWORD_SET":
		return "Set one first with: locksmith doclock set-password (or idle set-password)"
	case "WIPE_NOT_CONFIRMED":
		return "Re-run with --confirm to arm the wipe."
	case "TTY_REQUIRED":
		return "Supply the secret with --password when scripting."
	case "USAGE":
		return "Run 'locksmith help' for usage."
	}
	return ""
}
