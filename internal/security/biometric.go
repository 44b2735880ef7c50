// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jeranaias/locksmith/internal/clock"
	"github.com/jeranaias/locksmith/internal/settings"
)

var (
	// ErrBiometricUnsupported matches BiometricUnsupported errors.
	ErrBiometricUnsupported = errors.New("biometric authentication is not supported")

	// ErrBiometricCancelled matches BiometricUserCancelled errors.
	ErrBiometricCancelled = errors.New("biometric authentication was cancelled")

	// ErrBiometricProvider matches BiometricProviderError errors.
	ErrBiometricProvider = errors.New("biometric provider error")
)

// BiometricErrorKind classifies a failed biometric operation.
type BiometricErrorKind int

const (
	BiometricProviderError BiometricErrorKind = iota
	BiometricUnsupported
	BiometricUserCancelled
)

// String returns a string representation of the kind.
func (k BiometricErrorKind) String() string {
	switch k {
	case BiometricUnsupported:
		return "UNSUPPORTED"
	case BiometricUserCancelled:
		return "USER_CANCELLED"
	default:
		return "PROVIDER_ERROR"
	}
}

func (k BiometricErrorKind) sentinel() error {
	switch k {
	case BiometricUnsupported:
		return ErrBiometricUnsupported
	case BiometricUserCancelled:
		return ErrBiometricCancelled
	default:
		return ErrBiometricProvider
	}
}

// BiometricError is a failed biometric operation. It is never fatal: callers
// fall back to the password path.
type BiometricError struct {
	Kind BiometricErrorKind
	Err  error
}

func (e *BiometricError) Error() string {
	if e.Err == nil {
		return e.Kind.sentinel().Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind.sentinel(), e.Err)
}

func (e *BiometricError) Unwrap() error {
	return e.Err
}

func (e *BiometricError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// classifyBiometric maps a provider error onto a *BiometricError.
func classifyBiometric(err error) error {
	if err == nil {
		return nil
	}
	var be *BiometricError
	if errors.As(err, &be) {
		return err
	}
	switch {
	case errors.Is(err, ErrBiometricUnsupported):
		return &BiometricError{Kind: BiometricUnsupported, Err: err}
	case errors.Is(err, ErrBiometricCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &BiometricError{Kind: BiometricUserCancelled, Err: err}
	default:
		return &BiometricError{Kind: BiometricProviderError, Err: err}
	}
}

// PasskeyProvider is a platform passkey authenticator.
type PasskeyProvider interface {
	Supported() bool
	Enroll(ctx context.Context, userID, label string) (settings.PasskeyRecord, error)
	// Authenticate runs an assertion and returns the passkey that was used.
	Authenticate(ctx context.Context, userID string) (settings.PasskeyRecord, error)
	List(ctx context.Context, userID string) ([]settings.PasskeyRecord, error)
	Remove(ctx context.Context, userID, id string) error
}

// BiometricBridge is the alternate unlock path over a PasskeyProvider. Every
// error it returns is a *BiometricError.
type BiometricBridge struct {
	provider PasskeyProvider
	clock    clock.Clock
	audit    AuditSink
	logger   *slog.Logger
}

// NewBiometricBridge wraps provider. A nil provider is never supported.
func NewBiometricBridge(provider PasskeyProvider, opts ...Option) *BiometricBridge {
	o := newOptions(opts)
	return &BiometricBridge{
		provider: provider,
		clock:    o.clock,
		audit:    o.audit,
		logger:   o.logger.With("component", "biometric"),
	}
}

// IsSupported reports whether the platform can run passkey ceremonies.
func (b *BiometricBridge) IsSupported() bool {
	return b.hasProvider() && b.provider.Supported()
}

// hasProvider reports whether enrolled passkeys can be managed. Listing and
// revoking need no platform authenticator.
func (b *BiometricBridge) hasProvider() bool {
	return b != nil && b.provider != nil
}

func unsupported() error {
	return &BiometricError{Kind: BiometricUnsupported}
}

// Enroll registers a new passkey for userID.
func (b *BiometricBridge) Enroll(ctx context.Context, userID, label string) (settings.PasskeyRecord, error) {
	if !b.IsSupported() {
		return settings.PasskeyRecord{}, unsupported()
	}
	record, err := b.provider.Enroll(ctx, userID, label)
	b.record(ctx, EventBiometricEnroll, userID, err, map[string]string{"passkey": record.ID})
	if err != nil {
		return settings.PasskeyRecord{}, classifyBiometric(err)
	}
	return record, nil
}

// Authenticate runs a passkey assertion for userID. A nil error grants the
// bypass.
func (b *BiometricBridge) Authenticate(ctx context.Context, userID string) error {
	if !b.IsSupported() {
		return unsupported()
	}
	record, err := b.provider.Authenticate(ctx, userID)
	b.record(ctx, EventBiometricUnlock, userID, err, map[string]string{"passkey": record.ID})
	return classifyBiometric(err)
}

// List returns the enrolled passkeys of userID. It works without a platform
// authenticator.
func (b *BiometricBridge) List(ctx context.Context, userID string) ([]settings.PasskeyRecord, error) {
	if !b.hasProvider() {
		return nil, unsupported()
	}
	records, err := b.provider.List(ctx, userID)
	if err != nil {
		return nil, classifyBiometric(err)
	}
	return records, nil
}

// Remove revokes a passkey of userID. It works without a platform
// authenticator.
func (b *BiometricBridge) Remove(ctx context.Context, userID, id string) error {
	if !b.hasProvider() {
		return unsupported()
	}
	err := b.provider.Remove(ctx, userID, id)
	b.record(ctx, EventBiometricRemove, userID, err, map[string]string{"passkey": id})
	return classifyBiometric(err)
}

func (b *BiometricBridge) record(ctx context.Context, eventType, userID string, err error, metadata map[string]string) {
	event := AuditEvent{
		Timestamp: b.clock.Now(),
		EventType: eventType,
		UserID:    userID,
		Success:   err == nil,
		Metadata:  metadata,
	}
	if err != nil {
		event.Error = err.Error()
	}
	emitAudit(ctx, b.audit, b.logger, event)
}
