// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package settings

import (
	"context"
	"time"
)

// SettingsStore persists per-user lock settings. Get methods return the
// nullable row as a patch; a user with no row yields ErrNotFound.
type SettingsStore interface {
	GetDocumentLock(ctx context.Context, userID string) (DocumentLockPatch, error)
	UpsertDocumentLock(ctx context.Context, userID string, patch DocumentLockPatch) error
	GetIdleSecurity(ctx context.Context, userID string) (IdleSecurityPatch, error)
	UpsertIdleSecurity(ctx context.Context, userID string, patch IdleSecurityPatch) error
}

// PasskeyStore persists enrolled passkeys and pending WebAuthn ceremonies.
type PasskeyStore interface {
	PutPasskey(ctx context.Context, credential PasskeyCredential) error
	GetPasskey(ctx context.Context, userID, id string) (PasskeyCredential, error)
	GetPasskeyByCredentialID(ctx context.Context, credentialID string) (PasskeyCredential, error)
	ListPasskeys(ctx context.Context, userID string) ([]PasskeyCredential, error)
	TouchPasskey(ctx context.Context, credentialID, credentialJSON string, usedAt time.Time) error
	DeletePasskey(ctx context.Context, userID, id string) error

	PutCeremony(ctx context.Context, ceremony Ceremony) error
	GetCeremony(ctx context.Context, id string) (Ceremony, error)
	DeleteCeremony(ctx context.Context, id string) error
	DeleteExpiredCeremonies(ctx context.Context, now time.Time) error
}

// AuditStore appends security events to the identity store's audit log.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, entry AuditEntry) error
}

// Store is the full identity store boundary.
type Store interface {
	SettingsStore
	PasskeyStore
	AuditStore
	Close() error
}
