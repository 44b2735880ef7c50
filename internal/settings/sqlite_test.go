// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package settings

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteDocumentLockMissingUser(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetDocumentLock(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLitePartialUpsertKeepsOtherColumns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.UpsertDocumentLock(ctx, "u1", DocumentLockPatch{
		LockPasswordHash: Ptr("$2a$10$hash"),
		MaxAttempts:      Ptr(3),
	}))
	require.NoError(t, s.UpsertDocumentLock(ctx, "u1", DocumentLockPatch{
		LockEnabled: Ptr(true),
	}))

	row, err := s.GetDocumentLock(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, row.LockEnabled)
	require.True(t, *row.LockEnabled)
	require.NotNil(t, row.LockPasswordHash)
	require.Equal(t, "$2a$10$hash", *row.LockPasswordHash)
	require.NotNil(t, row.MaxAttempts)
	require.Equal(t, 3, *row.MaxAttempts)
	require.Nil(t, row.LockTrigger, "never written columns stay null")
	require.Nil(t, row.LockoutDurationMinutes)
}

func TestSQLiteClearPasswordWithEmptyString(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.UpsertIdleSecurity(ctx, "u1", IdleSecurityPatch{IdleLockPasswordHash: Ptr("digest")}))
	require.NoError(t, s.UpsertIdleSecurity(ctx, "u1", IdleSecurityPatch{IdleLockPasswordHash: Ptr("")}))

	row, err := s.GetIdleSecurity(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, row.IdleLockPasswordHash)
	require.Empty(t, *row.IdleLockPasswordHash)
}

func TestSQLitePasskeys(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"pk-a", "pk-b"} {
		require.NoError(t, s.PutPasskey(ctx, PasskeyCredential{
			PasskeyRecord: PasskeyRecord{
				ID:           id,
				UserID:       "u1",
				CredentialID: "cred-" + id,
				DeviceLabel:  "laptop",
				CreatedAt:    created.Add(time.Duration(i) * time.Minute),
			},
			CredentialJSON: `{"id":"x"}`,
		}))
	}

	list, err := s.ListPasskeys(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "pk-a", list[0].ID)
	require.Nil(t, list[0].LastUsedAt)

	used := created.Add(time.Hour)
	require.NoError(t, s.TouchPasskey(ctx, "cred-pk-b", `{"id":"y"}`, used))
	got, err := s.GetPasskeyByCredentialID(ctx, "cred-pk-b")
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	require.True(t, used.Equal(*got.LastUsedAt))
	require.Equal(t, `{"id":"y"}`, got.CredentialJSON)

	require.NoError(t, s.DeletePasskey(ctx, "u1", "pk-a"))
	require.ErrorIs(t, s.DeletePasskey(ctx, "u1", "pk-a"), ErrNotFound)
	require.ErrorIs(t, s.DeletePasskey(ctx, "u2", "pk-b"), ErrNotFound, "other users cannot remove it")

	_, err = s.GetPasskey(ctx, "u1", "pk-a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteCeremonies(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutCeremony(ctx, Ceremony{
		ID: "c1", Kind: CeremonyLogin, UserID: "u1", SessionJSON: "{}", ExpiresAt: now.Add(time.Minute),
	}))
	require.NoError(t, s.PutCeremony(ctx, Ceremony{
		ID: "c2", Kind: CeremonyRegistration, UserID: "u1", SessionJSON: "{}", ExpiresAt: now.Add(-time.Minute),
	}))

	require.NoError(t, s.DeleteExpiredCeremonies(ctx, now))
	_, err := s.GetCeremony(ctx, "c2")
	require.ErrorIs(t, err, ErrNotFound)

	c, err := s.GetCeremony(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, CeremonyLogin, c.Kind)

	require.NoError(t, s.DeleteCeremony(ctx, "c1"))
	_, err = s.GetCeremony(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteAuditLog(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.AppendAuditLog(ctx, AuditEntry{
		UserID: "u1", EventType: "DOCLOCK_UNLOCK", Success: false,
		Metadata: map[string]string{"attempts_remaining": "2"},
	}))
	require.NoError(t, s.AppendAuditLog(ctx, AuditEntry{UserID: "u1", EventType: "DOCLOCK_UNLOCK", Success: true}))

	entries, err := s.AuditLog(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.False(t, entries[0].Success)
	require.Equal(t, "2", entries[0].Metadata["attempts_remaining"])
	require.True(t, entries[1].Success)
	require.Nil(t, entries[1].Metadata)
}

func TestSQLiteCancelledContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.GetIdleSecurity(ctx, "u1")
	require.ErrorIs(t, err, context.Canceled)
}
