// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Schema is the identity store layout.
const Schema = `
CREATE TABLE IF NOT EXISTS document_lock_settings (
	user_id                  TEXT PRIMARY KEY,
	lock_enabled             INTEGER,
	lock_password_hash       TEXT,
	lock_trigger             TEXT,
	idle_timeout_minutes     INTEGER,
	max_attempts             INTEGER,
	lockout_duration_minutes INTEGER,
	updated_at               INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS idle_security_settings (
	user_id                   TEXT PRIMARY KEY,
	idle_timeout_enabled      INTEGER,
	idle_timeout_minutes      INTEGER,
	idle_lock_password_hash   TEXT,
	max_unlock_attempts       INTEGER,
	wipe_data_on_max_attempts INTEGER,
	biometric_unlock_enabled  INTEGER,
	idle_sound_alerts_enabled INTEGER,
	updated_at                INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS passkeys (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	credential_id   TEXT NOT NULL UNIQUE,
	device_label    TEXT NOT NULL DEFAULT '',
	credential_json TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	last_used_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_passkeys_user ON passkeys(user_id);

CREATE TABLE IF NOT EXISTS passkey_ceremonies (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	session_json TEXT NOT NULL,
	expires_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL,
	event_type TEXT NOT NULL,
	success    INTEGER NOT NULL,
	metadata   TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_user ON audit_log(user_id, created_at);
`

// SQLiteStore implements Store over a single SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("storage is not configured")
	}
	return nil
}

// =============================================================================
// SETTINGS
// =============================================================================

// GetDocumentLock returns the nullable document lock row of userID.
func (s *SQLiteStore) GetDocumentLock(ctx context.Context, userID string) (DocumentLockPatch, error) {
	if err := s.ready(ctx); err != nil {
		return DocumentLockPatch{}, err
	}

	var (
		enabled, idle, maxAttempts, lockout sql.NullInt64
		hash, trigger                       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT lock_enabled, lock_password_hash, lock_trigger,
		       idle_timeout_minutes, max_attempts, lockout_duration_minutes
		FROM document_lock_settings WHERE user_id = ?`, userID,
	).Scan(&enabled, &hash, &trigger, &idle, &maxAttempts, &lockout)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DocumentLockPatch{}, ErrNotFound
		}
		return DocumentLockPatch{}, fmt.Errorf("get document lock settings: %w", err)
	}

	var patch DocumentLockPatch
	patch.LockEnabled = boolPtr(enabled)
	patch.LockPasswordHash = stringPtr(hash)
	if trigger.Valid {
		t := Trigger(trigger.String)
		patch.LockTrigger = &t
	}
	patch.IdleTimeoutMinutes = intPtr(idle)
	patch.MaxAttempts = intPtr(maxAttempts)
	patch.LockoutDurationMinutes = intPtr(lockout)
	return patch, nil
}

// UpsertDocumentLock writes the non-nil fields of patch, leaving other
// columns untouched.
func (s *SQLiteStore) UpsertDocumentLock(ctx context.Context, userID string, patch DocumentLockPatch) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return errors.New("user id is required")
	}

	var trigger any
	if patch.LockTrigger != nil {
		trigger = string(*patch.LockTrigger)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_lock_settings (
			user_id, lock_enabled, lock_password_hash, lock_trigger,
			idle_timeout_minutes, max_attempts, lockout_duration_minutes, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			lock_enabled = COALESCE(excluded.lock_enabled, lock_enabled),
			lock_password_hash = COALESCE(excluded.lock_password_hash, lock_password_hash),
			lock_trigger = COALESCE(excluded.lock_trigger, lock_trigger),
			idle_timeout_minutes = COALESCE(excluded.idle_timeout_minutes, idle_timeout_minutes),
			max_attempts = COALESCE(excluded.max_attempts, max_attempts),
			lockout_duration_minutes = COALESCE(excluded.lockout_duration_minutes, lockout_duration_minutes),
			updated_at = excluded.updated_at`,
		userID,
		boolArg(patch.LockEnabled),
		stringArg(patch.LockPasswordHash),
		trigger,
		intArg(patch.IdleTimeoutMinutes),
		intArg(patch.MaxAttempts),
		intArg(patch.LockoutDurationMinutes),
		toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("upsert document lock settings: %w", err)
	}
	return nil
}

// GetIdleSecurity returns the nullable idle security row of userID.
func (s *SQLiteStore) GetIdleSecurity(ctx context.Context, userID string) (IdleSecurityPatch, error) {
	if err := s.ready(ctx); err != nil {
		return IdleSecurityPatch{}, err
	}

	var (
		enabled, minutes, maxAttempts, wipe, biometric, sound sql.NullInt64
		hash                                                  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT idle_timeout_enabled, idle_timeout_minutes, idle_lock_password_hash,
		       max_unlock_attempts, wipe_data_on_max_attempts,
		       biometric_unlock_enabled, idle_sound_alerts_enabled
		FROM idle_security_settings WHERE user_id = ?`, userID,
	).Scan(&enabled, &minutes, &hash, &maxAttempts, &wipe, &biometric, &sound)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IdleSecurityPatch{}, ErrNotFound
		}
		return IdleSecurityPatch{}, fmt.Errorf("get idle security settings: %w", err)
	}

	return IdleSecurityPatch{
		IdleTimeoutEnabled:     boolPtr(enabled),
		IdleTimeoutMinutes:     intPtr(minutes),
		IdleLockPasswordHash:   stringPtr(hash),
		MaxUnlockAttempts:      intPtr(maxAttempts),
		WipeDataOnMaxAttempts:  boolPtr(wipe),
		BiometricUnlockEnabled: boolPtr(biometric),
		IdleSoundAlertsEnabled: boolPtr(sound),
	}, nil
}

// UpsertIdleSecurity writes the non-nil fields of patch.
func (s *SQLiteStore) UpsertIdleSecurity(ctx context.Context, userID string, patch IdleSecurityPatch) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return errors.New("user id is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idle_security_settings (
			user_id, idle_timeout_enabled, idle_timeout_minutes, idle_lock_password_hash,
			max_unlock_attempts, wipe_data_on_max_attempts, biometric_unlock_enabled,
			idle_sound_alerts_enabled, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			idle_timeout_enabled = COALESCE(excluded.idle_timeout_enabled, idle_timeout_enabled),
			idle_timeout_minutes = COALESCE(excluded.idle_timeout_minutes, idle_timeout_minutes),
			idle_lock_password_hash = COALESCE(excluded.idle_lock_password_hash, idle_lock_password_hash),
			max_unlock_attempts = COALESCE(excluded.max_unlock_attempts, max_unlock_attempts),
			wipe_data_on_max_attempts = COALESCE(excluded.wipe_data_on_max_attempts, wipe_data_on_max_attempts),
			biometric_unlock_enabled = COALESCE(excluded.biometric_unlock_enabled, biometric_unlock_enabled),
			idle_sound_alerts_enabled = COALESCE(excluded.idle_sound_alerts_enabled, idle_sound_alerts_enabled),
			updated_at = excluded.updated_at`,
		userID,
		boolArg(patch.IdleTimeoutEnabled),
		intArg(patch.IdleTimeoutMinutes),
		stringArg(patch.IdleLockPasswordHash),
		intArg(patch.MaxUnlockAttempts),
		boolArg(patch.WipeDataOnMaxAttempts),
		boolArg(patch.BiometricUnlockEnabled),
		boolArg(patch.IdleSoundAlertsEnabled),
		toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("upsert idle security settings: %w", err)
	}
	return nil
}

// =============================================================================
// PASSKEYS
// =============================================================================

// PutPasskey inserts or replaces a passkey credential.
func (s *SQLiteStore) PutPasskey(ctx context.Context, credential PasskeyCredential) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(credential.ID) == "" {
		return errors.New("passkey id is required")
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return errors.New("credential id is required")
	}
	if strings.TrimSpace(credential.CredentialJSON) == "" {
		return errors.New("credential json is required")
	}

	lastUsed := sql.NullInt64{}
	if credential.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*credential.LastUsedAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO passkeys (id, user_id, credential_id, device_label, credential_json, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			device_label = excluded.device_label,
			credential_json = excluded.credential_json,
			last_used_at = excluded.last_used_at`,
		credential.ID, credential.UserID, credential.CredentialID, credential.DeviceLabel,
		credential.CredentialJSON, toMillis(credential.CreatedAt), lastUsed,
	)
	if err != nil {
		return fmt.Errorf("put passkey: %w", err)
	}
	return nil
}

const passkeyColumns = `id, user_id, credential_id, device_label, credential_json, created_at, last_used_at`

// GetPasskey fetches one passkey of userID by record id.
func (s *SQLiteStore) GetPasskey(ctx context.Context, userID, id string) (PasskeyCredential, error) {
	if err := s.ready(ctx); err != nil {
		return PasskeyCredential{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+passkeyColumns+` FROM passkeys WHERE user_id = ? AND id = ?`, userID, id)
	return scanPasskey(row)
}

// GetPasskeyByCredentialID fetches a passkey by its WebAuthn credential id.
func (s *SQLiteStore) GetPasskeyByCredentialID(ctx context.Context, credentialID string) (PasskeyCredential, error) {
	if err := s.ready(ctx); err != nil {
		return PasskeyCredential{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+passkeyColumns+` FROM passkeys WHERE credential_id = ?`, credentialID)
	return scanPasskey(row)
}

// ListPasskeys returns the passkeys of userID, oldest first.
func (s *SQLiteStore) ListPasskeys(ctx context.Context, userID string) ([]PasskeyCredential, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+passkeyColumns+` FROM passkeys WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list passkeys: %w", err)
	}
	defer rows.Close()

	var credentials []PasskeyCredential
	for rows.Next() {
		credential, err := scanPasskey(rows)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list passkeys: %w", err)
	}
	return credentials, nil
}

// TouchPasskey records a successful assertion, storing the updated
// credential (sign count, flags) and the use time.
func (s *SQLiteStore) TouchPasskey(ctx context.Context, credentialID, credentialJSON string, usedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE passkeys SET credential_json = ?, last_used_at = ? WHERE credential_id = ?`,
		credentialJSON, toMillis(usedAt), credentialID)
	if err != nil {
		return fmt.Errorf("touch passkey: %w", err)
	}
	return requireAffected(res)
}

// DeletePasskey removes a passkey of userID.
func (s *SQLiteStore) DeletePasskey(ctx context.Context, userID, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM passkeys WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("delete passkey: %w", err)
	}
	return requireAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPasskey(row rowScanner) (PasskeyCredential, error) {
	var (
		credential PasskeyCredential
		createdAt  int64
		lastUsed   sql.NullInt64
	)
	err := row.Scan(&credential.ID, &credential.UserID, &credential.CredentialID,
		&credential.DeviceLabel, &credential.CredentialJSON, &createdAt, &lastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PasskeyCredential{}, ErrNotFound
		}
		return PasskeyCredential{}, fmt.Errorf("scan passkey: %w", err)
	}
	credential.CreatedAt = fromMillis(createdAt)
	if lastUsed.Valid {
		value := fromMillis(lastUsed.Int64)
		credential.LastUsedAt = &value
	}
	return credential, nil
}

// =============================================================================
// CEREMONIES
// =============================================================================

// PutCeremony stores a pending WebAuthn session.
func (s *SQLiteStore) PutCeremony(ctx context.Context, ceremony Ceremony) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(ceremony.ID) == "" {
		return errors.New("session id is required")
	}
	if strings.TrimSpace(ceremony.SessionJSON) == "" {
		return errors.New("session json is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO passkey_ceremonies (id, kind, user_id, session_json, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		ceremony.ID, string(ceremony.Kind), ceremony.UserID, ceremony.SessionJSON, toMillis(ceremony.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put passkey session: %w", err)
	}
	return nil
}

// GetCeremony fetches a pending WebAuthn session.
func (s *SQLiteStore) GetCeremony(ctx context.Context, id string) (Ceremony, error) {
	if err := s.ready(ctx); err != nil {
		return Ceremony{}, err
	}
	var (
		ceremony  Ceremony
		kind      string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, user_id, session_json, expires_at FROM passkey_ceremonies WHERE id = ?`, id,
	).Scan(&ceremony.ID, &kind, &ceremony.UserID, &ceremony.SessionJSON, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Ceremony{}, ErrNotFound
		}
		return Ceremony{}, fmt.Errorf("get passkey session: %w", err)
	}
	ceremony.Kind = CeremonyKind(kind)
	ceremony.ExpiresAt = fromMillis(expiresAt)
	return ceremony, nil
}

// DeleteCeremony removes a WebAuthn session.
func (s *SQLiteStore) DeleteCeremony(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM passkey_ceremonies WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete passkey session: %w", err)
	}
	return nil
}

// DeleteExpiredCeremonies drops sessions that expired before now.
func (s *SQLiteStore) DeleteExpiredCeremonies(ctx context.Context, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM passkey_ceremonies WHERE expires_at <= ?`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired passkey sessions: %w", err)
	}
	return nil
}

// =============================================================================
// AUDIT
// =============================================================================

// AppendAuditLog inserts one audit row.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, entry AuditEntry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	var metadata any
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		metadata = string(data)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, event_type, success, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.UserID, entry.EventType, boolToInt(entry.Success), metadata, toMillis(createdAt))
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// AuditLog returns the audit rows of userID, oldest first.
func (s *SQLiteStore) AuditLog(ctx context.Context, userID string) ([]AuditEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, event_type, success, metadata, created_at
		FROM audit_log WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			entry     AuditEntry
			success   int64
			metadata  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&entry.UserID, &entry.EventType, &success, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("read audit log: %w", err)
		}
		entry.Success = success != 0
		entry.CreatedAt = fromMillis(createdAt)
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func boolArg(p *bool) any {
	if p == nil {
		return nil
	}
	return boolToInt(*p)
}

func intArg(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func stringArg(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
