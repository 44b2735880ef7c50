// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/locksmith/internal/settings"
)

// DefaultMaxFileSize is the default max audit file size before rotation (10MB).
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// Audit event types.
const (
	EventDocLockEnabled         = "DOCLOCK_ENABLED"
	EventDocLockDisabled        = "DOCLOCK_DISABLED"
	EventDocLockPasswordSet     = "DOCLOCK_PASSWORD_SET"
	EventDocLockPasswordChanged = "DOCLOCK_PASSWORD_CHANGED"
	EventDocLockLocked          = "DOCLOCK_LOCKED"
	EventDocLockUnlock          = "DOCLOCK_UNLOCK"
	EventDocLockBlocked         = "DOCLOCK_BLOCKED"
	EventDocLockLockout         = "DOCLOCK_LOCKOUT"
	EventDocLockPreferences     = "DOCLOCK_PREFERENCES"

	EventIdleEnabled         = "IDLE_ENABLED"
	EventIdleDisabled        = "IDLE_DISABLED"
	EventIdlePasswordSet     = "IDLE_PASSWORD_SET"
	EventIdlePasswordChanged = "IDLE_PASSWORD_CHANGED"
	EventIdlePreferences     = "IDLE_PREFERENCES"
	EventIdleWipeArmed       = "IDLE_WIPE_ARMED"
	EventIdleWarning         = "IDLE_WARNING"
	EventIdleLocked          = "IDLE_LOCKED"
	EventIdleUnlock          = "IDLE_UNLOCK"
	EventIdleBlocked         = "IDLE_BLOCKED"
	EventIdleLockout         = "IDLE_LOCKOUT"
	EventIdleWiped           = "IDLE_WIPED"

	EventBiometricEnroll = "BIOMETRIC_ENROLL"
	EventBiometricUnlock = "BIOMETRIC_UNLOCK"
	EventBiometricRemove = "BIOMETRIC_REMOVE"
	EventBiometricToggle = "BIOMETRIC_TOGGLE"

	EventSignOut          = "SIGN_OUT"
	EventThrottleTampered = "THROTTLE_TAMPERED"
)

// =============================================================================
// AUDIT EVENT
// =============================================================================

// AuditEvent is one security event. UserID is the raw id; file output masks it.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ToLogLine formats the event as a single pipe-delimited line.
func (e *AuditEvent) ToLogLine() string {
	timestamp := e.Timestamp.UTC().Format("2006-01-02 15:04:05")

	status := "SUCCESS"
	if !e.Success {
		if e.Error != "" {
			status = fmt.Sprintf("ERROR: %s", e.Error)
		} else {
			status = "FAILURE"
		}
	}

	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+e.Metadata[k])
	}

	return fmt.Sprintf("%s | %s | %s | %s | %s",
		timestamp,
		e.EventType,
		maskIdentifier(e.UserID),
		strings.Join(pairs, " "),
		status,
	)
}

// =============================================================================
// REDACTION
// =============================================================================

var secretPatterns = []struct {
	pattern *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`\$2[abxy]?\$\d{2}\$[./A-Za-z0-9]{53}`), "[HASH_REDACTED]"},
	{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-_.]+`), "Bearer [TOKEN_REDACTED]"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*\S+`), "[PASSWORD_REDACTED]"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`), "[JWT_REDACTED]"},
}

// RedactSecrets replaces password hashes, tokens and inline passwords.
func RedactSecrets(input string) string {
	result := input
	for _, sp := range secretPatterns {
		result = sp.pattern.ReplaceAllString(result, sp.replace)
	}
	return result
}

// =============================================================================
// SINKS
// =============================================================================

// AuditSink receives security events.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// MultiAuditSink fans an event out to every sink.
type MultiAuditSink []AuditSink

// Record delivers event to every sink and joins their errors.
func (m MultiAuditSink) Record(ctx context.Context, event AuditEvent) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StoreAuditSink writes events to the identity store's audit log.
type StoreAuditSink struct {
	store settings.AuditStore
}

// NewStoreAuditSink wraps store.
func NewStoreAuditSink(store settings.AuditStore) *StoreAuditSink {
	return &StoreAuditSink{store: store}
}

// Record appends event to the store. Events without a user are skipped.
func (s *StoreAuditSink) Record(ctx context.Context, event AuditEvent) error {
	if event.UserID == "" {
		return nil
	}
	metadata := make(map[string]string, len(event.Metadata)+1)
	for k, v := range event.Metadata {
		metadata[k] = RedactSecrets(v)
	}
	if event.Error != "" {
		metadata["error"] = RedactSecrets(event.Error)
	}
	return s.store.AppendAuditLog(ctx, settings.AuditEntry{
		UserID:    event.UserID,
		EventType: event.EventType,
		Success:   event.Success,
		Metadata:  metadata,
		CreatedAt: event.Timestamp,
	})
}

// emitAudit records event on sink, logging delivery failures.
func emitAudit(ctx context.Context, sink AuditSink, logger *slog.Logger, event AuditEvent) {
	if sink == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := sink.Record(ctx, event); err != nil && logger != nil {
		logger.Error("failed to record audit event", "event", event.EventType, "error", err)
	}
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

// AuditLogger appends events to a local file with secret redaction and
// size-based rotation.
type AuditLogger struct {
	path    string
	file    *os.File
	mu      sync.Mutex
	maxSize int64
}

// NewAuditLogger opens (creating if needed) the audit log at path.
func NewAuditLogger(path string) (*AuditLogger, error) {
	if path == "" {
		return nil, errors.New("audit log path is required")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &AuditLogger{
		path:    path,
		file:    file,
		maxSize: DefaultMaxFileSize,
	}, nil
}

// Record implements AuditSink.
func (l *AuditLogger) Record(_ context.Context, event AuditEvent) error {
	return l.Log(event)
}

// Log writes an audit event to the log file.
func (l *AuditLogger) Log(event AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	if event.Metadata != nil {
		redacted := make(map[string]string, len(event.Metadata))
		for k, v := range event.Metadata {
			redacted[k] = RedactSecrets(v)
		}
		event.Metadata = redacted
	}
	if event.Error != "" {
		event.Error = RedactSecrets(event.Error)
	}

	if err := l.checkRotationLocked(); err != nil {
		return fmt.Errorf("audit rotation failed: %w", err)
	}

	if _, err := fmt.Fprintln(l.file, event.ToLogLine()); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return nil
}

// rotateLocked moves the current file aside with a timestamp suffix.
func (l *AuditLogger) rotateLocked() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log for rotation: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	ext := filepath.Ext(l.path)
	base := strings.TrimSuffix(l.path, ext)
	rotatedPath := fmt.Sprintf("%s_%s%s", base, timestamp, ext)

	if err := os.Rename(l.path, rotatedPath); err != nil {
		l.file, _ = os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		l.file = nil
		return fmt.Errorf("failed to create new audit log after rotation: %w", err)
	}
	l.file = file
	return nil
}

func (l *AuditLogger) checkRotationLocked() error {
	if l.maxSize <= 0 {
		return nil
	}
	info, err := l.file.Stat()
	if err != nil {
		return nil
	}
	if info.Size() >= l.maxSize {
		return l.rotateLocked()
	}
	return nil
}

// SetMaxSize sets the maximum file size before rotation. 0 disables rotation.
func (l *AuditLogger) SetMaxSize(size int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxSize = size
}

// Close closes the audit log file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
