// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jeranaias/locksmith/internal/clock"
	"github.com/jeranaias/locksmith/internal/storage"
)

const (
	// DefaultMaxAttempts is used until settings provide a limit.
	DefaultMaxAttempts = 5

	// DefaultLockoutDuration is used until settings provide a window.
	DefaultLockoutDuration = 15 * time.Minute

	signatureSize = sha256.Size
)

// =============================================================================
// ATTEMPT STATE
// =============================================================================

// AttemptState is the failed-attempt record of one lock domain.
type AttemptState struct {
	FailedAttempts  int        `json:"failed_attempts"`
	LockedUntil     *time.Time `json:"locked_until,omitempty"`
	LastAttemptTime time.Time  `json:"last_attempt_time"`
}

// lockedAt reports whether the lockout window is still open at now.
func (a AttemptState) lockedAt(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// =============================================================================
// ATTEMPT THROTTLE
// =============================================================================

// ThrottleConfig configures an AttemptThrottle.
type ThrottleConfig struct {
	// Store holds the state blob. It should be session scoped.
	Store storage.Store
	// Key is the blob key, one per lock domain.
	Key             string
	MaxAttempts     int
	LockoutDuration time.Duration
	Clock           clock.Clock
	// IntegrityKey signs the blob. A random key is generated when empty.
	IntegrityKey []byte
	Audit        AuditSink
	Logger       *slog.Logger
}

// AttemptThrottle counts failed unlock attempts and computes the lockout
// window for one lock domain.
//
// The state is kept as a JSON blob with an HMAC-SHA256 tail (last 32 bytes).
// A blob that fails verification is treated as tampering and the domain is
// put into lockout.
type AttemptThrottle struct {
	mu sync.Mutex

	store           storage.Store
	key             string
	maxAttempts     int
	lockoutDuration time.Duration
	clock           clock.Clock
	integrityKey    []byte
	audit           AuditSink
	logger          *slog.Logger
}

// NewAttemptThrottle creates a throttle from cfg.
func NewAttemptThrottle(cfg ThrottleConfig) (*AttemptThrottle, error) {
	if cfg.Store == nil {
		return nil, errors.New("throttle store is required")
	}
	if !storage.ValidKey(cfg.Key) {
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidKey, cfg.Key)
	}

	t := &AttemptThrottle{
		store:           cfg.Store,
		key:             cfg.Key,
		maxAttempts:     DefaultMaxAttempts,
		lockoutDuration: DefaultLockoutDuration,
		clock:           cfg.Clock,
		audit:           cfg.Audit,
		logger:          cfg.Logger,
	}
	if t.clock == nil {
		t.clock = clock.Real{}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.setLimitsLocked(cfg.MaxAttempts, cfg.LockoutDuration)

	if len(cfg.IntegrityKey) > 0 {
		t.integrityKey = append([]byte(nil), cfg.IntegrityKey...)
	} else {
		key, err := generateSecureRandom(32)
		if err != nil {
			return nil, err
		}
		t.integrityKey = key
	}
	return t, nil
}

// Key returns the storage key of the throttle blob.
func (t *AttemptThrottle) Key() string {
	return t.key
}

// SetLimits updates the attempt limit and lockout window. Non-positive values
// are ignored. An existing lockout keeps its original expiry.
func (t *AttemptThrottle) SetLimits(maxAttempts int, lockout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setLimitsLocked(maxAttempts, lockout)
}

func (t *AttemptThrottle) setLimitsLocked(maxAttempts int, lockout time.Duration) {
	if maxAttempts > 0 {
		t.maxAttempts = maxAttempts
	}
	if lockout > 0 {
		t.lockoutDuration = lockout
	}
}

// MaxAttempts returns the current attempt limit.
func (t *AttemptThrottle) MaxAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxAttempts
}

// State returns the current attempt state.
func (t *AttemptThrottle) State() (AttemptState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	unlock, err := t.lockStore()
	if err != nil {
		return AttemptState{}, err
	}
	defer unlock()
	return t.loadLocked()
}

// IsLockedOut reports whether the lockout window is open. An expired window
// is cleared as a side effect; the failure count is kept.
func (t *AttemptThrottle) IsLockedOut() bool {
	return t.CheckLockout() > 0
}

// CheckLockout returns the seconds left in an open lockout window, or 0,
// clearing an expired window in the same step.
func (t *AttemptThrottle) CheckLockout() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	unlock, err := t.lockStore()
	if err != nil {
		t.logger.Warn("failed to lock attempt state", "key", t.key, "error", err)
		return max(1, int(t.lockoutDuration/time.Second))
	}
	defer unlock()

	state, err := t.loadLocked()
	if err != nil {
		// Unreadable state fails closed.
		t.logger.Warn("failed to read attempt state", "key", t.key, "error", err)
		return max(1, int(t.lockoutDuration/time.Second))
	}
	now := t.clock.Now()
	if state.lockedAt(now) {
		return remainingSeconds(state, now)
	}
	if state.LockedUntil != nil {
		state.LockedUntil = nil
		if err := t.saveLocked(state); err != nil {
			t.logger.Warn("failed to clear expired lockout", "key", t.key, "error", err)
		}
	}
	return 0
}

// RemainingLockoutSeconds returns the whole seconds left in the lockout
// window, rounded up. It is 0 when not locked out.
func (t *AttemptThrottle) RemainingLockoutSeconds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	unlock, err := t.lockStore()
	if err != nil {
		return int(t.lockoutDuration / time.Second)
	}
	defer unlock()

	state, err := t.loadLocked()
	if err != nil {
		return int(t.lockoutDuration / time.Second)
	}
	return remainingSeconds(state, t.clock.Now())
}

func remainingSeconds(state AttemptState, now time.Time) int {
	if state.LockedUntil == nil {
		return 0
	}
	remaining := state.LockedUntil.Sub(now)
	if remaining <= 0 {
		return 0
	}
	secs := remaining / time.Second
	if remaining%time.Second != 0 {
		secs++
	}
	return int(secs)
}

// RecordFailure counts a failed attempt and opens the lockout window once the
// count reaches the limit. The count is not reset when the window opens.
func (t *AttemptThrottle) RecordFailure() (AttemptState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	unlock, err := t.lockStore()
	if err != nil {
		return AttemptState{}, err
	}
	defer unlock()

	state, err := t.loadLocked()
	if err != nil {
		return state, err
	}

	now := t.clock.Now()
	state.FailedAttempts++
	state.LastAttemptTime = now
	if state.FailedAttempts >= t.maxAttempts {
		until := now.Add(t.lockoutDuration)
		state.LockedUntil = &until
	}

	if err := t.saveLocked(state); err != nil {
		return state, err
	}
	return state, nil
}

// RecordSuccess clears the attempt state.
func (t *AttemptThrottle) RecordSuccess() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	unlock, err := t.lockStore()
	if err != nil {
		return err
	}
	defer unlock()

	if err := t.store.Delete(t.key); err != nil {
		return fmt.Errorf("failed to clear attempt state: %w", err)
	}
	return nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// lockStore holds the blob against other processes when the store is shared
// (caller must hold t.mu). Stores private to the process need only t.mu.
func (t *AttemptThrottle) lockStore() (func(), error) {
	locker, ok := t.store.(storage.KeyLocker)
	if !ok {
		return func() {}, nil
	}
	unlock, err := locker.LockKey(t.key)
	if err != nil {
		return nil, fmt.Errorf("failed to lock attempt state: %w", err)
	}
	return unlock, nil
}

// loadLocked reads and verifies the blob (caller must hold lock). A missing
// blob is a zero state. A blob that fails verification is replaced with a
// fresh lockout.
func (t *AttemptThrottle) loadLocked() (AttemptState, error) {
	payload, ok, err := t.store.Get(t.key)
	if err != nil {
		return AttemptState{}, fmt.Errorf("failed to read attempt state: %w", err)
	}
	if !ok {
		return AttemptState{}, nil
	}

	if len(payload) < signatureSize {
		return t.tamperedLocked("state too short for signature")
	}

	dataLen := len(payload) - signatureSize
	data := payload[:dataLen]
	sig := payload[dataLen:]

	mac := hmac.New(sha256.New, t.integrityKey)
	mac.Write(data)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return t.tamperedLocked("HMAC verification failed")
	}

	var state AttemptState
	if err := json.Unmarshal(data, &state); err != nil {
		return t.tamperedLocked("failed to parse JSON")
	}
	if state.FailedAttempts < 0 {
		return t.tamperedLocked("negative attempt count")
	}
	return state, nil
}

func (t *AttemptThrottle) tamperedLocked(reason string) (AttemptState, error) {
	now := t.clock.Now()
	until := now.Add(t.lockoutDuration)
	state := AttemptState{
		FailedAttempts:  t.maxAttempts,
		LockedUntil:     &until,
		LastAttemptTime: now,
	}

	t.logger.Warn("attempt state failed integrity check", "key", t.key, "reason", reason)
	emitAudit(context.Background(), t.audit, t.logger, AuditEvent{
		Timestamp: now,
		EventType: EventThrottleTampered,
		Success:   false,
		Metadata: map[string]string{
			"key":    t.key,
			"reason": reason,
			"until":  until.Format(time.RFC3339),
		},
	})

	if err := t.saveLocked(state); err != nil {
		return state, err
	}
	return state, nil
}

// saveLocked signs and writes the blob (caller must hold lock).
func (t *AttemptThrottle) saveLocked(state AttemptState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt state: %w", err)
	}

	mac := hmac.New(sha256.New, t.integrityKey)
	mac.Write(data)
	payload := append(data, mac.Sum(nil)...)

	if err := t.store.Set(t.key, payload); err != nil {
		return fmt.Errorf("failed to write attempt state: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// maskIdentifier masks an identifier for logging using a SHA256 prefix.
func maskIdentifier(id string) string {
	if id == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(id))
	return "hash:" + hex.EncodeToString(hash[:])[:12]
}

// generateSecureRandom returns size random bytes.
func generateSecureRandom(size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate integrity key: %w", err)
	}
	return key, nil
}
