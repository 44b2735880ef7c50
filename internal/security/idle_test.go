// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/locksmith/internal/clock"
	"github.com/jeranaias/locksmith/internal/settings"
	"github.com/jeranaias/locksmith/internal/storage"
)

// fakeProvider is a scripted passkey provider.
type fakeProvider struct {
	mu          sync.Mutex
	unsupported bool
	passkeys    []settings.PasskeyRecord
	authErr     error
	authCalls   int
	// gate, when set, holds Authenticate until it is closed.
	gate    chan struct{}
	entered chan struct{}
}

func (p *fakeProvider) Supported() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.unsupported
}

func (p *fakeProvider) Enroll(_ context.Context, userID, label string) (settings.PasskeyRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	record := settings.PasskeyRecord{ID: label + "-id", UserID: userID, CredentialID: "cred-" + label, DeviceLabel: label}
	p.passkeys = append(p.passkeys, record)
	return record, nil
}

func (p *fakeProvider) Authenticate(_ context.Context, userID string) (settings.PasskeyRecord, error) {
	p.mu.Lock()
	gate, entered := p.gate, p.entered
	p.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.authCalls++
	if p.authErr != nil {
		return settings.PasskeyRecord{}, p.authErr
	}
	return p.passkeys[0], nil
}

func (p *fakeProvider) List(_ context.Context, userID string) ([]settings.PasskeyRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]settings.PasskeyRecord(nil), p.passkeys...), nil
}

func (p *fakeProvider) Remove(_ context.Context, userID, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.passkeys {
		if r.ID == id {
			p.passkeys = append(p.passkeys[:i], p.passkeys[i+1:]...)
			return nil
		}
	}
	return settings.ErrNotFound
}

func (p *fakeProvider) setAuthErr(err error) {
	p.mu.Lock()
	p.authErr = err
	p.mu.Unlock()
}

type idleFixture struct {
	idle       *IdleSession
	repo       *memorySettings
	hasher     *countingHasher
	clock      *clock.Fake
	persistent *storage.MemoryStore
	session    *storage.MemoryStore
	flag       *storage.LockFlag
	provider   *fakeProvider
	audit      *recordingSink
	signOuts   int
}

func newIdleFixture(t *testing.T, opts ...Option) *idleFixture {
	t.Helper()
	f := &idleFixture{
		repo:       newMemorySettings(),
		hasher:     newCountingHasher(),
		clock:      clock.NewFake(testEpoch),
		persistent: storage.NewMemoryStore(),
		session:    storage.NewMemoryStore(),
		provider:   &fakeProvider{},
		audit:      &recordingSink{},
	}
	f.flag = storage.NewLockFlag(f.persistent, storage.KeyDocumentsLocked, nil)

	opts = append([]Option{WithClock(f.clock), WithAuditSink(f.audit)}, opts...)
	terminator := NewSessionTerminator(TerminatorConfig{
		Persistent: f.persistent,
		Session:    f.session,
		LockFlag:   f.flag,
		OnSignOut: func(context.Context) error {
			f.signOuts++
			return nil
		},
		Audit: f.audit,
	})
	bridge := NewBiometricBridge(f.provider, opts...)

	idle, err := NewIdleSession(f.repo, f.hasher, f.session, bridge, terminator, opts...)
	require.NoError(t, err)
	t.Cleanup(idle.Stop)
	f.idle = idle
	return f
}

// startLocked sets a password with the given limits, starts the session and
// locks it.
func (f *idleFixture) startLocked(t *testing.T, password string, maxAttempts int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.idle.SetPassword(ctx, testUser, password))
	require.NoError(t, f.idle.UpdatePreferences(ctx, testUser, IdlePreferences{
		MaxUnlockAttempts: settings.Ptr(maxAttempts),
	}))
	require.NoError(t, f.idle.Start(ctx, testUser))
	f.idle.Lock(ctx)
	require.Equal(t, IdleLocked, f.idle.State())
}

func TestIdleSession_WarningThenLock(t *testing.T) {
	f := newIdleFixture(t)
	ctx := context.Background()

	require.NoError(t, f.idle.SetPassword(ctx, testUser, "pw"))
	require.NoError(t, f.idle.UpdatePreferences(ctx, testUser, IdlePreferences{
		TimeoutMinutes: settings.Ptr(1),
	}))

	var warnings []IdleAlert
	f.idle.OnWarning(func(w IdleAlert) { warnings = append(warnings, w) })
	idled := 0
	f.idle.OnIdle(func() { idled++ })

	require.NoError(t, f.idle.Start(ctx, testUser))
	require.Equal(t, IdleActive, f.idle.State())

	f.clock.Advance(30 * time.Second)
	require.Equal(t, IdleWarning, f.idle.State())
	require.Equal(t, []IdleAlert{{Remaining: 30 * time.Second, Sound: true}}, warnings)

	f.clock.Advance(30 * time.Second)
	require.Equal(t, IdleLocked, f.idle.State())
	require.Equal(t, 1, idled)
	require.True(t, f.audit.has(EventIdleLocked))

	// Activity does not unlock.
	f.idle.Activity()
	require.Equal(t, IdleLocked, f.idle.State())
}

func TestIdleSession_ActivityResetsTimer(t *testing.T) {
	f := newIdleFixture(t)
	ctx := context.Background()

	require.NoError(t, f.idle.SetPassword(ctx, testUser, "pw"))
	require.NoError(t, f.idle.UpdatePreferences(ctx, testUser, IdlePreferences{
		TimeoutMinutes: settings.Ptr(1),
	}))
	require.NoError(t, f.idle.Start(ctx, testUser))

	f.clock.Advance(20 * time.Second)
	f.idle.Activity()
	f.clock.Advance(20 * time.Second)
	require.Equal(t, IdleActive, f.idle.State())

	f.clock.Advance(15 * time.Second)
	require.Equal(t, IdleWarning, f.idle.State())
	f.idle.Activity()
	require.Equal(t, IdleActive, f.idle.State())

	f.clock.Advance(59 * time.Second)
	require.NotEqual(t, IdleLocked, f.idle.State())
	f.clock.Advance(time.Second)
	require.Equal(t, IdleLocked, f.idle.State())
}

func TestIdleSession_WarningLeadClamped(t *testing.T) {
	f := newIdleFixture(t, WithWarningLead(5*time.Minute))
	ctx := context.Background()

	require.NoError(t, f.idle.SetPassword(ctx, testUser, "pw"))
	require.NoError(t, f.idle.UpdatePreferences(ctx, testUser, IdlePreferences{
		TimeoutMinutes: settings.Ptr(2),
		SoundAlerts:    settings.Ptr(false),
	}))

	var got []IdleAlert
	f.idle.OnWarning(func(w IdleAlert) { got = append(got, w) })
	require.NoError(t, f.idle.Start(ctx, testUser))

	f.clock.Advance(59 * time.Second)
	require.Empty(t, got)
	f.clock.Advance(time.Second)
	require.Equal(t, []IdleAlert{{Remaining: time.Minute, Sound: false}}, got)
}

func TestIdleSession_DisabledDoesNotArm(t *testing.T) {
	f := newIdleFixture(t)
	ctx := context.Background()

	require.NoError(t, f.idle.Start(ctx, testUser))
	require.Zero(t, f.clock.Pending())

	require.NoError(t, f.idle.SetPassword(ctx, testUser, "pw"))
	require.NotZero(t, f.clock.Pending())

	require.NoError(t, f.idle.Disable(ctx, testUser))
	require.Zero(t, f.clock.Pending())
	require.Equal(t, IdleActive, f.idle.State())
	require.NoError(t, f.idle.Disable(ctx, testUser))
}

func TestIdleSession_EnableRequiresPassword(t *testing.T) {
	f := newIdleFixture(t)
	err := f.idle.Enable(context.Background(), testUser)
	if !errors.Is(err, ErrNoPasswordSet) {
		t.Fatalf("Enable = %v, want ErrNoPasswordSet", err)
	}
	s, _ := f.repo.IdleSecurity(context.Background(), testUser)
	if s.IdleTimeoutEnabled {
		t.Fatal("Enable without password persisted IdleTimeoutEnabled=true")
	}
}

func TestIdleSession_LockoutWithoutWipe(t *testing.T) {
	f := newIdleFixture(t)
	ctx := context.Background()
	f.startLocked(t, "pw", 3)

	require.ErrorIs(t, f.idle.AttemptUnlock(ctx, testUser, "x"), ErrIncorrectPassword)
	require.Equal(t, IdleLocked, f.idle.State())
	require.ErrorIs(t, f.idle.AttemptUnlock(ctx, testUser, "x"), ErrIncorrectPassword)

	err := f.idle.AttemptUnlock(ctx, testUser, "x")
	var lockedOut *LockedOutError
	require.ErrorAs(t, err, &lockedOut)
	require.Equal(t, 900, lockedOut.RemainingSeconds)
	require.Equal(t, IdleLockedOut, f.idle.State())

	require.ErrorIs(t, f.idle.AttemptUnlock(ctx, testUser, "pw"), ErrLockedOut)
	require.Equal(t, int32(3), f.hasher.verifies.Load())

	f.clock.Advance(15 * time.Minute)
	require.Equal(t, IdleLocked, f.idle.State())
	require.NoError(t, f.idle.AttemptUnlock(ctx, testUser, "pw"))
	require.Equal(t, IdleActive, f.idle.State())
	require.Equal(t, 0, f.signOuts)
}

func TestIdleSession_WipeOnMaxAttempts(t *testing.T) {
	f := newIdleFixture(t)
	ctx := context.Background()

	require.NoError(t, f.persistent.Set(storage.KeySessionToken, []byte("token")))
	require.NoError(t, f.persistent.Set(storage.SettingsCachePrefix+"abc.idle", []byte("{}")))
	require.NoError(t, f.persistent.Set("drafts.note", []byte("draft")))
	require.NoError(t, f.flag.Set(true))
	require.NoError(t, f.session.Set(storage.KeyDocumentAttempts, []byte("blob")))

	f.startLocked(t, "pw", 3)
	require.NoError(t, f.idle.SetWipeOnMaxAttempts(ctx, testUser, true, true))

	require.ErrorIs(t, f.idle.AttemptUnlock(ctx, testUser, "x"), ErrIncorrectPassword)
	require.ErrorIs(t, f.idle.AttemptUnlock(ctx, testUser, "x"), ErrIncorrectPassword)
	err := f.idle.AttemptUnlock(ctx, testUser, "x")
	require.ErrorIs(t, err, ErrSessionWiped)
	require.Equal(t, IdleWiped, f.idle.State())

	keys, err := f.persistent.Keys()
	require.NoError(t, err)
	require.Empty(t, keys)
	keys, err = f.session.Keys()
	require.NoError(t, err)
	require.Empty(t, keys)
	require.Equal(t, 1, f.signOuts)
	require.True(t, f.audit.has(EventIdleWiped))

	require.ErrorIs(t, f.idle.AttemptUnlock(ctx, testUser, "pw"), ErrSessionWiped)
	require.ErrorIs(t, f.idle.AuthenticateWithBiometric(ctx, testUser), ErrSessionWiped)
}

func TestIdleSession_WipeRequiresConfirmation(t *testing.T) {
	f := newIdleFixture(t)
	ctx := context.Background()

	err := f.idle.SetWipeOnMaxAttempts(ctx, testUser, true, false)
	require.ErrorIs(t, err, ErrWipeNotConfirmed)
	s, _ := f.repo.IdleSecurity(ctx, testUser)
	require.False(t, s.WipeDataOnMaxAttempts)

	// Disarming needs no confirmation.
	require.NoError(t, f.idle.SetWipeOnMaxAttempts(ctx, testUser, false, false))
}

func TestIdleSession_BiometricFailureLeavesThrottle(t *testing.T) {
	f := newIdleFixture(t)
	ctx := context.Background()
	f.startLocked(t, "pw", 5)

	_, err := f.provider.Enroll(ctx, testUser, "laptop")
	require.NoError(t, err)
	require.NoError(t, f.idle.SetBiometricUnlock(ctx, testUser, true))

	require.ErrorIs(t, f.idle.AttemptUnlock(ctx, testUser, "x"), ErrIncorrectPassword)

	f.provider.setAuthErr(context.Canceled)
	err = f.idle.AuthenticateWithBiometric(ctx, testUser)
	var be *BiometricError
	require.ErrorAs(t, err, &be)
	require.Equal(t, BiometricUserCancelled, be.Kind)
	require.Equal(t, IdleLocked, f.idle.State())

	state, err := f.idle.Throttle().State()
	require.NoError(t, err)
	require.Equal(t, 1, state.FailedAttempts)

	f.provider.setAuthErr(errors.New("authenticator unplugged"))
	require.ErrorIs(t, f.idle.AuthenticateWithBiometric(ctx, testUser), ErrBiometricProvider)

	f.provider.setAuthErr(nil)
	require.NoError(t, f.idle.AuthenticateWithBiometric(ctx, testUser))
	require.Equal(t, IdleActive, f.idle.State())

	state, err = f.idle.Throttle().State()
	require.NoError(t, err)
	require.Equal(t, 1, state.FailedAttempts, "passkey unlock must not reset the password counter")
	require.Equal(t, int32(1), f.hasher.verifies.Load())
}

func TestIdleSession_BiometricPreconditions(t *testing.T) {
	f := newIdleFixture(t)
	ctx := context.Background()
	f.startLocked(t, "pw", 5)

	err := f.idle.AuthenticateWithBiometric(ctx, testUser)
	require.ErrorIs(t, err, ErrBiometricDisabled)
	require.ErrorIs(t, err, ErrBiometricUnsupported)

	err = f.idle.SetBiometricUnlock(ctx, testUser, true)
	require.ErrorIs(t, err, ErrNoPasskeys)
	s, _ := f.repo.IdleSecurity(ctx, testUser)
	require.False(t, s.BiometricUnlockEnabled)

	f.provider.mu.Lock()
	f.provider.unsupported = true
	f.provider.mu.Unlock()
	require.ErrorIs(t, f.idle.SetBiometricUnlock(ctx, testUser, true), ErrBiometricUnsupported)
	require.NoError(t, f.idle.SetBiometricUnlock(ctx, testUser, false))
	require.Zero(t, f.provider.authCalls)
}

func TestIdleSession_UpdatePreferencesRejectsInvalid(t *testing.T) {
	f := newIdleFixture(t)
	ctx := context.Background()

	err := f.idle.UpdatePreferences(ctx, testUser, IdlePreferences{TimeoutMinutes: settings.Ptr(7)})
	require.ErrorIs(t, err, settings.ErrInvalidSettings)
	err = f.idle.UpdatePreferences(ctx, testUser, IdlePreferences{MaxUnlockAttempts: settings.Ptr(4)})
	require.ErrorIs(t, err, settings.ErrInvalidSettings)
	require.False(t, errors.Is(err, ErrSettingsPersist))

	s, _ := f.repo.IdleSecurity(ctx, testUser)
	require.Equal(t, settings.DefaultIdleSecurity(testUser), s)
}

func TestIdleSession_PersistFailure(t *testing.T) {
	f := newIdleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.idle.Start(ctx, testUser))

	f.repo.setDown(true)
	err := f.idle.SetPassword(ctx, testUser, "pw")
	require.ErrorIs(t, err, ErrSettingsPersist)
	require.Zero(t, f.clock.Pending(), "failed save must not arm the idle timer")
}

func TestIdleSession_ChangePassword(t *testing.T) {
	f := newIdleFixture(t)
	ctx := context.Background()
	f.startLocked(t, "old", 5)

	require.ErrorIs(t, f.idle.ChangePassword(ctx, testUser, "bad", "new"), ErrIncorrectPassword)
	require.NoError(t, f.idle.ChangePassword(ctx, testUser, "old", "new"))
	require.ErrorIs(t, f.idle.AttemptUnlock(ctx, testUser, "old"), ErrIncorrectPassword)
	require.NoError(t, f.idle.AttemptUnlock(ctx, testUser, "new"))
}

func TestIdleSession_IdleLocksDocuments(t *testing.T) {
	doc := newDocFixture(t)
	ctx := context.Background()

	require.NoError(t, doc.lock.SetPassword(ctx, testUser, "doc-pw"))
	_, err := doc.repo.UpdateDocumentLock(ctx, testUser, settings.DocumentLockPatch{
		LockTrigger: settings.Ptr(settings.TriggerAfterIdle),
	})
	require.NoError(t, err)

	idle, err := NewIdleSession(doc.repo, doc.hasher, doc.session, nil, nil, WithClock(doc.clock))
	require.NoError(t, err)
	defer idle.Stop()
	idle.OnIdle(func() {
		if err := doc.lock.NotifyIdle(context.Background(), testUser); err != nil {
			t.Errorf("NotifyIdle: %v", err)
		}
	})

	require.NoError(t, idle.SetPassword(ctx, testUser, "idle-pw"))
	require.NoError(t, idle.UpdatePreferences(ctx, testUser, IdlePreferences{TimeoutMinutes: settings.Ptr(1)}))
	require.NoError(t, idle.Start(ctx, testUser))

	doc.clock.Advance(time.Minute)
	require.Equal(t, IdleLocked, idle.State())
	require.True(t, doc.lock.IsLocked())

	// Unlocking the idle lock leaves the documents locked.
	require.NoError(t, idle.AttemptUnlock(ctx, testUser, "idle-pw"))
	require.True(t, doc.lock.IsLocked())
}

func TestIdleSession_SQLiteRepository(t *testing.T) {
	store, err := settings.OpenSQLite(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	defer store.Close()

	cache := storage.NewMemoryStore()
	repo := settings.NewRepository(store, settings.WithCache(cache))
	clk := clock.NewFake(testEpoch)
	idle, err := NewIdleSession(repo, newCountingHasher(), storage.NewMemoryStore(), nil, nil, WithClock(clk))
	require.NoError(t, err)
	defer idle.Stop()

	ctx := context.Background()
	require.NoError(t, idle.SetPassword(ctx, testUser, "pw"))
	require.NoError(t, idle.Start(ctx, testUser))

	clk.Advance(5 * time.Minute)
	require.Equal(t, IdleLocked, idle.State())
	require.NoError(t, idle.AttemptUnlock(ctx, testUser, "pw"))

	s, err := repo.IdleSecurity(ctx, testUser)
	require.NoError(t, err)
	require.True(t, s.IdleTimeoutEnabled)
	require.True(t, s.HasPassword())
	require.NotEqual(t, "pw", s.IdleLockPasswordHash)
}

func TestIdleState_String(t *testing.T) {
	for state, want := range map[IdleState]string{
		IdleStopped:   "STOPPED",
		IdleActive:    "ACTIVE",
		IdleWarning:   "WARNING",
		IdleLocked:    "LOCKED",
		IdleUnlocking: "UNLOCKING",
		IdleLockedOut: "LOCKED_OUT",
		IdleWiped:     "WIPED",
		IdleState(-1): "UNKNOWN",
	} {
		if got := state.String(); got != want {
			t.Errorf("IdleState(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestIdleSession_BiometricHoldsUnlockGuard(t *testing.T) {
	f := newIdleFixture(t)
	ctx := context.Background()
	f.startLocked(t, "pw", 5)
	_, err := f.provider.Enroll(ctx, testUser, "laptop")
	require.NoError(t, err)
	require.NoError(t, f.idle.SetBiometricUnlock(ctx, testUser, true))

	gate, entered := make(chan struct{}), make(chan struct{})
	f.provider.mu.Lock()
	f.provider.gate, f.provider.entered = gate, entered
	f.provider.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- f.idle.AuthenticateWithBiometric(ctx, testUser) }()
	<-entered

	require.ErrorIs(t, f.idle.AttemptUnlock(ctx, testUser, "pw"), ErrUnlockInFlight)
	require.ErrorIs(t, f.idle.AuthenticateWithBiometric(ctx, testUser), ErrUnlockInFlight)
	require.Zero(t, f.hasher.verifies.Load(), "password must not be checked while a passkey prompt is open")

	close(gate)
	require.NoError(t, <-done)
	require.Equal(t, IdleActive, f.idle.State())
}

func TestIdleSession_RemoveLastPasskeyDisablesBiometric(t *testing.T) {
	f := newIdleFixture(t)
	ctx := context.Background()
	first, err := f.provider.Enroll(ctx, testUser, "laptop")
	require.NoError(t, err)
	second, err := f.provider.Enroll(ctx, testUser, "phone")
	require.NoError(t, err)
	require.NoError(t, f.idle.SetBiometricUnlock(ctx, testUser, true))

	// Managing passkeys needs no platform authenticator.
	f.provider.mu.Lock()
	f.provider.unsupported = true
	f.provider.mu.Unlock()

	require.NoError(t, f.idle.RemovePasskey(ctx, testUser, first.ID))
	s, _ := f.repo.IdleSecurity(ctx, testUser)
	require.True(t, s.BiometricUnlockEnabled)

	require.NoError(t, f.idle.RemovePasskey(ctx, testUser, second.ID))
	s, _ = f.repo.IdleSecurity(ctx, testUser)
	require.False(t, s.BiometricUnlockEnabled)

	err = f.idle.RemovePasskey(ctx, testUser, second.ID)
	require.ErrorIs(t, err, ErrBiometricProvider)
	require.ErrorIs(t, err, settings.ErrNotFound)

	var removals int
	for _, typ := range f.audit.types() {
		if typ == EventBiometricRemove {
			removals++
		}
	}
	require.Equal(t, 3, removals)
}
