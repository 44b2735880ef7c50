// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/jeranaias/locksmith/internal/clock"
	"github.com/jeranaias/locksmith/internal/security"
	"github.com/jeranaias/locksmith/internal/settings"
)

var (
	// ErrCeremonyExpired is returned when a pending ceremony outlived its TTL.
	ErrCeremonyExpired = errors.New("passkey ceremony expired")

	// ErrCeremonyMismatch is returned when a ceremony id names the wrong kind.
	ErrCeremonyMismatch = errors.New("passkey ceremony kind mismatch")
)

var _ security.PasskeyProvider = (*Provider)(nil)

// Authenticator is the platform side of a ceremony: it takes the options
// JSON produced by the relying party and returns the authenticator response
// JSON. Cancelling the platform prompt should return context.Canceled or
// security.ErrBiometricCancelled.
type Authenticator interface {
	Available() bool
	Create(ctx context.Context, optionsJSON []byte) ([]byte, error)
	Get(ctx context.Context, optionsJSON []byte) ([]byte, error)
}

type relyingParty interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

type responseParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type protocolParser struct{}

func (protocolParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (protocolParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(p *Provider) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithIDGenerator replaces the uuid generator for passkey and ceremony ids.
func WithIDGenerator(fn func() string) Option {
	return func(p *Provider) {
		if fn != nil {
			p.newID = fn
		}
	}
}

func withRelyingParty(rp relyingParty, parser responseParser) Option {
	return func(p *Provider) {
		p.rp = rp
		p.parser = parser
	}
}

// Provider implements security.PasskeyProvider with go-webauthn.
type Provider struct {
	rp            relyingParty
	parser        responseParser
	store         settings.PasskeyStore
	authenticator Authenticator
	ttl           time.Duration
	clock         clock.Clock
	newID         func() string
}

// NewProvider builds a relying party from cfg. authenticator may be nil, in
// which case the provider reports itself unsupported.
func NewProvider(cfg Config, store settings.PasskeyStore, authenticator Authenticator, opts ...Option) (*Provider, error) {
	if store == nil {
		return nil, errors.New("passkey store is required")
	}
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Provider{
		parser:        protocolParser{},
		store:         store,
		authenticator: authenticator,
		ttl:           cfg.SessionTTL,
		clock:         clock.Real{},
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.rp == nil {
		rp, err := webauthn.New(&webauthn.Config{
			RPDisplayName: cfg.RPDisplayName,
			RPID:          cfg.RPID,
			RPOrigins:     cfg.RPOrigins,
		})
		if err != nil {
			return nil, fmt.Errorf("configure webauthn: %w", err)
		}
		p.rp = rp
	}
	return p, nil
}

// Supported reports whether a platform authenticator is available.
func (p *Provider) Supported() bool {
	return p.authenticator != nil && p.authenticator.Available()
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Enroll registers a new resident passkey for userID under label.
func (p *Provider) Enroll(ctx context.Context, userID, label string) (settings.PasskeyRecord, error) {
	if !p.Supported() {
		return settings.PasskeyRecord{}, security.ErrBiometricUnsupported
	}
	ceremonyID, optionsJSON, err := p.BeginRegistration(ctx, userID)
	if err != nil {
		return settings.PasskeyRecord{}, err
	}

	response, err := p.authenticator.Create(ctx, optionsJSON)
	if err != nil {
		_ = p.store.DeleteCeremony(ctx, ceremonyID)
		return settings.PasskeyRecord{}, err
	}
	return p.FinishRegistration(ctx, ceremonyID, label, response)
}

// BeginRegistration starts a registration ceremony and returns its id and
// the credential creation options JSON.
func (p *Provider) BeginRegistration(ctx context.Context, userID string) (string, []byte, error) {
	user, err := p.loadUser(ctx, userID)
	if err != nil {
		return "", nil, err
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(user.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(user.credentials).CredentialDescriptors()))
	}

	creation, session, err := p.rp.BeginRegistration(user, options...)
	if err != nil {
		return "", nil, fmt.Errorf("begin passkey registration: %w", err)
	}
	ceremonyID, err := p.storeCeremony(ctx, settings.CeremonyRegistration, userID, session)
	if err != nil {
		return "", nil, err
	}
	optionsJSON, err := json.Marshal(creation)
	if err != nil {
		return "", nil, fmt.Errorf("encode registration options: %w", err)
	}
	return ceremonyID, optionsJSON, nil
}

// FinishRegistration validates the authenticator response and stores the
// new credential.
func (p *Provider) FinishRegistration(ctx context.Context, ceremonyID, label string, response []byte) (settings.PasskeyRecord, error) {
	ceremony, session, err := p.loadCeremony(ctx, ceremonyID, settings.CeremonyRegistration)
	if err != nil {
		return settings.PasskeyRecord{}, err
	}
	user, err := p.loadUser(ctx, ceremony.UserID)
	if err != nil {
		return settings.PasskeyRecord{}, err
	}

	parsed, err := p.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return settings.PasskeyRecord{}, fmt.Errorf("parse credential response: %w", err)
	}
	credential, err := p.rp.CreateCredential(user, session, parsed)
	if err != nil {
		return settings.PasskeyRecord{}, fmt.Errorf("validate credential response: %w", err)
	}

	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return settings.PasskeyRecord{}, fmt.Errorf("encode credential: %w", err)
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = "Passkey"
	}
	record := settings.PasskeyRecord{
		ID:           p.newID(),
		UserID:       ceremony.UserID,
		CredentialID: encodeCredentialID(credential.ID),
		DeviceLabel:  label,
		CreatedAt:    p.clock.Now().UTC(),
	}
	if err := p.store.PutPasskey(ctx, settings.PasskeyCredential{
		PasskeyRecord:  record,
		CredentialJSON: string(credentialJSON),
	}); err != nil {
		return settings.PasskeyRecord{}, fmt.Errorf("store passkey credential: %w", err)
	}
	_ = p.store.DeleteCeremony(ctx, ceremonyID)
	return record, nil
}

// =============================================================================
// ASSERTION
// =============================================================================

// Authenticate runs an assertion against the passkeys of userID and returns
// the one that was used.
func (p *Provider) Authenticate(ctx context.Context, userID string) (settings.PasskeyRecord, error) {
	if !p.Supported() {
		return settings.PasskeyRecord{}, security.ErrBiometricUnsupported
	}
	ceremonyID, optionsJSON, err := p.BeginLogin(ctx, userID)
	if err != nil {
		return settings.PasskeyRecord{}, err
	}

	response, err := p.authenticator.Get(ctx, optionsJSON)
	if err != nil {
		_ = p.store.DeleteCeremony(ctx, ceremonyID)
		return settings.PasskeyRecord{}, err
	}
	return p.FinishLogin(ctx, ceremonyID, response)
}

// BeginLogin starts an assertion ceremony and returns its id and the
// credential request options JSON.
func (p *Provider) BeginLogin(ctx context.Context, userID string) (string, []byte, error) {
	user, err := p.loadUser(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	if len(user.credentials) == 0 {
		return "", nil, security.ErrNoPasskeys
	}

	assertion, session, err := p.rp.BeginLogin(user)
	if err != nil {
		return "", nil, fmt.Errorf("begin passkey login: %w", err)
	}
	ceremonyID, err := p.storeCeremony(ctx, settings.CeremonyLogin, userID, session)
	if err != nil {
		return "", nil, err
	}
	optionsJSON, err := json.Marshal(assertion)
	if err != nil {
		return "", nil, fmt.Errorf("encode login options: %w", err)
	}
	return ceremonyID, optionsJSON, nil
}

// FinishLogin validates the assertion response and records the use of the
// credential, including its updated sign counter.
func (p *Provider) FinishLogin(ctx context.Context, ceremonyID string, response []byte) (settings.PasskeyRecord, error) {
	ceremony, session, err := p.loadCeremony(ctx, ceremonyID, settings.CeremonyLogin)
	if err != nil {
		return settings.PasskeyRecord{}, err
	}
	user, err := p.loadUser(ctx, ceremony.UserID)
	if err != nil {
		return settings.PasskeyRecord{}, err
	}

	parsed, err := p.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return settings.PasskeyRecord{}, fmt.Errorf("parse credential response: %w", err)
	}
	credential, err := p.rp.ValidateLogin(user, session, parsed)
	if err != nil {
		return settings.PasskeyRecord{}, fmt.Errorf("validate passkey login: %w", err)
	}

	credentialID := encodeCredentialID(credential.ID)
	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return settings.PasskeyRecord{}, fmt.Errorf("encode credential: %w", err)
	}
	if err := p.store.TouchPasskey(ctx, credentialID, string(credentialJSON), p.clock.Now().UTC()); err != nil {
		return settings.PasskeyRecord{}, fmt.Errorf("record passkey use: %w", err)
	}
	_ = p.store.DeleteCeremony(ctx, ceremonyID)

	stored, err := p.store.GetPasskeyByCredentialID(ctx, credentialID)
	if err != nil {
		return settings.PasskeyRecord{}, err
	}
	return stored.PasskeyRecord, nil
}

// =============================================================================
// MANAGEMENT
// =============================================================================

// List returns the passkeys of userID.
func (p *Provider) List(ctx context.Context, userID string) ([]settings.PasskeyRecord, error) {
	stored, err := p.store.ListPasskeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	records := make([]settings.PasskeyRecord, 0, len(stored))
	for _, s := range stored {
		records = append(records, s.PasskeyRecord)
	}
	return records, nil
}

// Remove deletes passkey id of userID.
func (p *Provider) Remove(ctx context.Context, userID, id string) error {
	return p.store.DeletePasskey(ctx, userID, id)
}

// Sweep drops ceremonies whose TTL has passed.
func (p *Provider) Sweep(ctx context.Context) error {
	return p.store.DeleteExpiredCeremonies(ctx, p.clock.Now().UTC())
}

// =============================================================================
// HELPERS
// =============================================================================

type passkeyUser struct {
	id          string
	credentials []webauthn.Credential
}

func (u *passkeyUser) WebAuthnID() []byte {
	return []byte(u.id)
}

func (u *passkeyUser) WebAuthnName() string {
	return u.id
}

func (u *passkeyUser) WebAuthnDisplayName() string {
	return u.id
}

func (u *passkeyUser) WebAuthnIcon() string {
	return ""
}

func (u *passkeyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (p *Provider) loadUser(ctx context.Context, userID string) (*passkeyUser, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	stored, err := p.store.ListPasskeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load passkeys: %w", err)
	}
	credentials := make([]webauthn.Credential, 0, len(stored))
	for _, record := range stored {
		var credential webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &credential); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.CredentialID, err)
		}
		credentials = append(credentials, credential)
	}
	return &passkeyUser{id: userID, credentials: credentials}, nil
}

func (p *Provider) storeCeremony(ctx context.Context, kind settings.CeremonyKind, userID string, session *webauthn.SessionData) (string, error) {
	if session == nil {
		return "", errors.New("session data is required")
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("encode passkey session: %w", err)
	}
	id := p.newID()
	if err := p.store.PutCeremony(ctx, settings.Ceremony{
		ID:          id,
		Kind:        kind,
		UserID:      userID,
		SessionJSON: string(payload),
		ExpiresAt:   p.clock.Now().UTC().Add(p.ttl),
	}); err != nil {
		return "", fmt.Errorf("store passkey session: %w", err)
	}
	return id, nil
}

func (p *Provider) loadCeremony(ctx context.Context, id string, kind settings.CeremonyKind) (settings.Ceremony, webauthn.SessionData, error) {
	stored, err := p.store.GetCeremony(ctx, id)
	if err != nil {
		return settings.Ceremony{}, webauthn.SessionData{}, fmt.Errorf("load passkey session: %w", err)
	}
	if stored.Kind != kind {
		return settings.Ceremony{}, webauthn.SessionData{}, ErrCeremonyMismatch
	}
	if stored.ExpiresAt.Before(p.clock.Now()) {
		_ = p.store.DeleteCeremony(ctx, id)
		return settings.Ceremony{}, webauthn.SessionData{}, ErrCeremonyExpired
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(stored.SessionJSON), &session); err != nil {
		return settings.Ceremony{}, webauthn.SessionData{}, fmt.Errorf("decode passkey session: %w", err)
	}
	return stored, session, nil
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
