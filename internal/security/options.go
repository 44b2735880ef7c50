// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"log/slog"
	"time"

	"github.com/jeranaias/locksmith/internal/clock"
)

// DefaultWarningLead is how long before an idle lock the warning fires.
const DefaultWarningLead = 30 * time.Second

type options struct {
	clock        clock.Clock
	audit        AuditSink
	logger       *slog.Logger
	debounce     time.Duration
	integrityKey []byte
	warningLead  time.Duration
	idleLockout  time.Duration
}

// Option configures a lock controller.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		clock:       clock.Real{},
		logger:      slog.Default(),
		warningLead: DefaultWarningLead,
		idleLockout: DefaultLockoutDuration,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithAuditSink sets the destination for security events.
func WithAuditSink(sink AuditSink) Option {
	return func(o *options) {
		o.audit = sink
	}
}

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithUnlockDebounce refuses unlock submissions closer together than d.
func WithUnlockDebounce(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.debounce = d
		}
	}
}

// WithIntegrityKey sets the key signing attempt state.
func WithIntegrityKey(key []byte) Option {
	return func(o *options) {
		o.integrityKey = key
	}
}

// WithWarningLead sets how long before an idle lock the warning fires.
func WithWarningLead(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.warningLead = d
		}
	}
}

// WithIdleLockoutDuration sets the lockout window after too many failed idle
// unlock attempts.
func WithIdleLockoutDuration(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleLockout = d
		}
	}
}
