// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package passkey

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every passkey environment variable.
const EnvPrefix = "LOCKSMITH_WEBAUTHN_"

// DefaultSessionTTL bounds how long a pending ceremony stays valid.
const DefaultSessionTTL = 5 * time.Minute

// Config controls the WebAuthn relying party.
type Config struct {
	RPDisplayName string        `toml:"rp_display_name" env:"RP_DISPLAY_NAME"`
	RPID          string        `toml:"rp_id"           env:"RP_ID"`
	RPOrigins     []string      `toml:"rp_origins"      env:"RP_ORIGINS"      envSeparator:","`
	SessionTTL    time.Duration `toml:"session_ttl"     env:"SESSION_TTL"`
}

// DefaultConfig returns the relying party defaults for a local install.
func DefaultConfig() Config {
	return Config{
		RPDisplayName: "Locksmith",
		RPID:          "localhost",
		RPOrigins:     []string{"http://localhost"},
		SessionTTL:    DefaultSessionTTL,
	}
}

// LoadConfigFromEnv returns the defaults overridden by LOCKSMITH_WEBAUTHN_*
// variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return DefaultConfig(), err
	}
	cfg.fill()
	return cfg, nil
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.RPDisplayName == "" {
		c.RPDisplayName = d.RPDisplayName
	}
	if c.RPID == "" {
		c.RPID = d.RPID
	}
	if len(c.RPOrigins) == 0 {
		c.RPOrigins = d.RPOrigins
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
}

// Validate checks the relying party settings.
func (c Config) Validate() error {
	var errs []error
	if c.RPID == "" {
		errs = append(errs, errors.New("webauthn rp_id is required"))
	}
	if len(c.RPOrigins) == 0 {
		errs = append(errs, errors.New("webauthn rp_origins must not be empty"))
	}
	if c.SessionTTL < 0 {
		errs = append(errs, errors.New("webauthn session_ttl must not be negative"))
	}
	return errors.Join(errs...)
}
