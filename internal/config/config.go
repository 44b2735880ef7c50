// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/jeranaias/locksmith/internal/logging"
	"github.com/jeranaias/locksmith/internal/passkey"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LOCKSMITH_"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete locksmith configuration.
type Config struct {
	// DataDir holds the database, the persistent store and the integrity key.
	DataDir string `toml:"data_dir" env:"DATA_DIR"`
	// DatabasePath defaults to DataDir/locksmith.db.
	DatabasePath string `toml:"database_path" env:"DATABASE_PATH"`
	// CacheDir holds cached sensitive data removed on wipe.
	CacheDir string `toml:"cache_dir" env:"CACHE_DIR"`
	// SessionDir holds the session-scoped attempt state.
	SessionDir string `toml:"session_dir" env:"SESSION_DIR"`
	// IntegrityKeyPath defaults to DataDir/integrity.key.
	IntegrityKeyPath string `toml:"integrity_key_path" env:"INTEGRITY_KEY_PATH"`

	Logging  LoggingConfig  `toml:"logging"  envPrefix:"LOG_"`
	Audit    AuditConfig    `toml:"audit"    envPrefix:"AUDIT_"`
	Security SecurityConfig `toml:"security" envPrefix:"SECURITY_"`
	Passkey  passkey.Config `toml:"passkey"  envPrefix:"WEBAUTHN_"`
}

// LoggingConfig controls the operational log.
type LoggingConfig struct {
	Level string `toml:"level" env:"LEVEL"`
	JSON  bool   `toml:"json"  env:"JSON"`
}

// AuditConfig controls the security event trail.
type AuditConfig struct {
	Enabled bool `toml:"enabled" env:"ENABLED"`
	// Path defaults to DataDir/audit.log.
	Path      string `toml:"path"        env:"PATH"`
	MaxSizeMB int    `toml:"max_size_mb" env:"MAX_SIZE_MB"`
}

// SecurityConfig tunes the lock controllers.
type SecurityConfig struct {
	// WarningLead is how long before an idle lock the warning fires.
	WarningLead time.Duration `toml:"warning_lead" env:"WARNING_LEAD"`
	// UnlockDebounce refuses unlock submissions closer together than this.
	UnlockDebounce time.Duration `toml:"unlock_debounce" env:"UNLOCK_DEBOUNCE"`
	// IdleLockout is the lockout window after too many idle unlock failures.
	IdleLockout time.Duration `toml:"idle_lockout" env:"IDLE_LOCKOUT"`
	HashCost    int           `toml:"hash_cost"    env:"HASH_COST"`
}

// DefaultSessionDir returns the per-user session directory: under
// XDG_RUNTIME_DIR when set, else a uid-suffixed directory in the temp dir.
func DefaultSessionDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "locksmith")
	}
	name := "locksmith-session"
	if uid := os.Getuid(); uid >= 0 {
		name += "-" + strconv.Itoa(uid)
	}
	return filepath.Join(os.TempDir(), name)
}

// Default returns the built-in configuration rooted at ~/.locksmith.
func Default() *Config {
	dir, err := ConfigDir()
	if err != nil {
		dir = ".locksmith"
	}
	return &Config{
		DataDir:          dir,
		DatabasePath:     filepath.Join(dir, "locksmith.db"),
		CacheDir:         filepath.Join(dir, "cache"),
		SessionDir:       DefaultSessionDir(),
		IntegrityKeyPath: filepath.Join(dir, "integrity.key"),
		Logging: LoggingConfig{
			Level: "warn",
		},
		Audit: AuditConfig{
			Enabled:   true,
			Path:      filepath.Join(dir, "audit.log"),
			MaxSizeMB: 10,
		},
		Security: SecurityConfig{
			WarningLead:    30 * time.Second,
			UnlockDebounce: 500 * time.Millisecond,
			IdleLockout:    15 * time.Minute,
			HashCost:       10,
		},
		Passkey: passkey.DefaultConfig(),
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the locksmith configuration directory.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".locksmith"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions tightens a config file to 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads ~/.locksmith/config.toml when present, otherwise the defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}
	return finish(Default())
}

// LoadFromPath loads the TOML file at path, applies env overrides and
// validates the result.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	return finish(cfg)
}

// LoadTOML decodes path into cfg and fills missing values.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	fillDefaults(cfg, md)
	return nil
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.derivePaths()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills zero values left by a partial file. Booleans the file
// set explicitly are kept.
func fillDefaults(cfg *Config, md toml.MetaData) {
	d := Default()

	if cfg.DataDir == "" {
		cfg.DataDir = d.DataDir
	}
	if cfg.SessionDir == "" {
		cfg.SessionDir = d.SessionDir
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if !md.IsDefined("audit", "enabled") {
		cfg.Audit.Enabled = d.Audit.Enabled
	}
	if cfg.Audit.MaxSizeMB == 0 {
		cfg.Audit.MaxSizeMB = d.Audit.MaxSizeMB
	}
	if !md.IsDefined("security", "warning_lead") {
		cfg.Security.WarningLead = d.Security.WarningLead
	}
	if !md.IsDefined("security", "unlock_debounce") {
		cfg.Security.UnlockDebounce = d.Security.UnlockDebounce
	}
	if cfg.Security.IdleLockout == 0 {
		cfg.Security.IdleLockout = d.Security.IdleLockout
	}
	if cfg.Security.HashCost == 0 {
		cfg.Security.HashCost = d.Security.HashCost
	}

	p := &cfg.Passkey
	if p.RPDisplayName == "" {
		p.RPDisplayName = d.Passkey.RPDisplayName
	}
	if p.RPID == "" {
		p.RPID = d.Passkey.RPID
	}
	if len(p.RPOrigins) == 0 {
		p.RPOrigins = d.Passkey.RPOrigins
	}
	if p.SessionTTL == 0 {
		p.SessionTTL = d.Passkey.SessionTTL
	}
}

// derivePaths places files left unset under DataDir.
func (c *Config) derivePaths() {
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "locksmith.db")
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.DataDir, "cache")
	}
	if c.IntegrityKeyPath == "" {
		c.IntegrityKeyPath = filepath.Join(c.DataDir, "integrity.key")
	}
	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(c.DataDir, "audit.log")
	}
}

// ApplyEnvOverrides overlays LOCKSMITH_* variables onto c.
func (c *Config) ApplyEnvOverrides() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment overrides: %w", err)
	}
	return nil
}

// StoreDir is the persistent local store directory.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration. The returned error is ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.DataDir == "" {
		add("data_dir", "must not be empty")
	}
	if c.SessionDir == "" {
		add("session_dir", "must not be empty")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if c.Audit.MaxSizeMB < 0 {
		add("audit.max_size_mb", "must not be negative")
	}
	if c.Security.WarningLead < 0 {
		add("security.warning_lead", "must not be negative")
	}
	if c.Security.UnlockDebounce < 0 || c.Security.UnlockDebounce > 10*time.Second {
		add("security.unlock_debounce", "must be between 0s and 10s, got %s", c.Security.UnlockDebounce)
	}
	if c.Security.IdleLockout < time.Minute || c.Security.IdleLockout > 24*time.Hour {
		add("security.idle_lockout", "must be between 1m and 24h, got %s", c.Security.IdleLockout)
	}
	if c.Security.HashCost < 4 || c.Security.HashCost > 31 {
		add("security.hash_cost", "must be between 4 and 31, got %d", c.Security.HashCost)
	}
	if err := c.Passkey.Validate(); err != nil {
		for _, e := range unjoin(err) {
			add("passkey", "%s", e.Error())
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// IsValidation reports whether err carries ValidateErrors.
func IsValidation(err error) bool {
	var v ValidateErrors
	return errors.As(err, &v)
}
