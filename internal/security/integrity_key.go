// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// IntegrityKeyEnvVar holds a hex-encoded integrity key. It takes priority
// over the key file.
const IntegrityKeyEnvVar = "LOCKSMITH_INTEGRITY_KEY"

// MinIntegrityKeyLength is the minimum key length in bytes (256 bits).
const MinIntegrityKeyLength = 32

var (
	// ErrInvalidIntegrityKey is returned for short or malformed keys.
	ErrInvalidIntegrityKey = fmt.Errorf("invalid integrity key: must be at least %d bytes", MinIntegrityKeyLength)

	// ErrKeyFilePermissions is returned when the key file is readable by others.
	ErrKeyFilePermissions = errors.New("key file has insecure permissions - must be 0600 or more restrictive")
)

// KeySource identifies where the integrity key was loaded from.
type KeySource string

const (
	KeySourceEnv       KeySource = "environment"
	KeySourceFile      KeySource = "file"
	KeySourceGenerated KeySource = "generated"
)

// LoadIntegrityKey returns the key that signs attempt state so the state
// survives across processes sharing a session directory.
//
// Sources in order: LOCKSMITH_INTEGRITY_KEY, the file at path, and finally a
// fresh random key written to path with mode 0600. A set but invalid
// environment value is an error, never a fall through.
func LoadIntegrityKey(path string) ([]byte, KeySource, error) {
	if raw := os.Getenv(IntegrityKeyEnvVar); raw != "" {
		key, err := decodeKey(raw)
		if err != nil {
			return nil, KeySourceEnv, fmt.Errorf("%s: %w", IntegrityKeyEnvVar, err)
		}
		return key, KeySourceEnv, nil
	}

	if path == "" {
		return nil, KeySourceFile, errors.New("integrity key path is required")
	}

	key, err := loadKeyFile(path)
	if err == nil {
		return key, KeySourceFile, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, KeySourceFile, err
	}

	key, err = generateSecureRandom(MinIntegrityKeyLength)
	if err != nil {
		return nil, KeySourceGenerated, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, KeySourceGenerated, fmt.Errorf("failed to create key directory: %w", err)
	}
	// O_EXCL so two processes racing on first start cannot both win.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			key, err := loadKeyFile(path)
			return key, KeySourceFile, err
		}
		return nil, KeySourceGenerated, fmt.Errorf("failed to create key file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		return nil, KeySourceGenerated, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, KeySourceGenerated, fmt.Errorf("failed to sync key file: %w", err)
	}
	return key, KeySourceGenerated, nil
}

func loadKeyFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if runtime.GOOS != "windows" {
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			return nil, fmt.Errorf("%w: file %s has mode %o", ErrKeyFilePermissions, path, mode)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return decodeKey(string(data))
}

// decodeKey accepts hex only, so a short passphrase cannot pass as a key.
func decodeKey(raw string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: key must be hex-encoded", ErrInvalidIntegrityKey)
	}
	if len(key) < MinIntegrityKeyLength {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidIntegrityKey, len(key))
	}
	return key, nil
}
