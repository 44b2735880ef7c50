// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultHashCost is the bcrypt work factor for lock passwords.
const DefaultHashCost = 10

// PasswordHasher hashes and verifies lock passwords.
type PasswordHasher interface {
	Hash(ctx context.Context, secret string) (string, error)
	// Verify reports whether secret matches digest. A mismatch is not an error.
	Verify(ctx context.Context, secret, digest string) (bool, error)
}

// BcryptHasher implements PasswordHasher with bcrypt.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher returns a hasher using cost, or DefaultHashCost when cost
// is outside bcrypt's range.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultHashCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash returns the bcrypt digest of secret.
func (h *BcryptHasher) Hash(ctx context.Context, secret string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if secret == "" {
		return "", ErrEmptyPassword
	}
	pw := []byte(secret)
	defer clearBytes(pw)
	digest, err := bcrypt.GenerateFromPassword(pw, h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(digest), nil
}

// Verify compares secret against digest.
func (h *BcryptHasher) Verify(ctx context.Context, secret, digest string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	pw := []byte(secret)
	defer clearBytes(pw)
	err := bcrypt.CompareHashAndPassword([]byte(digest), pw)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("failed to verify password: %w", err)
	}
}
