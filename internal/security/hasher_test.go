// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestBcryptHasher_RoundTrip(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)
	ctx := context.Background()

	digest, err := h.Hash(ctx, "hunter2")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if digest == "hunter2" || !strings.HasPrefix(digest, "$2") {
		t.Fatalf("unexpected digest %q", digest)
	}

	ok, err := h.Verify(ctx, "hunter2", digest)
	if err != nil || !ok {
		t.Fatalf("Verify(correct) = %v, %v", ok, err)
	}
	ok, err = h.Verify(ctx, "hunter3", digest)
	if err != nil || ok {
		t.Fatalf("Verify(wrong) = %v, %v; want false, nil", ok, err)
	}
}

func TestBcryptHasher_SaltsEachHash(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)
	a, _ := h.Hash(context.Background(), "same")
	b, _ := h.Hash(context.Background(), "same")
	if a == b {
		t.Fatal("two hashes of the same secret are identical")
	}
}

func TestBcryptHasher_Errors(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)

	if _, err := h.Hash(context.Background(), ""); !errors.Is(err, ErrEmptyPassword) {
		t.Fatalf("Hash(\"\") = %v, want ErrEmptyPassword", err)
	}
	if _, err := h.Verify(context.Background(), "x", "not-a-bcrypt-digest"); err == nil {
		t.Fatal("Verify with malformed digest should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Hash(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Hash with cancelled ctx = %v", err)
	}
}

func TestNewBcryptHasher_CostFallback(t *testing.T) {
	if got := NewBcryptHasher(99).cost; got != DefaultHashCost {
		t.Errorf("cost = %d, want %d", got, DefaultHashCost)
	}
	if got := NewBcryptHasher(0).cost; got != DefaultHashCost {
		t.Errorf("cost = %d, want %d", got, DefaultHashCost)
	}
}
