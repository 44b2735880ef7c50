// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package settings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jeranaias/locksmith/internal/storage"
)

const (
	cacheKindDocument = "document"
	cacheKindIdle     = "idle"
)

// Repository reads and writes lock settings, applying defaults and
// normalization once so callers always receive complete values.
//
// When a cache is configured every successful read is mirrored locally and
// served back if the identity store becomes unreachable, so unlock
// verification keeps working offline.
type Repository struct {
	store  SettingsStore
	cache  storage.Store
	logger *slog.Logger
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithCache mirrors settings into a local store for offline reads.
func WithCache(cache storage.Store) RepositoryOption {
	return func(r *Repository) {
		r.cache = cache
	}
}

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) RepositoryOption {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRepository creates a repository over store.
func NewRepository(store SettingsStore, opts ...RepositoryOption) *Repository {
	r := &Repository{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DocumentLock returns the document lock settings of userID.
func (r *Repository) DocumentLock(ctx context.Context, userID string) (DocumentLock, error) {
	patch, err := r.store.GetDocumentLock(ctx, userID)
	switch {
	case err == nil:
		d := normalizeDocumentLock(patch.Apply(DefaultDocumentLock(userID)))
		r.writeCache(userID, cacheKindDocument, d)
		return d, nil
	case errors.Is(err, ErrNotFound):
		d := DefaultDocumentLock(userID)
		r.writeCache(userID, cacheKindDocument, d)
		return d, nil
	}

	var cached DocumentLock
	if r.readCache(userID, cacheKindDocument, &cached) {
		r.logger.Warn("identity store unavailable, using cached document lock settings", "error", err)
		return normalizeDocumentLock(cached), nil
	}
	return DocumentLock{}, fmt.Errorf("load document lock settings: %w", err)
}

// UpdateDocumentLock validates and persists patch, returning the merged result.
func (r *Repository) UpdateDocumentLock(ctx context.Context, userID string, patch DocumentLockPatch) (DocumentLock, error) {
	if err := patch.Validate(); err != nil {
		return DocumentLock{}, err
	}
	if err := r.store.UpsertDocumentLock(ctx, userID, patch); err != nil {
		return DocumentLock{}, fmt.Errorf("save document lock settings: %w", err)
	}
	return r.DocumentLock(ctx, userID)
}

// IdleSecurity returns the idle security settings of userID.
func (r *Repository) IdleSecurity(ctx context.Context, userID string) (IdleSecurity, error) {
	patch, err := r.store.GetIdleSecurity(ctx, userID)
	switch {
	case err == nil:
		s := normalizeIdleSecurity(patch.Apply(DefaultIdleSecurity(userID)))
		r.writeCache(userID, cacheKindIdle, s)
		return s, nil
	case errors.Is(err, ErrNotFound):
		s := DefaultIdleSecurity(userID)
		r.writeCache(userID, cacheKindIdle, s)
		return s, nil
	}

	var cached IdleSecurity
	if r.readCache(userID, cacheKindIdle, &cached) {
		r.logger.Warn("identity store unavailable, using cached idle security settings", "error", err)
		return normalizeIdleSecurity(cached), nil
	}
	return IdleSecurity{}, fmt.Errorf("load idle security settings: %w", err)
}

// UpdateIdleSecurity validates and persists patch, returning the merged result.
func (r *Repository) UpdateIdleSecurity(ctx context.Context, userID string, patch IdleSecurityPatch) (IdleSecurity, error) {
	if err := patch.Validate(); err != nil {
		return IdleSecurity{}, err
	}
	if err := r.store.UpsertIdleSecurity(ctx, userID, patch); err != nil {
		return IdleSecurity{}, fmt.Errorf("save idle security settings: %w", err)
	}
	return r.IdleSecurity(ctx, userID)
}

// ClearCache drops every locally cached settings row.
func (r *Repository) ClearCache() error {
	if r.cache == nil {
		return nil
	}
	return storage.DeletePrefix(r.cache, storage.SettingsCachePrefix)
}

// CacheKey returns the local key holding the cached kind of settings for
// userID. User ids are hashed so arbitrary ids map to valid keys.
func CacheKey(userID, kind string) string {
	sum := sha256.Sum256([]byte(userID))
	return storage.SettingsCachePrefix + hex.EncodeToString(sum[:8]) + "." + kind
}

func (r *Repository) writeCache(userID, kind string, v any) {
	if r.cache == nil {
		return
	}
	if err := storage.SetJSON(r.cache, CacheKey(userID, kind), v); err != nil {
		r.logger.Warn("failed to cache settings", "kind", kind, "error", err)
	}
}

func (r *Repository) readCache(userID, kind string, v any) bool {
	if r.cache == nil {
		return false
	}
	ok, err := storage.GetJSON(r.cache, CacheKey(userID, kind), v)
	if err != nil {
		r.logger.Warn("failed to read cached settings", "kind", kind, "error", err)
		return false
	}
	return ok
}
