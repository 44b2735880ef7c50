//go:build !unix && !windows

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import "os"

// Platforms without file locks only get the in-process mutex.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
