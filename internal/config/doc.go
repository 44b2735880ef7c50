// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads the locksmith configuration.
//
// Configuration is read from (in order of precedence):
//   - Environment variables (LOCKSMITH_*, e.g. LOCKSMITH_SECURITY_IDLE_LOCKOUT=20m)
//   - ~/.locksmith/config.toml, or the file given with --config
//   - Built-in defaults
//
// Example file:
//
//	data_dir = "/var/lib/locksmith"
//
//	[logging]
//	level = "info"
//
//	[security]
//	warning_lead = "45s"
//	idle_lockout = "15m"
//
//	[passkey]
//	rp_id = "example.com"
//	rp_origins = ["https://example.com"]
package config
