// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli is the operator shell for the documents lock and the idle
// session lock.
//
// Every command opens the configured store, runs one operation and exits
// with 0 on success or 1 on any error. Lock state, attempt counters and the
// integrity key live on disk, so a lockout started by one invocation holds
// for the next.
//
// Examples:
//
//	locksmith doclock set-password
//	locksmith doclock configure --trigger after_idle --idle-timeout 10
//	locksmith --json doclock unlock --password "$PW"
//	locksmith idle wipe-on-max on --confirm
//	locksmith signout
package cli
