// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security implements the local credential lockout and idle session
// controls.
//
// Two independent lock domains share the same building blocks:
//   - DocumentLock gates the documents view behind a secondary password.
//   - IdleSession locks the whole session after inactivity and can wipe local
//     data once its unlock attempts are exhausted.
//
// Each domain owns an AttemptThrottle kept in session storage. Passwords are
// stored as bcrypt digests through PasswordHasher. BiometricBridge adds a
// passkey unlock path for the idle lock that never consumes password
// attempts. Security events go to an AuditSink.
package security
