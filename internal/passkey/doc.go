// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package passkey runs WebAuthn registration and assertion ceremonies against
// a platform authenticator and keeps the resulting credentials in the
// identity store. Provider is the PasskeyProvider behind the biometric
// unlock path.
package passkey
