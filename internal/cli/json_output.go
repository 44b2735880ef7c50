// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"io"
	"time"
)

// JSONResponse is the envelope every command prints in --json mode.
type JSONResponse struct {
	Success   bool    `json:"success"`
	Data      any     `json:"data"`
	Error     *string `json:"error"`
	Code      string  `json:"code,omitempty"`
	Timestamp string  `json:"timestamp"`
	Command   string  `json:"command,omitempty"`
}

// NewJSONResponse creates a successful response.
func NewJSONResponse(command string, data any) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// NewJSONErrorResponse creates an error response. Known lock errors carry a
// machine-readable code and their detail in Data.
func NewJSONErrorResponse(command string, err error) *JSONResponse {
	msg := err.Error()
	code, data := describeError(err)
	return &JSONResponse{
		Success:   false,
		Data:      data,
		Error:     &msg,
		Code:      code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// Print writes the response as indented JSON.
func (r *JSONResponse) Print(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

// =============================================================================
// COMMAND DATA
// =============================================================================

// DocLockStatus is the data of "doclock status".
type DocLockStatus struct {
	Enabled          bool   `json:"enabled"`
	HasPassword      bool   `json:"has_password"`
	Trigger          string `json:"trigger"`
	IdleTimeoutMin   int    `json:"idle_timeout_minutes"`
	MaxAttempts      int    `json:"max_attempts"`
	LockoutMin       int    `json:"lockout_duration_minutes"`
	View             string `json:"view"`
	FailedAttempts   int    `json:"failed_attempts"`
	RemainingSeconds int    `json:"remaining_lockout_seconds,omitempty"`
}

// IdleStatus is the data of "idle status".
type IdleStatus struct {
	Enabled           bool   `json:"enabled"`
	HasPassword       bool   `json:"has_password"`
	TimeoutMinutes    int    `json:"timeout_minutes"`
	MaxUnlockAttempts int    `json:"max_unlock_attempts"`
	WipeOnMaxAttempts bool   `json:"wipe_on_max_attempts"`
	BiometricUnlock   bool   `json:"biometric_unlock"`
	SoundAlerts       bool   `json:"sound_alerts"`
	FailedAttempts    int    `json:"failed_attempts"`
	RemainingSeconds  int    `json:"remaining_lockout_seconds,omitempty"`
	Passkeys          int    `json:"passkeys"`
	State             string `json:"state,omitempty"`
}

// PasskeyInfo is one entry of "passkey list".
type PasskeyInfo struct {
	ID          string     `json:"id"`
	DeviceLabel string     `json:"device_label"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// ActionResult is the data of commands that change state.
type ActionResult struct {
	Action string `json:"action"`
	Locked *bool  `json:"locked,omitempty"`
}
