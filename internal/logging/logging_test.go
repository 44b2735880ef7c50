// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{" warning ", slog.LevelWarn},
		{"err", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLevel("loud"); !errors.Is(err, ErrInvalidLevel) {
		t.Errorf("ParseLevel(loud) error = %v", err)
	}
}

func TestNewJSONRedacts(t *testing.T) {
	var buf bytes.Buffer
	lg, level, err := New(Options{Level: "info", JSON: true, Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if level != slog.LevelInfo {
		t.Fatalf("level = %v", level)
	}

	lg.Debug("hidden")
	lg.Info("set password", "password", "hunter2", "user", "u1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug line logged at info level")
	}
	if strings.Contains(out, "hunter2") {
		t.Errorf("password leaked: %s", out)
	}
	if !strings.Contains(out, `"password":"[REDACTED]"`) {
		t.Errorf("missing redaction marker: %s", out)
	}
}

func TestNewInvalidLevel(t *testing.T) {
	if _, _, err := New(Options{Level: "verbose"}); err == nil {
		t.Fatal("expected error")
	}
}
