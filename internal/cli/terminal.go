// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// =============================================================================
// TTY DETECTION
// =============================================================================

// IsTTY returns true if stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// IsStdoutTTY returns true if stdout is a terminal.
func IsStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// =============================================================================
// COLOR OUTPUT CONTROL
// =============================================================================

var (
	colorsEnabled     bool
	colorsEnabledOnce sync.Once
)

// ColorsEnabled returns true if colored output should be used.
// NO_COLOR disables colors, FORCE_COLOR enables them, otherwise stdout
// must be a terminal.
func ColorsEnabled() bool {
	colorsEnabledOnce.Do(func() {
		if os.Getenv("NO_COLOR") != "" {
			colorsEnabled = false
			return
		}
		if os.Getenv("FORCE_COLOR") != "" {
			colorsEnabled = true
			return
		}
		colorsEnabled = IsStdoutTTY()
	})
	return colorsEnabled
}

// GetColorProfile returns Ascii when colors are disabled, otherwise the
// profile termenv detects.
func GetColorProfile() termenv.Profile {
	if !ColorsEnabled() {
		return termenv.Ascii
	}
	return termenv.ColorProfile()
}

// =============================================================================
// PASSWORD INPUT
// =============================================================================

// TTYRequiredError is returned when a secret must be typed but stdin is not a
// terminal and no flag supplied it.
type TTYRequiredError struct {
	Operation string
}

func (e *TTYRequiredError) Error() string {
	return "stdin is not a terminal; pass --" + e.Operation + " or run interactively"
}

// PasswordReader reads secrets without echo.
type PasswordReader func(prompt string) (string, error)

// terminalPassword prompts on w and reads from the terminal without echo.
// Piped stdin falls back to readLine.
func terminalPassword(in io.Reader, w io.Writer, readLine func() (string, error)) PasswordReader {
	return func(prompt string) (string, error) {
		if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			fmt.Fprint(w, prompt)
			secret, err := term.ReadPassword(int(f.Fd()))
			fmt.Fprintln(w)
			if err != nil {
				return "", fmt.Errorf("failed to read password: %w", err)
			}
			return string(secret), nil
		}

		line, err := readLine()
		if err != nil {
			return "", &TTYRequiredError{Operation: "password"}
		}
		return line, nil
	}
}

// lineReader reads newline-terminated input, tolerating a missing final
// newline.
type lineReader struct {
	mu sync.Mutex
	r  *bufio.Reader
}

func newLineReader(in io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReader(in)}
}

func (l *lineReader) ReadLine() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line, err := l.r.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
