// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/jeranaias/locksmith/internal/config"
	"github.com/jeranaias/locksmith/internal/logging"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// DefaultUser is used when neither --user nor LOCKSMITH_USER is set.
const DefaultUser = "local"

// boolFlags never take a value.
var boolFlags = []string{"json", "confirm", "help", "h", "version", "biometric"}

const usageText = `locksmith - credential lockout and idle-session lock

Usage:
  locksmith [--config path] [--user id] [--json] <command> [subcommand] [flags]

Commands:
  doclock status                 Show the documents lock
  doclock set-password           Set the documents password (enables the lock)
  doclock change-password        Change the documents password
  doclock enable | disable       Turn the documents lock on or off
  doclock unlock                 Unlock the documents view
  doclock lock                   Lock the documents view now
  doclock enter                  Enter the view (re-locks with trigger "always")
  doclock configure              --trigger always|after_idle|manual
                                 --idle-timeout N --max-attempts N --lockout N

  idle status                    Show the idle lock
  idle set-password              Set the idle lock password (enables the lock)
  idle change-password           Change the idle lock password
  idle enable | disable          Turn the idle lock on or off
  idle unlock [--biometric]      Unlock the session
  idle configure                 --timeout 1|2|5|10|15 --max-attempts 1|3|5|10
                                 --sound on|off
  idle wipe-on-max on|off        Wipe local data after max failures (needs --confirm)
  idle biometric on|off          Allow passkey unlock
  idle run                       Run a foreground idle session; each input line
                                 is activity, or a password while locked

  passkey list                   List enrolled passkeys
  passkey remove <id>            Revoke a passkey

  signout                        Clear all local lock state and end the session
  watch                          Print documents lock changes from any process
  version                        Show version

Flags:
  --password VALUE               Password (otherwise prompted without echo)
  --old-password VALUE           Current password for change-password
  --new-password VALUE           New password for change-password
  --json                         Machine-readable output

Environment:
  LOCKSMITH_USER                 Default user id
  LOCKSMITH_*                    Config overrides, e.g. LOCKSMITH_SECURITY_IDLE_LOCKOUT=20m
  NO_COLOR                       Disable colors
`

// Runner executes commands against explicit streams.
type Runner struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer

	// ReadPassword prompts for a secret. Defaults to a no-echo terminal read.
	ReadPassword PasswordReader

	json  bool
	lines *lineReader
	outMu sync.Mutex
}

// Run executes argv with the process streams and returns the exit code.
func Run(ctx context.Context, argv []string) int {
	r := &Runner{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
	return r.Run(ctx, argv)
}

// Run executes argv and returns the process exit code: 0 on success, 1 on
// any error.
func (r *Runner) Run(ctx context.Context, argv []string) int {
	r.lines = newLineReader(r.In)
	if r.ReadPassword == nil {
		r.ReadPassword = terminalPassword(r.In, r.Err, r.lines.ReadLine)
	}
	args := NewArgParser(argv, boolFlags...)
	r.json = args.BoolFlag("json")

	cmd := args.Positional(0)
	switch {
	case args.BoolFlag("version") || cmd == "version":
		return r.finish("version", r.version(), nil)
	case cmd == "" || cmd == "help" || args.BoolFlag("help") || args.BoolFlag("h"):
		fmt.Fprint(r.Out, usageText)
		return 0
	}

	cfg, err := loadConfig(args.Flag("config"))
	if err != nil {
		return r.finish(cmd, nil, err)
	}
	logger, _, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		JSON:   cfg.Logging.JSON,
		Writer: r.Err,
	})
	if err != nil {
		return r.finish(cmd, nil, err)
	}

	user := args.FlagOrDefault("user", os.Getenv("LOCKSMITH_USER"))
	if user == "" {
		user = DefaultUser
	}

	app, err := Open(ctx, cfg, user, logger)
	if err != nil {
		return r.finish(cmd, nil, err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("failed to close", "error", err)
		}
	}()

	name := cmd
	if sub := args.Positional(1); sub != "" {
		name += " " + sub
	}
	data, err := r.dispatch(ctx, app, cmd, args)
	return r.finish(name, data, err)
}

func (r *Runner) dispatch(ctx context.Context, app *App, cmd string, args *ArgParser) (any, error) {
	switch cmd {
	case "doclock", "doc":
		return r.runDocLock(ctx, app, args)
	case "idle":
		return r.runIdle(ctx, app, args)
	case "passkey", "passkeys":
		return r.runPasskey(ctx, app, args)
	case "signout", "logout":
		return r.runSignOut(ctx, app)
	case "watch":
		return r.runWatch(ctx, app)
	default:
		return nil, usageErrorf("unknown command %q", cmd)
	}
}

// finish prints the outcome and returns the exit code.
func (r *Runner) finish(command string, data any, err error) int {
	if r.json {
		if err != nil {
			NewJSONErrorResponse(command, err).Print(r.Out)
			return 1
		}
		NewJSONResponse(command, data).Print(r.Out)
		return 0
	}
	if err != nil {
		fmt.Fprintln(r.Err, ErrorStyle.Render("Error:"), err)
		if h := hint(err); h != "" {
			fmt.Fprintln(r.Err, DimStyle.Render(h))
		}
		return 1
	}
	return 0
}

func (r *Runner) version() map[string]string {
	info := map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
		"go":         runtime.Version(),
	}
	if !r.json {
		fmt.Fprintf(r.Out, "locksmith %s (%s, built %s, %s)\n", Version, GitCommit, BuildDate, runtime.Version())
	}
	return info
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// =============================================================================
// OUTPUT HELPERS
// =============================================================================

// say prints a human line unless --json is set.
func (r *Runner) say(format string, args ...any) {
	if r.json {
		return
	}
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.Out, format+"\n", args...)
}

func (r *Runner) ok(msg string) {
	r.say("%s %s", SuccessStyle.Render("OK"), msg)
}

func (r *Runner) field(label string, value any) {
	r.say("%s%v", RenderLabel(label), value)
}

// =============================================================================
// SECRET INPUT
// =============================================================================

// secret returns the flag value or prompts for it.
func (r *Runner) secret(args *ArgParser, flag, prompt string) (string, error) {
	if v := args.Flag(flag); v != "" {
		return v, nil
	}
	return r.ReadPassword(prompt)
}

// newSecret is secret with a confirmation prompt when typed interactively.
func (r *Runner) newSecret(args *ArgParser, flag, prompt string) (string, error) {
	if v := args.Flag(flag); v != "" {
		return v, nil
	}
	first, err := r.ReadPassword(prompt)
	if err != nil {
		return "", err
	}
	again, err := r.ReadPassword("Confirm: ")
	if err != nil {
		return "", err
	}
	if first != again {
		return "", usageErrorf("passwords do not match")
	}
	return first, nil
}

// onOff parses the positional on/off argument at index.
func onOff(args *ArgParser, index int) (bool, error) {
	v := args.Positional(index)
	if v == "" {
		return false, usageErrorf("expected on or off")
	}
	b, err := ParseBoolString(v)
	if err != nil {
		return false, usageErrorf("expected on or off, got %q", v)
	}
	return b, nil
}

// optionalInt returns nil when flag is absent.
func optionalInt(args *ArgParser, flag string) (*int, error) {
	if !args.HasFlag(flag) {
		return nil, nil
	}
	n, err := args.FlagInt(flag)
	if err != nil {
		return nil, usageErrorf("%v", err)
	}
	return &n, nil
}
