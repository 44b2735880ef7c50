// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/locksmith/internal/security"
)

// runIdle handles "idle <subcommand>".
func (r *Runner) runIdle(ctx context.Context, app *App, args *ArgParser) (any, error) {
	idle := app.Idle
	user := app.UserID

	switch sub := args.Positional(1); sub {
	case "", "status":
		return r.idleStatus(ctx, app)

	case "set-password":
		pw, err := r.newSecret(args, "password", "New idle lock password: ")
		if err != nil {
			return nil, err
		}
		if err := idle.SetPassword(ctx, user, pw); err != nil {
			return nil, err
		}
		r.ok("Idle lock password set; idle lock enabled")
		return ActionResult{Action: "set-password"}, nil

	case "change-password":
		oldPW, err := r.secret(args, "old-password", "Current idle lock password: ")
		if err != nil {
			return nil, err
		}
		newPW, err := r.newSecret(args, "new-password", "New idle lock password: ")
		if err != nil {
			return nil, err
		}
		if err := idle.ChangePassword(ctx, user, oldPW, newPW); err != nil {
			return nil, err
		}
		r.ok("Idle lock password changed")
		return ActionResult{Action: "change-password"}, nil

	case "enable":
		if err := idle.Enable(ctx, user); err != nil {
			return nil, err
		}
		r.ok("Idle lock enabled")
		return ActionResult{Action: "enable"}, nil

	case "disable":
		if err := idle.Disable(ctx, user); err != nil {
			return nil, err
		}
		r.ok("Idle lock disabled")
		return ActionResult{Action: "disable"}, nil

	case "unlock":
		if args.BoolFlag("biometric") {
			if err := idle.AuthenticateWithBiometric(ctx, user); err != nil {
				return nil, err
			}
			r.ok("Session unlocked with passkey")
			return ActionResult{Action: "unlock"}, nil
		}
		pw, err := r.secret(args, "password", "Idle lock password: ")
		if err != nil {
			return nil, err
		}
		if err := idle.AttemptUnlock(ctx, user, pw); err != nil {
			return nil, err
		}
		r.ok("Session unlocked")
		return ActionResult{Action: "unlock"}, nil

	case "configure":
		prefs, err := idlePreferences(args)
		if err != nil {
			return nil, err
		}
		if err := idle.UpdatePreferences(ctx, user, prefs); err != nil {
			return nil, err
		}
		r.ok("Idle lock preferences saved")
		return r.idleStatus(ctx, app)

	case "wipe-on-max":
		enabled, err := onOff(args, 2)
		if err != nil {
			return nil, err
		}
		if err := idle.SetWipeOnMaxAttempts(ctx, user, enabled, args.BoolFlag("confirm")); err != nil {
			return nil, err
		}
		if enabled {
			r.say("%s", WarningStyle.Render("Local data will be wiped after the maximum failed unlock attempts."))
		} else {
			r.ok("Wipe on max attempts disarmed")
		}
		return ActionResult{Action: "wipe-on-max"}, nil

	case "biometric":
		enabled, err := onOff(args, 2)
		if err != nil {
			return nil, err
		}
		if err := idle.SetBiometricUnlock(ctx, user, enabled); err != nil {
			return nil, err
		}
		r.ok(fmt.Sprintf("Passkey unlock %s", map[bool]string{true: "enabled", false: "disabled"}[enabled]))
		return ActionResult{Action: "biometric"}, nil

	case "run":
		return r.runIdleSession(ctx, app)

	default:
		return nil, usageErrorf("unknown idle subcommand %q", sub)
	}
}

func idlePreferences(args *ArgParser) (security.IdlePreferences, error) {
	var prefs security.IdlePreferences
	var err error
	if prefs.TimeoutMinutes, err = optionalInt(args, "timeout"); err != nil {
		return prefs, err
	}
	if prefs.MaxUnlockAttempts, err = optionalInt(args, "max-attempts"); err != nil {
		return prefs, err
	}
	if v := args.Flag("sound"); v != "" {
		b, err := ParseBoolString(v)
		if err != nil {
			return prefs, usageErrorf("--sound expects on or off")
		}
		prefs.SoundAlerts = &b
	}
	if prefs == (security.IdlePreferences{}) {
		return prefs, usageErrorf("configure needs at least one of --timeout, --max-attempts, --sound")
	}
	return prefs, nil
}

func (r *Runner) idleStatus(ctx context.Context, app *App) (IdleStatus, error) {
	s, err := app.Repo.IdleSecurity(ctx, app.UserID)
	if err != nil {
		return IdleStatus{}, err
	}
	attempts, err := app.Idle.Throttle().State()
	if err != nil {
		return IdleStatus{}, err
	}
	passkeys, err := app.Biometric.List(ctx, app.UserID)
	if err != nil {
		return IdleStatus{}, err
	}

	status := IdleStatus{
		Enabled:           s.IdleTimeoutEnabled,
		HasPassword:       s.HasPassword(),
		TimeoutMinutes:    s.IdleTimeoutMinutes,
		MaxUnlockAttempts: s.MaxUnlockAttempts,
		WipeOnMaxAttempts: s.WipeDataOnMaxAttempts,
		BiometricUnlock:   s.BiometricUnlockEnabled,
		SoundAlerts:       s.IdleSoundAlertsEnabled,
		FailedAttempts:    attempts.FailedAttempts,
		RemainingSeconds:  app.Idle.RemainingLockoutSeconds(),
		Passkeys:          len(passkeys),
	}

	r.say("%s", TitleStyle.Render("Idle Session Lock"))
	r.say("%s", RenderSeparator(40))
	r.field("Enabled:", RenderBool(status.Enabled))
	r.field("Password set:", RenderBool(status.HasPassword))
	r.field("Timeout:", fmt.Sprintf("%d min", status.TimeoutMinutes))
	r.field("Max attempts:", status.MaxUnlockAttempts)
	wipe := RenderBool(status.WipeOnMaxAttempts)
	if status.WipeOnMaxAttempts {
		wipe = ErrorStyle.Render("ARMED")
	}
	r.field("Wipe on max:", wipe)
	r.field("Passkey unlock:", RenderBool(status.BiometricUnlock))
	r.field("Sound alerts:", RenderBool(status.SoundAlerts))
	r.field("Passkeys:", status.Passkeys)
	r.field("Failed attempts:", status.FailedAttempts)
	if status.RemainingSeconds > 0 {
		r.field("Locked out for:", WarningStyle.Render(fmt.Sprintf("%ds", status.RemainingSeconds)))
	}
	return status, nil
}

// runIdleSession runs the idle controller in the foreground until input ends
// or ctx is cancelled. While active each input line counts as activity; while
// locked the input is a password.
func (r *Runner) runIdleSession(ctx context.Context, app *App) (any, error) {
	idle := app.Idle
	user := app.UserID

	cancelWarn := idle.OnWarning(func(w security.IdleAlert) {
		bell := ""
		if w.Sound {
			bell = "\a"
		}
		r.say("%s%s", bell, WarningStyle.Render(fmt.Sprintf("Session locks in %s without activity.", w.Remaining)))
	})
	defer cancelWarn()
	cancelState := idle.OnStateChanged(func(s security.IdleState) {
		r.say("%s %s", DimStyle.Render("state:"), RenderState(s.String()))
	})
	defer cancelState()

	if err := idle.Start(ctx, user); err != nil {
		return nil, err
	}
	defer idle.Stop()
	r.say("Idle session running for %s. Press Enter to register activity, Ctrl+C to stop.", user)

	type input struct {
		text   string
		locked bool
		err    error
	}
	inputs := make(chan input)
	go func() {
		defer close(inputs)
		for {
			locked := idle.State().IsLocked()
			var in input
			if locked {
				in.text, in.err = r.ReadPassword("Session locked. Password: ")
			} else {
				in.text, in.err = r.lines.ReadLine()
			}
			in.locked = locked
			select {
			case inputs <- in:
			case <-ctx.Done():
				return
			}
			if in.err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return map[string]string{"state": idle.State().String()}, nil
		case in, ok := <-inputs:
			if !ok || in.err != nil {
				return map[string]string{"state": idle.State().String()}, nil
			}
			if !in.locked {
				idle.Activity()
				continue
			}
			err := idle.AttemptUnlock(ctx, user, in.text)
			switch {
			case err == nil:
				r.ok("Session unlocked")
			case errors.Is(err, security.ErrSessionWiped):
				return nil, err
			default:
				r.say("%s %v", ErrorStyle.Render("Unlock failed:"), err)
			}
		}
	}
}
