// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"

	"github.com/jeranaias/locksmith/internal/security"
	"github.com/jeranaias/locksmith/internal/settings"
)

// runDocLock handles "doclock <subcommand>".
func (r *Runner) runDocLock(ctx context.Context, app *App, args *ArgParser) (any, error) {
	lock := app.DocLock
	user := app.UserID

	switch sub := args.Positional(1); sub {
	case "", "status":
		return r.docLockStatus(ctx, app)

	case "set-password":
		pw, err := r.newSecret(args, "password", "New documents password: ")
		if err != nil {
			return nil, err
		}
		if err := lock.SetPassword(ctx, user, pw); err != nil {
			return nil, err
		}
		r.ok("Documents password set; lock enabled")
		return ActionResult{Action: "set-password"}, nil

	case "change-password":
		oldPW, err := r.secret(args, "old-password", "Current documents password: ")
		if err != nil {
			return nil, err
		}
		newPW, err := r.newSecret(args, "new-password", "New documents password: ")
		if err != nil {
			return nil, err
		}
		if err := lock.ChangePassword(ctx, user, oldPW, newPW); err != nil {
			return nil, err
		}
		r.ok("Documents password changed")
		return ActionResult{Action: "change-password"}, nil

	case "enable":
		if err := lock.Enable(ctx, user); err != nil {
			return nil, err
		}
		r.ok("Documents lock enabled")
		return r.lockResult("enable", lock), nil

	case "disable":
		if err := lock.Disable(ctx, user); err != nil {
			return nil, err
		}
		r.ok("Documents lock disabled")
		return r.lockResult("disable", lock), nil

	case "unlock":
		if !lock.IsLocked() {
			r.ok("Documents are not locked")
			return r.lockResult("unlock", lock), nil
		}
		pw, err := r.secret(args, "password", "Documents password: ")
		if err != nil {
			return nil, err
		}
		if err := lock.AttemptUnlock(ctx, user, pw); err != nil {
			return nil, err
		}
		r.ok("Documents unlocked")
		return r.lockResult("unlock", lock), nil

	case "lock":
		if err := lock.LockNow(ctx, user); err != nil {
			return nil, err
		}
		r.ok("Documents locked")
		return r.lockResult("lock", lock), nil

	case "enter":
		if err := lock.EnterView(ctx, user); err != nil {
			return nil, err
		}
		r.say("Documents view: %s", RenderState(lock.View().State.String()))
		return r.lockResult("enter", lock), nil

	case "configure":
		prefs, err := docLockPreferences(args)
		if err != nil {
			return nil, err
		}
		if err := lock.UpdatePreferences(ctx, user, prefs); err != nil {
			return nil, err
		}
		r.ok("Documents lock preferences saved")
		return r.docLockStatus(ctx, app)

	default:
		return nil, usageErrorf("unknown doclock subcommand %q", sub)
	}
}

func (r *Runner) lockResult(action string, lock *security.DocumentLock) ActionResult {
	locked := lock.IsLocked()
	return ActionResult{Action: action, Locked: &locked}
}

func docLockPreferences(args *ArgParser) (security.DocumentLockPreferences, error) {
	var prefs security.DocumentLockPreferences
	var err error
	if v := args.Flag("trigger"); v != "" {
		t := settings.Trigger(v)
		prefs.Trigger = &t
	}
	if prefs.IdleTimeoutMinutes, err = optionalInt(args, "idle-timeout"); err != nil {
		return prefs, err
	}
	if prefs.MaxAttempts, err = optionalInt(args, "max-attempts"); err != nil {
		return prefs, err
	}
	if prefs.LockoutDurationMinutes, err = optionalInt(args, "lockout"); err != nil {
		return prefs, err
	}
	if prefs == (security.DocumentLockPreferences{}) {
		return prefs, usageErrorf("configure needs at least one of --trigger, --idle-timeout, --max-attempts, --lockout")
	}
	return prefs, nil
}

func (r *Runner) docLockStatus(ctx context.Context, app *App) (DocLockStatus, error) {
	s, err := app.DocLock.Settings(ctx, app.UserID)
	if err != nil {
		return DocLockStatus{}, err
	}
	view := app.DocLock.View()
	attempts, err := app.DocLock.Throttle().State()
	if err != nil {
		return DocLockStatus{}, err
	}

	status := DocLockStatus{
		Enabled:          s.LockEnabled,
		HasPassword:      s.HasPassword(),
		Trigger:          string(s.LockTrigger),
		IdleTimeoutMin:   s.IdleTimeoutMinutes,
		MaxAttempts:      s.MaxAttempts,
		LockoutMin:       s.LockoutDurationMinutes,
		View:             view.State.String(),
		FailedAttempts:   attempts.FailedAttempts,
		RemainingSeconds: view.RemainingSeconds,
	}

	r.say("%s", TitleStyle.Render("Documents Lock"))
	r.say("%s", RenderSeparator(40))
	r.field("Enabled:", RenderBool(status.Enabled))
	r.field("Password set:", RenderBool(status.HasPassword))
	r.field("Trigger:", status.Trigger)
	if s.LockTrigger == settings.TriggerAfterIdle {
		r.field("Idle timeout:", fmt.Sprintf("%d min", status.IdleTimeoutMin))
	}
	r.field("Max attempts:", status.MaxAttempts)
	r.field("Lockout:", fmt.Sprintf("%d min", status.LockoutMin))
	r.field("View:", RenderState(status.View))
	r.field("Failed attempts:", status.FailedAttempts)
	if status.RemainingSeconds > 0 {
		r.field("Locked out for:", WarningStyle.Render(fmt.Sprintf("%ds", status.RemainingSeconds)))
	}
	return status, nil
}
