// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"time"
)

// runPasskey handles "passkey <subcommand>". Enrollment needs a platform
// authenticator and is not offered from the terminal.
func (r *Runner) runPasskey(ctx context.Context, app *App, args *ArgParser) (any, error) {
	switch sub := args.Positional(1); sub {
	case "", "list", "ls":
		records, err := app.Biometric.List(ctx, app.UserID)
		if err != nil {
			return nil, err
		}
		out := make([]PasskeyInfo, 0, len(records))
		for _, rec := range records {
			out = append(out, PasskeyInfo{
				ID:          rec.ID,
				DeviceLabel: rec.DeviceLabel,
				CreatedAt:   rec.CreatedAt,
				LastUsedAt:  rec.LastUsedAt,
			})
		}

		if len(out) == 0 {
			r.say("%s", DimStyle.Render("No passkeys enrolled."))
		}
		for _, p := range out {
			used := "never"
			if p.LastUsedAt != nil {
				used = p.LastUsedAt.Local().Format(time.DateTime)
			}
			r.say("%s  %s  %s", p.ID, ValueStyle.Render(p.DeviceLabel),
				DimStyle.Render("added "+p.CreatedAt.Local().Format(time.DateOnly)+", last used "+used))
		}
		return out, nil

	case "remove", "rm":
		id := args.Positional(2)
		if id == "" {
			return nil, usageErrorf("usage: locksmith passkey remove <id>")
		}
		if err := app.Idle.RemovePasskey(ctx, app.UserID, id); err != nil {
			return nil, err
		}
		r.ok("Passkey removed")
		return ActionResult{Action: "remove"}, nil

	default:
		return nil, usageErrorf("unknown passkey subcommand %q", sub)
	}
}
