// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/locksmith/internal/clock"
)

// unlockGuard serializes unlock submissions: one verification at a time, and
// at most one submission per debounce window.
type unlockGuard struct {
	mu       sync.Mutex
	inFlight bool
	limiter  *rate.Limiter
	clock    clock.Clock
}

func newUnlockGuard(debounce time.Duration, clk clock.Clock) *unlockGuard {
	g := &unlockGuard{clock: clk}
	if debounce > 0 {
		g.limiter = rate.NewLimiter(rate.Every(debounce), 1)
	}
	return g
}

// acquire reports whether a submission may proceed. Callers that get true
// must call release.
func (g *unlockGuard) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight {
		return false
	}
	if g.limiter != nil && !g.limiter.AllowN(g.clock.Now(), 1) {
		return false
	}
	g.inFlight = true
	return true
}

func (g *unlockGuard) release() {
	g.mu.Lock()
	g.inFlight = false
	g.mu.Unlock()
}
