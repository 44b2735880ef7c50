// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresDueTimersInOrder(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(2*time.Minute, func() { fired = append(fired, "second") })
	c.AfterFunc(1*time.Minute, func() { fired = append(fired, "first") })
	c.AfterFunc(10*time.Minute, func() { fired = append(fired, "late") })

	c.Advance(5 * time.Minute)

	require.Equal(t, []string{"first", "second"}, fired)
	require.Equal(t, start.Add(5*time.Minute), c.Now())
	require.Equal(t, 1, c.Pending())
}

func TestFakeStoppedTimerDoesNotFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	require.False(t, timer.Stop())

	c.Advance(time.Minute)
	require.False(t, fired)
}

func TestFakeCallbackCanReschedule(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	require.Equal(t, 3, count)
}
