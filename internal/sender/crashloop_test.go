package sender

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCrashLoopGuardS4 follows spec.md's S4 literal scenario: start events
// at t=0..9 seconds (10 starts in 10s). At the 10th start the guard must
// trip; a subsequent 10-in-60s spike after the cooldown must go hard-dead.
func TestCrashLoopGuardS4(t *testing.T) {
	g := &CrashLoopGuard{}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var tripped bool
	var lastStart time.Time
	for i := 0; i < 10; i++ {
		lastStart = base.Add(time.Duration(i) * time.Second)
		tripped = g.RecordStart(lastStart)
	}
	assert.True(t, tripped, "the 10th start within 10s must trip the guard")
	assert.False(t, g.HardDead(base), "first trip is a soft-fail, not hard-dead")
	assert.False(t, g.Allowed(base.Add(time.Second)), "must stay cooled down immediately after tripping")

	wake := lastStart.Add(softFailSleep + time.Second)
	assert.True(t, g.Allowed(wake), "must resume after the 10 minute cooldown")

	for i := 0; i < 9; i++ {
		tripped = g.RecordStart(wake.Add(time.Duration(i) * time.Second))
		assert.False(t, tripped)
	}
	tripped = g.RecordStart(wake.Add(9 * time.Second))
	assert.True(t, tripped, "a second 10-in-60s spike after waking must trip again")
	assert.True(t, g.HardDead(wake), "second trip must be permanent hard-dead")
	assert.False(t, g.Allowed(wake.Add(24*time.Hour)), "hard-dead never resumes spawning")
}

func TestCrashLoopGuardDoesNotTripUnderThreshold(t *testing.T) {
	g := &CrashLoopGuard{}
	base := time.Now()
	for i := 0; i < 9; i++ {
		tripped := g.RecordStart(base.Add(time.Duration(i) * time.Second))
		assert.False(t, tripped)
	}
	assert.True(t, g.Allowed(base.Add(9*time.Second)))
}

func TestCrashLoopGuardEventsOutsideWindowDoNotAccumulate(t *testing.T) {
	g := &CrashLoopGuard{}
	base := time.Now()
	for i := 0; i < 9; i++ {
		g.RecordStart(base.Add(time.Duration(i) * time.Minute))
	}
	assert.True(t, g.Allowed(base.Add(9*time.Minute)), "events a minute apart never share a 60s window")
}

func TestCrashLoopGuardStatusDueThrottlesToOncePerMinute(t *testing.T) {
	g := &CrashLoopGuard{}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var lastStart time.Time
	for i := 0; i < 10; i++ {
		lastStart = base.Add(time.Duration(i) * time.Second)
		g.RecordStart(lastStart)
	}
	wake := lastStart.Add(softFailSleep + time.Second)
	var afterTrip time.Time
	for i := 0; i < 10; i++ {
		afterTrip = wake.Add(time.Duration(i) * time.Second)
		g.RecordStart(afterTrip)
	}
	require.True(t, g.HardDead(afterTrip))

	assert.True(t, g.StatusDue(afterTrip), "first check after going hard-dead must log")
	assert.False(t, g.StatusDue(afterTrip.Add(10*time.Second)), "must not log again inside the same minute")
	assert.True(t, g.StatusDue(afterTrip.Add(61*time.Second)))
}
