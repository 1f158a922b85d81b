// Package sched abstracts the host's cooperative scheduling primitives
// (frame callbacks, idle callbacks, timers) behind one interface so the
// scheduler components run identically under a live event loop and under
// a deterministic test driver.
package sched

import "time"

// Token identifies a scheduled callback for cancellation.
type Token uint64

// Scheduler hands out one-shot callbacks on a single execution context.
// Callbacks never run concurrently with each other; components re-arm
// themselves by scheduling again from inside the callback.
type Scheduler interface {
	// ScheduleFrame requests fn on the next frame boundary.
	ScheduleFrame(fn func(now time.Time)) Token

	// ScheduleIdle requests fn when the loop has spare time. The budget
	// is the caller's requested work allowance; the deadline passed to
	// fn reflects how much of it was actually granted. Implementations
	// bound the wait so idle work is never starved forever.
	ScheduleIdle(budget time.Duration, fn func(now, deadline time.Time)) Token

	// ScheduleTimer requests fn once, no earlier than d from now.
	ScheduleTimer(d time.Duration, fn func(now time.Time)) Token

	// Cancel drops a pending callback. Unknown or already-fired tokens
	// are ignored.
	Cancel(tok Token)

	// IdleCapable reports whether ScheduleIdle is backed by a real idle
	// signal. Consumers fall back to timer-driven pacing when false.
	IdleCapable() bool

	// Now returns the scheduler's clock reading.
	Now() time.Time
}
