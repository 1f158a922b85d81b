package sched

import (
	"sort"
	"sync"
	"time"
)

// DefaultFramePeriod is the virtual frame length Manual advances by on
// each StepFrame.
const DefaultFramePeriod = 16 * time.Millisecond

// DefaultIdleGrant is the idle allowance Run hands to each idle step.
const DefaultIdleGrant = 10 * time.Millisecond

type frameEntry struct {
	tok Token
	fn  func(now time.Time)
}

type idleEntry struct {
	tok    Token
	budget time.Duration
	fn     func(now, deadline time.Time)
}

type timerEntry struct {
	tok Token
	due time.Time
	fn  func(now time.Time)
}

// Manual is a deterministic Scheduler driven by explicit steps. The
// clock is virtual and only moves through StepFrame and Advance, so a
// given call sequence always produces the identical callback sequence.
// It is the scheduler behind every unit test and the simulation runner.
type Manual struct {
	mu          sync.Mutex
	now         time.Time
	next        Token
	frames      []frameEntry
	idles       []idleEntry
	timers      []timerEntry // sorted by due, FIFO within equal due
	framePeriod time.Duration
	idleOK      bool
}

// NewManual creates a manual scheduler with its clock at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, next: 1, framePeriod: DefaultFramePeriod, idleOK: true}
}

// SetIdleCapable overrides whether consumers should treat this scheduler
// as having a real idle signal. Tests use false to force timer-paced
// consumers.
func (m *Manual) SetIdleCapable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleOK = ok
}

// SetFramePeriod overrides how far StepFrame moves the clock. The
// simulation runner sets this to the scenario tick length.
func (m *Manual) SetFramePeriod(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.framePeriod = d
	}
}

// IdleCapable reports the configured idle capability.
func (m *Manual) IdleCapable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idleOK
}

// Now returns the virtual clock reading.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// ScheduleFrame queues fn for the next StepFrame.
func (m *Manual) ScheduleFrame(fn func(now time.Time)) Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok := m.next
	m.next++
	m.frames = append(m.frames, frameEntry{tok: tok, fn: fn})
	return tok
}

// ScheduleIdle queues fn for the next StepIdle.
func (m *Manual) ScheduleIdle(budget time.Duration, fn func(now, deadline time.Time)) Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok := m.next
	m.next++
	m.idles = append(m.idles, idleEntry{tok: tok, budget: budget, fn: fn})
	return tok
}

// ScheduleTimer queues fn to fire once the clock reaches now+d.
func (m *Manual) ScheduleTimer(d time.Duration, fn func(now time.Time)) Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok := m.next
	m.next++
	m.timers = append(m.timers, timerEntry{tok: tok, due: m.now.Add(d), fn: fn})
	sort.SliceStable(m.timers, func(i, j int) bool {
		return m.timers[i].due.Before(m.timers[j].due)
	})
	return tok
}

// Cancel drops a pending callback from whichever queue holds it.
func (m *Manual) Cancel(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.frames {
		if e.tok == tok {
			m.frames = append(m.frames[:i], m.frames[i+1:]...)
			return
		}
	}
	for i, e := range m.idles {
		if e.tok == tok {
			m.idles = append(m.idles[:i], m.idles[i+1:]...)
			return
		}
	}
	for i, e := range m.timers {
		if e.tok == tok {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// StepFrame advances the clock by one frame period, fires timers that
// came due along the way, then runs the frame callbacks that were queued
// before the step. Callbacks scheduled during the step wait for the next
// frame. Returns the number of frame callbacks run.
func (m *Manual) StepFrame() int {
	m.mu.Lock()
	target := m.now.Add(m.framePeriod)
	m.mu.Unlock()

	m.fireTimersUpTo(target)

	m.mu.Lock()
	m.now = target
	batch := m.frames
	m.frames = nil
	m.mu.Unlock()

	for _, e := range batch {
		e.fn(target)
	}
	return len(batch)
}

// StepIdle runs the idle callbacks queued before the step, granting each
// the smaller of its requested budget and granted. The clock does not
// move. Returns the number of idle callbacks run.
func (m *Manual) StepIdle(granted time.Duration) int {
	m.mu.Lock()
	batch := m.idles
	m.idles = nil
	now := m.now
	m.mu.Unlock()

	for _, e := range batch {
		b := e.budget
		if granted < b {
			b = granted
		}
		e.fn(now, now.Add(b))
	}
	return len(batch)
}

// Advance moves the clock forward by d, firing due timers in time order.
// Timers re-armed from inside a callback fire again within the same
// Advance when they come due before the target. Frame and idle queues
// are untouched.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	m.fireTimersUpTo(target)

	m.mu.Lock()
	if target.After(m.now) {
		m.now = target
	}
	m.mu.Unlock()
}

// Run performs n frame steps, each followed by an idle step with the
// default grant.
func (m *Manual) Run(n int) {
	for i := 0; i < n; i++ {
		m.StepFrame()
		m.StepIdle(DefaultIdleGrant)
	}
}

// PendingFrames returns the number of queued frame callbacks.
func (m *Manual) PendingFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

// PendingIdles returns the number of queued idle callbacks.
func (m *Manual) PendingIdles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.idles)
}

// PendingTimers returns the number of queued timer callbacks.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) fireTimersUpTo(target time.Time) {
	for {
		m.mu.Lock()
		if len(m.timers) == 0 || m.timers[0].due.After(target) {
			m.mu.Unlock()
			return
		}
		e := m.timers[0]
		m.timers = m.timers[1:]
		if e.due.After(m.now) {
			m.now = e.due
		}
		now := m.now
		m.mu.Unlock()

		e.fn(now)
	}
}
