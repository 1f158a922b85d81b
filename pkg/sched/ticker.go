package sched

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// TickerConfig holds the live scheduler configuration.
type TickerConfig struct {
	// FPS is the frame callback cadence.
	FPS int

	// MinIdleSlice is the smallest spare-time window worth handing to
	// idle callbacks within a cycle.
	MinIdleSlice time.Duration
}

// DefaultTickerConfig returns sensible defaults.
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{FPS: 60, MinIdleSlice: time.Millisecond}
}

// Ticker is the live Scheduler for hosts without their own frame loop.
// A single goroutine delivers due timers and frame callbacks at the
// configured cadence, then idle callbacks with whatever time remains in
// the cycle, so all callbacks share one execution context.
type Ticker struct {
	mu      sync.Mutex
	cfg     TickerConfig
	logger  *slog.Logger
	next    Token
	frames  []frameEntry
	idles   []idleEntry
	timers  []timerEntry
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	stop    sync.Once
}

// NewTicker creates a live scheduler. Call Start to begin delivery.
func NewTicker(cfg TickerConfig, logger *slog.Logger) *Ticker {
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultTickerConfig().FPS
	}
	if cfg.MinIdleSlice <= 0 {
		cfg.MinIdleSlice = DefaultTickerConfig().MinIdleSlice
	}
	return &Ticker{
		cfg:    cfg,
		logger: logger.With("component", "sched"),
		next:   1,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the delivery loop. Blocks until ctx is cancelled or Stop
// is called.
func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()

	period := time.Second / time.Duration(t.cfg.FPS)
	t.logger.Debug("scheduler started", "fps", t.cfg.FPS)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Debug("scheduler stopping (context cancelled)")
			close(t.doneCh)
			return ctx.Err()
		case <-t.stopCh:
			t.logger.Debug("scheduler stopping (stop called)")
			close(t.doneCh)
			return nil
		case now := <-ticker.C:
			t.cycle(now, period)
		}
	}
}

// Stop shuts the loop down and waits for the current cycle to finish.
// Idempotent, and a no-op when Start never ran.
func (t *Ticker) Stop() error {
	t.stop.Do(func() { close(t.stopCh) })
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if started {
		<-t.doneCh
	}
	return nil
}

// IdleCapable returns true; spare cycle time backs ScheduleIdle.
func (t *Ticker) IdleCapable() bool {
	return true
}

// Now returns the wall clock reading.
func (t *Ticker) Now() time.Time {
	return time.Now()
}

// ScheduleFrame queues fn for the next cycle.
func (t *Ticker) ScheduleFrame(fn func(now time.Time)) Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok := t.next
	t.next++
	t.frames = append(t.frames, frameEntry{tok: tok, fn: fn})
	return tok
}

// ScheduleIdle queues fn for the next cycle with spare time.
func (t *Ticker) ScheduleIdle(budget time.Duration, fn func(now, deadline time.Time)) Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok := t.next
	t.next++
	t.idles = append(t.idles, idleEntry{tok: tok, budget: budget, fn: fn})
	return tok
}

// ScheduleTimer queues fn to fire on the first cycle at or after now+d.
func (t *Ticker) ScheduleTimer(d time.Duration, fn func(now time.Time)) Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok := t.next
	t.next++
	t.timers = append(t.timers, timerEntry{tok: tok, due: time.Now().Add(d), fn: fn})
	sort.SliceStable(t.timers, func(i, j int) bool {
		return t.timers[i].due.Before(t.timers[j].due)
	})
	return tok
}

// Cancel drops a pending callback from whichever queue holds it.
func (t *Ticker) Cancel(tok Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.frames {
		if e.tok == tok {
			t.frames = append(t.frames[:i], t.frames[i+1:]...)
			return
		}
	}
	for i, e := range t.idles {
		if e.tok == tok {
			t.idles = append(t.idles[:i], t.idles[i+1:]...)
			return
		}
	}
	for i, e := range t.timers {
		if e.tok == tok {
			t.timers = append(t.timers[:i], t.timers[i+1:]...)
			return
		}
	}
}

// cycle runs one delivery pass: due timers, then the frame batch, then
// idles if spare time remains before the next tick.
func (t *Ticker) cycle(now time.Time, period time.Duration) {
	var due []timerEntry
	t.mu.Lock()
	for len(t.timers) > 0 && !t.timers[0].due.After(now) {
		due = append(due, t.timers[0])
		t.timers = t.timers[1:]
	}
	frames := t.frames
	t.frames = nil
	t.mu.Unlock()

	for _, e := range due {
		e.fn(now)
	}
	for _, e := range frames {
		e.fn(now)
	}

	spare := period - time.Since(now)
	if spare < t.cfg.MinIdleSlice {
		return
	}
	t.mu.Lock()
	idles := t.idles
	t.idles = nil
	t.mu.Unlock()

	idleNow := time.Now()
	for _, e := range idles {
		b := e.budget
		if spare < b {
			b = spare
		}
		e.fn(idleNow, idleNow.Add(b))
	}
}
