// Package materialize grows the window of items that have real tiles.
// The collection renders instantly with a small initial window, then the
// cursor advances in batches during idle time (or on a fixed timer when
// no idle signal exists) until every item, up to the ceiling, is
// materialized. Items past the cursor are placeholders owned by the
// rendering layer.
package materialize

import (
	"log/slog"
	"time"

	"github.com/me/wallgrid/internal/frametime"
	"github.com/me/wallgrid/pkg/sched"
)

// Config holds growth settings.
type Config struct {
	// Initial is the window size rendered synchronously at start.
	Initial int

	// Batch is the growth step. In idle mode it is the starting value
	// of the adaptive batch; in timer mode it is applied exactly.
	Batch int

	// MinBatch and MaxBatch bound the adaptive batch in idle mode.
	MinBatch int
	MaxBatch int

	// Interval is the timer cadence when idle scheduling is unavailable
	// or Deterministic is set.
	Interval time.Duration

	// MaxVisible caps the window regardless of item count.
	MaxVisible int

	// PauseOnScroll stops growth while the user is actively scrolling.
	PauseOnScroll bool

	// LongTaskAdaptation lets recent jank shrink the adaptive batch.
	LongTaskAdaptation bool

	// IdleBudget is the work allowance requested per idle callback.
	IdleBudget time.Duration

	// Deterministic forces timer-paced growth even on an idle-capable
	// scheduler: every tick adds exactly Batch.
	Deterministic bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Initial:            24,
		Batch:              16,
		MinBatch:           4,
		MaxBatch:           48,
		Interval:           200 * time.Millisecond,
		MaxVisible:         600,
		PauseOnScroll:      true,
		LongTaskAdaptation: true,
		IdleBudget:         8 * time.Millisecond,
	}
}

// Scheduler owns the materialization cursor. The cursor never moves
// backward except when the item count or ceiling drops below it. It is a
// single-threaded state machine; the owner serializes calls.
type Scheduler struct {
	s      sched.Scheduler
	jank   *frametime.Monitor
	logger *slog.Logger
	cfg    Config

	count     int
	itemCount int
	batch     int
	scrolling bool
	running   bool
	armed     bool
	tok       sched.Token
	onAdvance func(count int)
}

// New creates a scheduler, filling zero config fields from defaults.
// jank may be nil to disable batch adaptation from frame hitches.
func New(s sched.Scheduler, jank *frametime.Monitor, cfg Config, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = def.MinBatch
	}
	if cfg.MaxBatch < cfg.MinBatch {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxVisible <= 0 {
		cfg.MaxVisible = def.MaxVisible
	}
	if cfg.IdleBudget <= 0 {
		cfg.IdleBudget = def.IdleBudget
	}
	return &Scheduler{
		s:      s,
		jank:   jank,
		logger: logger.With("component", "materialize"),
		cfg:    cfg,
		batch:  cfg.Batch,
	}
}

// OnAdvance registers the callback fired whenever the window changes,
// including the initial window and shrink clamps.
func (sc *Scheduler) OnAdvance(fn func(count int)) {
	sc.onAdvance = fn
}

// Count returns the current window size.
func (sc *Scheduler) Count() int {
	return sc.count
}

// Start renders the initial window and arms growth. Starting twice is a
// no-op.
func (sc *Scheduler) Start() {
	if sc.running {
		return
	}
	sc.running = true
	sc.count = min(sc.cfg.Initial, sc.target())
	sc.logger.Debug("growth started",
		"initial", sc.count,
		"target", sc.target(),
		"idle_mode", sc.idleMode())
	sc.emit()
	sc.arm()
}

// Stop cancels growth. The window keeps its size.
func (sc *Scheduler) Stop() {
	if !sc.running {
		return
	}
	sc.running = false
	if sc.armed {
		sc.s.Cancel(sc.tok)
		sc.armed = false
	}
}

// SetItemCount updates the collection size. Shrinking below the cursor
// clamps immediately; growing re-arms growth without resetting progress.
func (sc *Scheduler) SetItemCount(n int) {
	if n < 0 {
		n = 0
	}
	sc.itemCount = n
	sc.reclamp()
}

// SetMaxVisible changes the window ceiling with the same clamp and
// resume semantics as SetItemCount.
func (sc *Scheduler) SetMaxVisible(n int) {
	if n <= 0 {
		return
	}
	sc.cfg.MaxVisible = n
	sc.reclamp()
}

// SetScrolling feeds the debounced scroll-activity flag. While set and
// PauseOnScroll is on, growth ticks fire but add nothing.
func (sc *Scheduler) SetScrolling(active bool) {
	sc.scrolling = active
}

func (sc *Scheduler) target() int {
	return min(sc.itemCount, sc.cfg.MaxVisible)
}

func (sc *Scheduler) idleMode() bool {
	return !sc.cfg.Deterministic && sc.s.IdleCapable()
}

func (sc *Scheduler) paused() bool {
	return sc.cfg.PauseOnScroll && sc.scrolling
}

func (sc *Scheduler) reclamp() {
	t := sc.target()
	if sc.count > t {
		sc.count = t
		sc.logger.Debug("window clamped", "count", sc.count)
		sc.emit()
	}
	// Items arriving after an empty start render the initial window
	// immediately rather than waiting out a growth tick.
	if sc.running && sc.count == 0 && t > 0 {
		sc.count = min(sc.cfg.Initial, t)
		sc.emit()
	}
	if sc.running && sc.count < t {
		sc.arm()
	}
}

func (sc *Scheduler) arm() {
	if sc.armed || !sc.running || sc.count >= sc.target() {
		return
	}
	sc.armed = true
	if sc.idleMode() {
		sc.tok = sc.s.ScheduleIdle(sc.cfg.IdleBudget, sc.idleStep)
	} else {
		sc.tok = sc.s.ScheduleTimer(sc.cfg.Interval, sc.timerStep)
	}
}

// timerStep adds exactly the configured batch per tick. No adaptation,
// so growth timing is a pure function of the tick sequence.
func (sc *Scheduler) timerStep(now time.Time) {
	sc.armed = false
	if !sc.running {
		return
	}
	if !sc.paused() {
		sc.add(sc.cfg.Batch)
	}
	sc.arm()
}

// idleStep adapts the batch to recent conditions, then grows.
func (sc *Scheduler) idleStep(now, deadline time.Time) {
	sc.armed = false
	if !sc.running {
		return
	}
	if sc.paused() {
		sc.arm()
		return
	}
	sc.adapt(now)
	sc.add(sc.batch)
	sc.arm()
}

// adapt halves the batch toward the floor under jank or scrolling and
// grows it by a quarter toward the ceiling when calm.
func (sc *Scheduler) adapt(now time.Time) {
	janky := sc.cfg.LongTaskAdaptation && sc.jank != nil && sc.jank.Janky(now)
	if janky || sc.scrolling {
		sc.batch = max(sc.cfg.MinBatch, sc.batch/2)
		return
	}
	sc.batch = min(sc.cfg.MaxBatch, sc.batch+max(1, sc.batch/4))
}

func (sc *Scheduler) add(n int) {
	if n <= 0 {
		return
	}
	next := min(sc.count+n, sc.target())
	if next == sc.count {
		return
	}
	sc.count = next
	sc.logger.Debug("window advanced", "count", sc.count, "target", sc.target(), "batch", n)
	sc.emit()
}

func (sc *Scheduler) emit() {
	if sc.onAdvance != nil {
		sc.onAdvance(sc.count)
	}
}
