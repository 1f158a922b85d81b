// Package sim replays declarative scenarios against a live controller
// on a virtual clock. The runner plays every collaborator the
// controller expects around it: the rendering layer scrolling and
// hovering per the trace, the media layer starting and finishing fake
// loads, and a telemetry source synthesized from the resident count. A
// run is fully deterministic for a given scenario and seed.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/me/wallgrid/internal/logging"
	"github.com/me/wallgrid/pkg/model"
	"github.com/me/wallgrid/pkg/sched"
	"github.com/me/wallgrid/pkg/wall"
)

// Runner owns one simulation run. Not safe for concurrent use; the
// read-only Controller surface may be served concurrently (the
// diagnostics server does) because the controller locks internally.
type Runner struct {
	scenario Scenario
	logger   *slog.Logger

	clock *sched.Manual
	ctrl  *wall.Controller
	items []model.Item
	rng   *rand.Rand

	maxPlaying int
	tickLen    time.Duration

	// Host-side bookkeeping: which tiles hold fake media, which play,
	// and which in-flight loads finish at which tick.
	resident map[model.TileID]bool
	playing  map[model.TileID]bool
	inflight map[int][]model.TileID

	tickEvents []model.Event
	counts     map[model.EventKind]int

	samples    []TickSample
	peaks      Peaks
	violations Violations
}

// NewRunner builds the controller for a scenario and wires the fake
// collaborators. opts carries the tuning profile; the runner overrides
// the wiring fields (scheduler, events, telemetry) and forces
// deterministic growth.
func NewRunner(scenario Scenario, opts wall.Options, logger *slog.Logger) (*Runner, error) {
	scenario = scenario.withDefaults()
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}

	r := &Runner{
		scenario: scenario,
		logger:   logger.With("component", "sim"),
		clock:    sched.NewManual(time.Unix(0, 0)),
		rng:      rand.New(rand.NewSource(scenario.Seed)),
		tickLen:  time.Duration(scenario.TickMS) * time.Millisecond,
		resident: make(map[model.TileID]bool),
		playing:  make(map[model.TileID]bool),
		inflight: make(map[int][]model.TileID),
		counts:   make(map[model.EventKind]int),
	}
	r.clock.SetFramePeriod(r.tickLen)

	r.maxPlaying = opts.MaxPlaying
	if r.maxPlaying <= 0 {
		r.maxPlaying = wall.DefaultOptions().MaxPlaying
	}

	opts.Scheduler = r.clock
	opts.Logger = logger
	opts.Events = model.EventSinkFunc(r.handleEvent)
	opts.Telemetry = r.sampleMemory
	opts.DeterministicGrowth = true
	opts.MemoryPollInterval = time.Duration(scenario.Memory.PollEveryTicks) * r.tickLen

	n := scenario.Items.Count
	if len(scenario.Items.List) > 0 {
		n = len(scenario.Items.List)
	}
	r.items = scenario.BuildItems(n)

	ctrl, err := wall.New(r.items, opts)
	if err != nil {
		return nil, fmt.Errorf("build controller: %w", err)
	}
	r.ctrl = ctrl
	ctrl.SetViewport(model.MakeRect(0, 0, scenario.Viewport.Width, scenario.Viewport.Height))
	return r, nil
}

// Controller exposes the live controller, mainly for the diagnostics
// server. It stays readable after Run returns, until Close.
func (r *Runner) Controller() *wall.Controller {
	return r.ctrl
}

// Samples returns the per-tick record of the last Run.
func (r *Runner) Samples() []TickSample {
	return r.samples
}

// Close releases the controller. The runner cannot Run again.
func (r *Runner) Close() {
	r.ctrl.Close()
}

// Run steps the scenario to completion and returns the run summary.
// The controller is left open so its status can still be served; the
// caller owns Close.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.logger.Info("run starting",
		"scenario", r.scenario.Name,
		"items", len(r.items),
		"ticks", r.scenario.DurationTicks,
		"seed", r.scenario.Seed)

	r.samples = make([]TickSample, 0, r.scenario.DurationTicks)
	for tick := 0; tick < r.scenario.DurationTicks; tick++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.applyTrace(tick); err != nil {
			return nil, err
		}
		r.finishDueLoads(tick)
		r.startLoads(tick)

		r.clock.StepFrame()
		r.clock.StepIdle(sched.DefaultIdleGrant)

		n := r.settleEvents()
		r.record(tick, n)
	}

	res := r.result()
	r.logger.Info("run finished",
		"scenario", r.scenario.Name,
		"peak_loaded", res.Peaks.Loaded,
		"peak_memory_mb", int(res.Peaks.MemoryMB),
		"protected_evictions", res.Violations.ProtectedEvictions)
	return res, nil
}

// applyTrace fires the trace events scripted for this tick, before the
// frame runs, so an event at tick t shapes frame t.
func (r *Runner) applyTrace(tick int) error {
	for _, ev := range r.scenario.Trace {
		if ev.At != tick {
			continue
		}
		switch {
		case ev.ScrollTo != nil:
			r.ctrl.Scroll(*ev.ScrollTo)
		case ev.Hover != nil:
			r.ctrl.MarkHover(model.TileID(*ev.Hover))
		case ev.Zoom != nil:
			r.ctrl.SetZoomLevel(*ev.Zoom)
		case ev.Fail != nil:
			r.ctrl.ReportError(model.TileID(*ev.Fail))
		case ev.Items != nil:
			if err := r.resizeCollection(*ev.Items); err != nil {
				return err
			}
		}
	}
	return nil
}

// resizeCollection regenerates the corpus at the new count and swaps it
// in. The host releases every media element on a collection swap, so
// the fake memory model drops back to base.
func (r *Runner) resizeCollection(n int) error {
	items := r.scenario.BuildItems(n)
	if err := r.ctrl.SetItems(items); err != nil {
		return fmt.Errorf("resize collection to %d: %w", n, err)
	}
	r.items = items
	clear(r.resident)
	clear(r.playing)
	clear(r.inflight)
	return nil
}

// finishDueLoads completes the fake loads whose latency ran out.
func (r *Runner) finishDueLoads(tick int) {
	due := r.inflight[tick]
	if len(due) == 0 {
		return
	}
	delete(r.inflight, tick)
	for _, id := range due {
		if !r.resident[id] {
			continue
		}
		r.ctrl.NoteLoadFinished(id)
	}
}

// startLoads walks the materialized window and starts a fake load for
// every near, unloaded tile admission lets through.
func (r *Runner) startLoads(tick int) {
	count := r.ctrl.MaterializedCount()
	if count > len(r.items) {
		count = len(r.items)
	}
	for i := 0; i < count; i++ {
		id := r.items[i].ID
		if r.resident[id] {
			continue
		}
		st, ok := r.ctrl.TileState(id)
		if !ok || !st.Near {
			continue
		}
		if st.Load != model.LoadStateUnloaded && st.Load != model.LoadStateFailed {
			continue
		}
		if !r.ctrl.CanLoad(id) {
			continue
		}
		r.ctrl.NoteLoadStarted(id)
		r.resident[id] = true
		due := tick + r.scenario.LoadLatencyTicks
		r.inflight[due] = append(r.inflight[due], id)
	}
}

// handleEvent buffers controller events; they are settled after the
// frame so handling never reenters a pass.
func (r *Runner) handleEvent(ev model.Event) {
	r.tickEvents = append(r.tickEvents, ev)
}

// settleEvents plays the host's reaction to this tick's events: evicted
// tiles release their fake media, granted tiles confirm playback.
// Returns how many events the tick produced.
func (r *Runner) settleEvents() int {
	events := r.tickEvents
	r.tickEvents = nil
	for _, ev := range events {
		r.counts[ev.Kind()]++
		switch e := ev.(type) {
		case model.TileEvicted:
			if st, ok := r.ctrl.TileState(e.Tile); ok && (st.Visible || st.Playing) {
				r.violations.ProtectedEvictions++
				r.logger.Warn("protected tile evicted", "tile", e.Tile,
					"visible", st.Visible, "playing", st.Playing)
			}
			delete(r.resident, e.Tile)
		case model.PlaybackGranted:
			r.playing[e.Tile] = true
			r.ctrl.ReportStarted(e.Tile)
		case model.PlaybackRevoked:
			delete(r.playing, e.Tile)
		}
	}
	return len(events)
}

// record samples the controller and folds the tick into peaks and
// violation counters.
func (r *Runner) record(tick, events int) {
	st := r.ctrl.Status()
	r.samples = append(r.samples, TickSample{
		Tick:         tick,
		Materialized: st.MaterializedCount,
		Loaded:       st.LoadedCount,
		Loading:      st.LoadingCount,
		Playing:      st.PlayingCount,
		Limits:       st.Limits,
		MemoryMB:     st.Memory.CurrentMB,
		Events:       events,
	})

	if st.MaterializedCount > r.peaks.Materialized {
		r.peaks.Materialized = st.MaterializedCount
	}
	if st.LoadedCount > r.peaks.Loaded {
		r.peaks.Loaded = st.LoadedCount
	}
	if st.LoadingCount > r.peaks.Loading {
		r.peaks.Loading = st.LoadingCount
	}
	if st.PlayingCount > r.peaks.Playing {
		r.peaks.Playing = st.PlayingCount
	}
	if st.Memory.CurrentMB > r.peaks.MemoryMB {
		r.peaks.MemoryMB = st.Memory.CurrentMB
	}

	if st.Limits.MaxLoaded > 0 && st.LoadedCount > st.Limits.MaxLoaded {
		r.violations.OverBudgetTicks++
	}
	if st.PlayingCount > r.maxPlaying {
		r.violations.OverCapTicks++
	}
}

// sampleMemory is the fake telemetry source: base plus a share per
// resident tile plus seeded noise. Runs inline on the poll, on the
// runner's goroutine.
func (r *Runner) sampleMemory(ctx context.Context) (model.MemorySample, error) {
	m := r.scenario.Memory
	mb := m.BaseMB + m.MBPerLoaded*float64(len(r.resident))
	if m.NoiseMB > 0 {
		mb += (r.rng.Float64()*2 - 1) * m.NoiseMB
	}
	if mb < 0 {
		mb = 0
	}
	if mb > m.TotalMB {
		mb = m.TotalMB
	}
	return model.MemorySample{CurrentMB: mb, TotalMB: m.TotalMB}, nil
}

func (r *Runner) result() *Result {
	return &Result{
		Scenario:   r.scenario.Name,
		Seed:       r.scenario.Seed,
		Ticks:      r.scenario.DurationTicks,
		VirtualDur: time.Duration(r.scenario.DurationTicks) * r.tickLen,
		Peaks:      r.peaks,
		Violations: r.violations,
		Events:     r.counts,
		Final:      r.ctrl.Status(),
	}
}
