// Package wall composes the scheduling components into one controller
// bound to a host collection. The materialization window feeds the
// layout engine, layout bounds feed the viewport tracker, tracker flags
// feed admission and playback, and a telemetry poll closes the memory
// loop. One mutex serializes every pass; the components underneath stay
// single-threaded state machines with exactly one writer per flag.
package wall

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/me/wallgrid/internal/admission"
	"github.com/me/wallgrid/internal/frametime"
	"github.com/me/wallgrid/internal/layout"
	"github.com/me/wallgrid/internal/materialize"
	"github.com/me/wallgrid/internal/playback"
	"github.com/me/wallgrid/internal/telemetry"
	"github.com/me/wallgrid/internal/viewport"
	"github.com/me/wallgrid/pkg/model"
	"github.com/me/wallgrid/pkg/sched"
)

// Controller is the single entry point for a tile wall. The host pushes
// viewport geometry and media lifecycle reports in; tile states, events
// and load permissions come out. All methods are safe for concurrent
// use; a closed controller's methods are no-ops.
type Controller struct {
	mu     sync.Mutex
	closed bool

	id     string
	opts   Options
	logger *slog.Logger
	sink   model.EventSink

	s       sched.Scheduler
	ownTick *sched.Ticker

	items []model.Item
	index map[model.TileID]int

	tracker *viewport.Tracker
	engine  *layout.Engine
	mat     *materialize.Scheduler
	adm     *admission.Controller
	play    *playback.Orchestrator
	mem     *telemetry.Monitor
	jank    *frametime.Monitor

	// registered tracks which tiles currently hold a tracker
	// registration, so bounds updates know register from move.
	registered map[model.TileID]bool
	window     int

	scrolling      bool
	scrollDeadline time.Time
	settleArmed    bool
	settleTok      sched.Token

	reconcileArmed bool
	reconcileTok   sched.Token

	memTok   sched.Token
	pulseTok sched.Token

	// pending buffers events raised during a pass; they flush after the
	// mutex drops so a sink may call back into the controller.
	pending []model.Event
}

// New builds a controller for the given collection and starts its
// passes. Items must have unique, non-empty ids; order is the
// collection order the materialization window follows.
func New(items []model.Item, opts Options) (*Controller, error) {
	opts = opts.withDefaults()

	index, err := indexItems(items)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		id:         "wall_" + uuid.NewString()[:8],
		opts:       opts,
		sink:       opts.Events,
		items:      append([]model.Item(nil), items...),
		index:      index,
		registered: make(map[model.TileID]bool),
	}
	c.logger = opts.Logger.With("controller_id", c.id)

	base := opts.Scheduler
	if base == nil {
		c.ownTick = sched.NewTicker(sched.DefaultTickerConfig(), c.logger)
		base = c.ownTick
	}
	c.s = &lockedScheduler{c: c, base: base}

	c.jank = frametime.NewMonitor(frametime.Config{})
	c.mem = telemetry.NewMonitor(telemetry.SampleFunc(opts.Telemetry), telemetry.Config{}, c.logger)
	c.tracker = viewport.New(c.s, viewport.Config{
		NearMarginPx: opts.NearMarginPx,
	}, c.logger)
	c.engine = layout.New(c.s, layout.Config{
		Gap:           opts.Gap,
		DefaultAspect: opts.DefaultAspect,
		ZoomWidths:    opts.ZoomWidths,
		ZoomLevel:     opts.ZoomLevel,
	}, c.logger)
	c.mat = materialize.New(c.s, c.jank, materialize.Config{
		Initial:            opts.InitialCount,
		Batch:              opts.BatchSize,
		MinBatch:           opts.MinBatch,
		MaxBatch:           opts.MaxBatch,
		Interval:           opts.Interval,
		MaxVisible:         opts.MaxVisible,
		PauseOnScroll:      opts.PauseOnScroll,
		LongTaskAdaptation: opts.LongTaskAdaptation,
		Deterministic:      opts.DeterministicGrowth,
	}, c.logger)
	c.adm = admission.New(admissionFlags{c}, admission.Config{
		EstimatedMBPerItem:   opts.EstimatedMBPerItem,
		TargetBudgetFraction: opts.TargetBudgetFraction,
		BaseCap:              opts.BaseCap,
	}, c.logger)
	c.play = playback.New(playbackView{c}, playback.Config{
		MaxPlaying:    opts.MaxPlaying,
		ErrorCooldown: opts.ErrorCooldown,
	}, c.logger)

	c.engine.OnMetrics(c.onMetrics)
	c.engine.OnBounds(c.onBounds)
	c.engine.OnComplete(c.onLayoutComplete)
	c.mat.OnAdvance(c.onAdvance)
	c.adm.OnLimits(c.onLimits)

	c.locked(func() {
		ids := make([]model.TileID, len(c.items))
		for i, it := range c.items {
			ids[i] = it.ID
			if it.AspectRatio > 0 {
				c.engine.SetAspectRatio(it.ID, it.AspectRatio)
			}
		}
		c.engine.SetItems(ids)
		c.adm.SetItemCount(len(ids))
		c.mat.SetItemCount(len(ids))
		c.mat.Start()
		c.pulseTok = c.s.ScheduleFrame(c.framePulse)
		c.memTok = c.s.ScheduleTimer(c.opts.MemoryPollInterval, c.memoryTick)
	})

	if c.ownTick != nil {
		go func() { _ = c.ownTick.Start(context.Background()) }()
	}

	c.logger.Info("controller started",
		"items", len(items),
		"max_playing", opts.MaxPlaying)
	return c, nil
}

// Close stops every scheduled pass and drops all state. Safe to call
// more than once; concurrent method calls after Close are no-ops.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mat.Stop()
	c.engine.Stop()
	c.tracker.Reset()
	c.play.Reset()
	c.s.Cancel(c.pulseTok)
	c.s.Cancel(c.memTok)
	if c.settleArmed {
		c.s.Cancel(c.settleTok)
		c.settleArmed = false
	}
	if c.reconcileArmed {
		c.s.Cancel(c.reconcileTok)
		c.reconcileArmed = false
	}
	c.logger.Info("controller closed")
	c.mu.Unlock()

	// The owned ticker's Stop waits for the in-flight cycle, which may
	// be blocked on the mutex, so it must run after the unlock.
	if c.ownTick != nil {
		c.ownTick.Stop()
	}
}

// ---- host surface ----

// SetViewport updates the visible rectangle. Width drives the layout
// column grid; height drives the activation target.
func (c *Controller) SetViewport(v model.Rect) {
	c.locked(func() {
		c.tracker.SetViewport(v)
		c.engine.SetContainerWidth(v.W)
		c.recomputeActivation()
	})
}

// Scroll moves the viewport to the given vertical offset and marks
// scroll activity. Growth pauses (when configured) until no Scroll call
// arrives for the idle window, then a settled reconcile and a cleanup
// opportunity run.
func (c *Controller) Scroll(offsetY float64) {
	c.locked(func() {
		v := c.tracker.Viewport()
		v.Y = offsetY
		c.tracker.SetViewport(v)
		c.noteScrollActivity()
	})
}

// SetZoomLevel switches the layout width tier.
func (c *Controller) SetZoomLevel(level int) {
	c.locked(func() {
		c.engine.SetZoomLevel(level)
	})
}

// SetNearMargin changes the prefetch margin in pixels.
func (c *Controller) SetNearMargin(px float64) {
	c.locked(func() {
		c.tracker.SetNearMargin(px)
	})
}

// SetMaxVisible changes the materialization ceiling. Shrinking below
// the current window dematerializes the tiles past it.
func (c *Controller) SetMaxVisible(n int) {
	c.locked(func() {
		c.mat.SetMaxVisible(n)
	})
}

// MarkHover pins id as the hovered tile; empty clears the pin. The
// hovered tile force-admits into playback on the next reconcile.
func (c *Controller) MarkHover(id model.TileID) {
	c.locked(func() {
		c.play.MarkHover(id)
		c.requestReconcile()
	})
}

// SuspendEvictions pauses cleanup passes, typically around a transition
// the host does not want interrupted by unloads.
func (c *Controller) SuspendEvictions(suspend bool) {
	c.locked(func() {
		c.adm.SuspendEvictions(suspend)
	})
}

// ReportLongTask feeds an external long-task observation into the jank
// monitor, shrinking adaptive batches for the decay window.
func (c *Controller) ReportLongTask() {
	c.locked(func() {
		c.jank.ReportLongTask(c.s.Now())
	})
}

// SetItems replaces the collection. Tile flags reset; measured aspect
// ratios survive so re-added tiles keep their shape. The materialized
// window keeps its size, clamped to the new collection. Duplicate or
// empty ids reject the whole replacement unchanged.
func (c *Controller) SetItems(items []model.Item) error {
	index, err := indexItems(items)
	if err != nil {
		return err
	}
	c.locked(func() {
		c.items = append([]model.Item(nil), items...)
		c.index = index
		c.registered = make(map[model.TileID]bool)
		c.tracker.Reset()
		c.adm.Reset()
		c.play.Reset()

		ids := make([]model.TileID, len(items))
		for i, it := range items {
			ids[i] = it.ID
			if it.AspectRatio > 0 {
				c.engine.SetAspectRatio(it.ID, it.AspectRatio)
			}
		}
		c.engine.SetItems(ids)
		c.adm.SetItemCount(len(ids))
		c.mat.SetItemCount(len(ids))
		c.logger.Info("collection replaced", "items", len(items))
	})
	return nil
}

// ---- media collaborator surface ----

// CanLoad asks admission whether id may start loading now.
func (c *Controller) CanLoad(id model.TileID) bool {
	var ok bool
	c.locked(func() {
		ok = c.adm.CanLoad(id, false)
	})
	return ok
}

// CanLoadAssumeVisible is CanLoad with the visible flag assumed true,
// for callers racing ahead of the tracker's evaluation pass.
func (c *Controller) CanLoadAssumeVisible(id model.TileID) bool {
	var ok bool
	c.locked(func() {
		ok = c.adm.CanLoad(id, true)
	})
	return ok
}

// NoteLoadStarted records that the host began loading id's media.
func (c *Controller) NoteLoadStarted(id model.TileID) {
	c.locked(func() {
		c.adm.NoteLoadStarted(id)
	})
}

// NoteLoadFinished records a completed load. A visible tile may gain a
// playback slot on the next reconcile.
func (c *Controller) NoteLoadFinished(id model.TileID) {
	c.locked(func() {
		c.adm.NoteLoadFinished(id)
		c.requestReconcile()
	})
}

// NoteLoadFailed records a failed load attempt.
func (c *Controller) NoteLoadFailed(id model.TileID) {
	c.locked(func() {
		c.adm.NoteLoadFailed(id)
	})
}

// NoteUnloaded records that the host released id's media. Any playback
// slot goes with it.
func (c *Controller) NoteUnloaded(id model.TileID) {
	c.locked(func() {
		c.adm.NoteUnloaded(id)
		if c.play.Remove(id) {
			c.emit(model.PlaybackRevoked{Tile: id, Reason: model.RevokeUnloaded})
			c.requestReconcile()
		}
	})
}

// ReportStarted confirms that a granted tile actually began playing.
func (c *Controller) ReportStarted(id model.TileID) {
	c.locked(func() {
		c.play.ReportStarted(id)
	})
}

// ReportError quarantines id after a playback failure and frees its
// slot for the cooldown window.
func (c *Controller) ReportError(id model.TileID) {
	c.locked(func() {
		until, held := c.play.ReportError(id, c.s.Now())
		if held {
			c.emit(model.PlaybackRevoked{Tile: id, Reason: model.RevokeError})
			c.requestReconcile()
		}
		c.emit(model.TileQuarantined{Tile: id, Until: until})
	})
}

// ReportResourceFailure signals resource exhaustion (decoder creation
// failures, OOM-adjacent errors). Both admission limits halve and an
// immediate cleanup runs.
func (c *Controller) ReportResourceFailure() {
	c.locked(func() {
		evicted := c.adm.ReportFailure(c.s.Now())
		c.emitEvicted(evicted)
	})
}

// ReportAspectRatio commits a measured width/height ratio for id,
// triggering a relayout when the shape actually changed.
func (c *Controller) ReportAspectRatio(id model.TileID, ratio float64) {
	c.locked(func() {
		c.engine.SetAspectRatio(id, ratio)
	})
}

// ---- read surface ----

// TileState returns the per-tile decision surface for id. ok is false
// when id is not in the collection.
func (c *Controller) TileState(id model.TileID) (model.TileState, bool) {
	var (
		st model.TileState
		ok bool
	)
	c.locked(func() {
		var idx int
		idx, ok = c.index[id]
		if !ok {
			return
		}
		st = c.tileState(id, idx)
	})
	return st, ok
}

// TileStates returns the decision surface for every item in collection
// order.
func (c *Controller) TileStates() []model.TileState {
	var out []model.TileState
	c.locked(func() {
		out = make([]model.TileState, len(c.items))
		for i, it := range c.items {
			out[i] = c.tileState(it.ID, i)
		}
	})
	return out
}

// Status returns a controller-level diagnostics snapshot.
func (c *Controller) Status() model.Status {
	var st model.Status
	c.locked(func() {
		st = model.Status{
			ControllerID:      c.id,
			ItemCount:         len(c.items),
			MaterializedCount: c.mat.Count(),
			ActivationTarget:  c.adm.ActivationTarget(),
			Limits:            c.adm.Limits(),
			LoadedCount:       c.adm.LoadedCount(),
			LoadingCount:      c.adm.LoadingCount(),
			PlayingCount:      c.play.PlayingCount(),
			Layout:            c.engine.Metrics(),
			Memory:            c.mem.Status(),
			Janky:             c.jank.Janky(c.s.Now()),
		}
	})
	return st
}

// MaterializedCount returns the current window size.
func (c *Controller) MaterializedCount() int {
	var n int
	c.locked(func() {
		n = c.mat.Count()
	})
	return n
}

// Limits returns the current admission limits.
func (c *Controller) Limits() model.Limits {
	var l model.Limits
	c.locked(func() {
		l = c.adm.Limits()
	})
	return l
}

// ID returns the controller's instance id, as carried in logs and
// diagnostics snapshots.
func (c *Controller) ID() string {
	return c.id
}

// ---- internal wiring; every method below assumes the mutex is held ----

// locked runs fn under the mutex, then flushes the events fn raised.
// Flushing after the unlock lets a sink call straight back into the
// controller.
func (c *Controller) locked(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	fn()
	evs := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ev := range evs {
		c.sink.HandleEvent(ev)
	}
}

func (c *Controller) emit(ev model.Event) {
	if c.sink == nil {
		return
	}
	c.pending = append(c.pending, ev)
}

// onAdvance applies a new materialized window: the layout places more
// (or fewer) items, and tiles past a shrunk window lose registration,
// residency and playback.
func (c *Controller) onAdvance(count int) {
	c.engine.SetWindow(count)
	for i := count; i < c.window && i < len(c.items); i++ {
		id := c.items[i].ID
		if !c.registered[id] {
			continue
		}
		c.dematerialize(id)
	}
	c.window = count
	c.emit(model.MaterializeAdvanced{Count: count})
}

// dematerialize resets every flag a tile held while in the window.
func (c *Controller) dematerialize(id model.TileID) {
	delete(c.registered, id)
	c.tracker.Unregister(id)
	if c.play.Remove(id) {
		c.emit(model.PlaybackRevoked{Tile: id, Reason: model.RevokeUnloaded})
	}
	if c.adm.State(id).Resident() {
		c.adm.NoteUnloaded(id)
		c.emit(model.TileEvicted{Tile: id})
	}
}

// onBounds pushes a placement down to the tracker, registering the tile
// on first placement.
func (c *Controller) onBounds(id model.TileID, bounds model.Rect) {
	if c.registered[id] {
		c.tracker.SetBounds(id, bounds)
		return
	}
	c.registered[id] = true
	c.tracker.Register(id, bounds, c.onTileVisibility)
}

// onTileVisibility receives tracker flag updates for one tile.
func (c *Controller) onTileVisibility(id model.TileID, visible, near bool) {
	c.emit(model.VisibilityChanged{Tile: id, Visible: visible, Near: near})
	c.requestReconcile()
}

// onLayoutComplete refreshes tracker flags against the new geometry and
// re-derives the activation target.
func (c *Controller) onLayoutComplete(p layout.Pass) {
	c.tracker.Refresh()
	c.recomputeActivation()
	c.emit(model.LayoutCompleted{Columns: p.Columns, Placed: p.Placed})
}

func (c *Controller) onMetrics(m model.LayoutMetrics) {
	c.recomputeActivation()
	c.emit(model.MetricsChanged{Metrics: m})
}

func (c *Controller) onLimits(l model.Limits) {
	c.emit(model.LimitsChanged{Limits: l})
}

// recomputeActivation re-derives the admission activation target from
// viewport height and the current column grid: the estimated count of
// tiles per screen times the activation multiplier, clamped.
func (c *Controller) recomputeActivation() {
	m := c.engine.Metrics()
	if m.ColumnCount <= 0 || m.ColumnWidth <= 0 {
		return
	}
	vp := c.tracker.Viewport()
	if vp.H <= 0 {
		return
	}
	rowH := m.ColumnWidth/c.opts.DefaultAspect + m.ColumnGap
	rows := int(math.Ceil(vp.H / rowH))
	target := int(float64(m.ColumnCount*rows) * c.opts.ActivationMultiplier)
	if target < c.opts.ActivationMinClamp {
		target = c.opts.ActivationMinClamp
	}
	if target > c.opts.ActivationMaxClamp {
		target = c.opts.ActivationMaxClamp
	}
	c.adm.SetActivationTarget(target)
}

// noteScrollActivity extends the scroll-idle deadline and arms the
// settle probe.
func (c *Controller) noteScrollActivity() {
	now := c.s.Now()
	c.scrollDeadline = now.Add(c.opts.ScrollIdle)
	if !c.scrolling {
		c.scrolling = true
		c.mat.SetScrolling(true)
	}
	if !c.settleArmed {
		c.settleArmed = true
		c.settleTok = c.s.ScheduleTimer(c.opts.ScrollIdle, c.settleProbe)
	}
}

// settleProbe fires at the scroll-idle deadline. More scrolling since
// arming pushes the probe out; otherwise scrolling is settled and the
// deferred work runs.
func (c *Controller) settleProbe(now time.Time) {
	c.settleArmed = false
	if now.Before(c.scrollDeadline) {
		c.settleArmed = true
		c.settleTok = c.s.ScheduleTimer(c.scrollDeadline.Sub(now), c.settleProbe)
		return
	}
	c.scrolling = false
	c.mat.SetScrolling(false)
	c.reconcileNow(now, true)
	c.emitEvicted(c.adm.PerformCleanup(now))
}

// requestReconcile coalesces playback reconciles into one frame pass.
func (c *Controller) requestReconcile() {
	if c.reconcileArmed {
		return
	}
	c.reconcileArmed = true
	c.reconcileTok = c.s.ScheduleFrame(c.reconcilePass)
}

func (c *Controller) reconcilePass(now time.Time) {
	c.reconcileArmed = false
	c.reconcileNow(now, !c.scrolling)
}

func (c *Controller) reconcileNow(now time.Time, settled bool) {
	granted, revoked := c.play.Reconcile(now, settled)
	for _, id := range granted {
		c.emit(model.PlaybackGranted{Tile: id})
	}
	for _, r := range revoked {
		c.emit(model.PlaybackRevoked{Tile: r.Tile, Reason: r.Reason})
	}
}

// memoryTick polls telemetry, feeds admission, runs a cleanup
// opportunity and re-arms itself.
func (c *Controller) memoryTick(now time.Time) {
	status := c.mem.Sample(context.Background(), now)
	c.adm.UpdateMemory(status, c.jank.Janky(now))
	c.emit(model.MemoryUpdated{Status: status})
	c.emitEvicted(c.adm.PerformCleanup(now))
	c.memTok = c.s.ScheduleTimer(c.opts.MemoryPollInterval, c.memoryTick)
}

// emitEvicted publishes eviction events for a cleanup's victims. The
// admission ledger is already updated; victims are never playing, so
// playback needs no correction.
func (c *Controller) emitEvicted(victims []model.TileID) {
	for _, id := range victims {
		c.emit(model.TileEvicted{Tile: id})
	}
}

// framePulse feeds every frame boundary into the jank monitor.
func (c *Controller) framePulse(now time.Time) {
	c.jank.ObserveFrame(now)
	c.pulseTok = c.s.ScheduleFrame(c.framePulse)
}

// indexItems validates the collection and maps each id to its position.
func indexItems(items []model.Item) (map[model.TileID]int, error) {
	index := make(map[model.TileID]int, len(items))
	for i, it := range items {
		if it.ID == "" {
			return nil, fmt.Errorf("item %d: empty tile id", i)
		}
		if _, dup := index[it.ID]; dup {
			return nil, fmt.Errorf("duplicate tile id %q", it.ID)
		}
		index[it.ID] = i
	}
	return index, nil
}

// tileState assembles one tile's decision surface. idx is the tile's
// collection position.
func (c *Controller) tileState(id model.TileID, idx int) model.TileState {
	st := model.TileState{
		ID:           id,
		Materialized: idx < c.mat.Count(),
		Visible:      c.tracker.IsVisible(id),
		Near:         c.tracker.IsNear(id),
		Load:         c.adm.State(id),
		Playing:      c.play.Playing(id),
	}
	if b, ok := c.engine.Bounds(id); ok {
		st.Bounds = b
	}
	return st
}

// ---- component adapters; called only while the mutex is held ----

// lockedScheduler wraps the base scheduler so component callbacks run
// under the controller mutex and their events flush afterwards.
type lockedScheduler struct {
	c    *Controller
	base sched.Scheduler
}

func (ls *lockedScheduler) ScheduleFrame(fn func(now time.Time)) sched.Token {
	return ls.base.ScheduleFrame(func(now time.Time) {
		ls.c.locked(func() { fn(now) })
	})
}

func (ls *lockedScheduler) ScheduleIdle(budget time.Duration, fn func(now, deadline time.Time)) sched.Token {
	return ls.base.ScheduleIdle(budget, func(now, deadline time.Time) {
		ls.c.locked(func() { fn(now, deadline) })
	})
}

func (ls *lockedScheduler) ScheduleTimer(d time.Duration, fn func(now time.Time)) sched.Token {
	return ls.base.ScheduleTimer(d, func(now time.Time) {
		ls.c.locked(func() { fn(now) })
	})
}

func (ls *lockedScheduler) Cancel(tok sched.Token) { ls.base.Cancel(tok) }
func (ls *lockedScheduler) IdleCapable() bool      { return ls.base.IdleCapable() }
func (ls *lockedScheduler) Now() time.Time         { return ls.base.Now() }

// admissionFlags exposes the tile flags admission scores with.
type admissionFlags struct{ c *Controller }

func (f admissionFlags) IsVisible(id model.TileID) bool { return f.c.tracker.IsVisible(id) }
func (f admissionFlags) IsNear(id model.TileID) bool    { return f.c.tracker.IsNear(id) }
func (f admissionFlags) IsPlaying(id model.TileID) bool { return f.c.play.Playing(id) }

// playbackView exposes the flags and candidate order playback
// reconciles against. Visible candidates come in visual order, so the
// tiles highest on screen win slots first.
type playbackView struct{ c *Controller }

func (v playbackView) IsVisible(id model.TileID) bool { return v.c.tracker.IsVisible(id) }
func (v playbackView) IsLoaded(id model.TileID) bool  { return v.c.adm.Loaded(id) }

func (v playbackView) VisibleTiles() []model.TileID {
	var out []model.TileID
	for _, id := range v.c.engine.Order() {
		if v.c.tracker.IsVisible(id) {
			out = append(out, id)
		}
	}
	return out
}
