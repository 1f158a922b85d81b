// Package layout computes masonry positions for the materialized window.
// Tiles fill the shortest column in collection order, so the grid stays
// dense while reading order roughly tracks collection order. Passes are
// sliced into fixed-size chunks across frame callbacks to keep any one
// frame cheap, and re-layout requests coalesce into at most one
// follow-up pass.
package layout

import (
	"log/slog"
	"sort"
	"time"

	"github.com/me/wallgrid/pkg/model"
	"github.com/me/wallgrid/pkg/sched"
)

// Config holds layout settings.
type Config struct {
	// Gap is the spacing between tiles on both axes.
	Gap float64

	// ChunkSize caps tiles placed per frame callback.
	ChunkSize int

	// DefaultAspect is the width/height used until a tile's real ratio
	// is reported.
	DefaultAspect float64

	// ZoomWidths maps zoom level to desired tile width. Column count
	// derives from container width and the level's desired width.
	ZoomWidths []float64

	// ZoomLevel indexes ZoomWidths; clamped to the valid range.
	ZoomLevel int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Gap:           8,
		ChunkSize:     200,
		DefaultAspect: 16.0 / 9.0,
		ZoomWidths:    []float64{120, 160, 220, 300, 420},
		ZoomLevel:     2,
	}
}

// Pass summarizes one completed layout pass.
type Pass struct {
	Columns int
	Placed  int
}

// Engine owns tile geometry. It is a single-threaded state machine; the
// owner serializes calls.
type Engine struct {
	s      sched.Scheduler
	logger *slog.Logger
	cfg    Config

	containerWidth float64
	items          []model.TileID
	window         int
	ratios         map[model.TileID]float64
	bounds         map[model.TileID]model.Rect
	metrics        model.LayoutMetrics
	emittedMetrics bool
	order          []model.TileID

	passActive bool
	rerun      bool
	frameArmed bool
	frameTok   sched.Token
	cursor     int
	passTarget int
	heights    []float64

	onMetrics  func(model.LayoutMetrics)
	onOrder    func([]model.TileID)
	onBounds   func(model.TileID, model.Rect)
	onComplete func(Pass)
}

// New creates an engine, filling zero config fields from defaults.
func New(s sched.Scheduler, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Gap < 0 {
		cfg.Gap = def.Gap
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.DefaultAspect <= 0 {
		cfg.DefaultAspect = def.DefaultAspect
	}
	if len(cfg.ZoomWidths) == 0 {
		cfg.ZoomWidths = def.ZoomWidths
	}
	if cfg.ZoomLevel < 0 {
		cfg.ZoomLevel = 0
	}
	if cfg.ZoomLevel >= len(cfg.ZoomWidths) {
		cfg.ZoomLevel = len(cfg.ZoomWidths) - 1
	}
	return &Engine{
		s:      s,
		logger: logger.With("component", "layout"),
		cfg:    cfg,
		ratios: make(map[model.TileID]float64),
		bounds: make(map[model.TileID]model.Rect),
	}
}

// OnMetrics registers the callback fired when a pass produced different
// column metrics than the previous one.
func (e *Engine) OnMetrics(fn func(model.LayoutMetrics)) { e.onMetrics = fn }

// OnOrder registers the callback receiving the visual order (ascending
// by y, then x) after each pass.
func (e *Engine) OnOrder(fn func([]model.TileID)) { e.onOrder = fn }

// OnBounds registers the callback fired as each tile is placed.
func (e *Engine) OnBounds(fn func(model.TileID, model.Rect)) { e.onBounds = fn }

// OnComplete registers the callback fired after the final chunk.
func (e *Engine) OnComplete(fn func(Pass)) { e.onComplete = fn }

// SetItems replaces the ordered collection. Cached aspect ratios
// survive so a removed-and-readded item keeps its measured shape. An
// in-flight pass walks the old slice, so it aborts and restarts rather
// than chunk past the end of a shorter replacement.
func (e *Engine) SetItems(ids []model.TileID) {
	e.items = ids
	keep := make(map[model.TileID]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	for id := range e.bounds {
		if !keep[id] {
			delete(e.bounds, id)
		}
	}
	if e.passActive {
		e.s.Cancel(e.frameTok)
		e.passActive = false
		e.rerun = false
	}
	e.ScheduleLayout()
}

// SetWindow sets how many leading items get placed.
func (e *Engine) SetWindow(n int) {
	if n < 0 {
		n = 0
	}
	if n == e.window {
		return
	}
	e.window = n
	e.ScheduleLayout()
}

// SetContainerWidth updates the container and schedules a pass.
func (e *Engine) SetContainerWidth(w float64) {
	if w == e.containerWidth {
		return
	}
	e.containerWidth = w
	e.ScheduleLayout()
}

// SetZoomLevel switches the desired tile width tier.
func (e *Engine) SetZoomLevel(level int) {
	if level < 0 {
		level = 0
	}
	if level >= len(e.cfg.ZoomWidths) {
		level = len(e.cfg.ZoomWidths) - 1
	}
	if level == e.cfg.ZoomLevel {
		return
	}
	e.cfg.ZoomLevel = level
	e.ScheduleLayout()
}

// SetAspectRatio commits a measured ratio. A pass is scheduled only
// when the value actually changed for a tile that has been placed, so
// a burst of identical reports costs nothing.
func (e *Engine) SetAspectRatio(id model.TileID, ratio float64) {
	if ratio <= 0 {
		return
	}
	if prev, ok := e.ratios[id]; ok && prev == ratio {
		return
	}
	e.ratios[id] = ratio
	if _, placed := e.bounds[id]; placed {
		e.ScheduleLayout()
	}
}

// AspectRatio returns the cached ratio for id, or the default.
func (e *Engine) AspectRatio(id model.TileID) float64 {
	if r, ok := e.ratios[id]; ok {
		return r
	}
	return e.cfg.DefaultAspect
}

// Bounds returns the last committed rectangle for id.
func (e *Engine) Bounds(id model.TileID) (model.Rect, bool) {
	r, ok := e.bounds[id]
	return r, ok
}

// Metrics returns the column metrics of the last completed pass.
func (e *Engine) Metrics() model.LayoutMetrics {
	return e.metrics
}

// Order returns the visual order of the last completed pass.
func (e *Engine) Order() []model.TileID {
	return e.order
}

// ScheduleLayout requests a pass. Requests during an active pass merge
// into exactly one follow-up pass; requests before the first chunk
// coalesce into the already-armed pass.
func (e *Engine) ScheduleLayout() {
	if e.passActive {
		e.rerun = true
		return
	}
	if e.frameArmed {
		return
	}
	e.frameArmed = true
	e.frameTok = e.s.ScheduleFrame(e.startPass)
}

// Stop cancels any armed pass or in-flight chunk.
func (e *Engine) Stop() {
	if e.frameArmed || e.passActive {
		e.s.Cancel(e.frameTok)
	}
	e.frameArmed = false
	e.passActive = false
	e.rerun = false
}

// computeMetrics derives the column grid for the current width and zoom.
func (e *Engine) computeMetrics() model.LayoutMetrics {
	desired := e.cfg.ZoomWidths[e.cfg.ZoomLevel]
	gap := e.cfg.Gap
	cols := int((e.containerWidth + gap) / (desired + gap))
	if cols < 1 {
		cols = 1
	}
	colw := (e.containerWidth - gap*float64(cols-1)) / float64(cols)
	return model.LayoutMetrics{
		ColumnCount:    cols,
		ColumnWidth:    colw,
		ColumnGap:      gap,
		ContainerWidth: e.containerWidth,
	}
}

func (e *Engine) startPass(now time.Time) {
	e.frameArmed = false
	if e.containerWidth <= 0 {
		// Nothing to divide by; a later width update reschedules.
		e.logger.Debug("layout skipped", "reason", "zero container width")
		return
	}

	e.metricsForPass(e.computeMetrics())
	e.passActive = true
	e.cursor = 0
	e.passTarget = min(e.window, len(e.items))
	e.heights = make([]float64, e.metrics.ColumnCount)
	e.chunk(now)
}

// metricsForPass commits new metrics, remembering whether they changed
// so finishPass can notify.
func (e *Engine) metricsForPass(m model.LayoutMetrics) {
	if e.metrics != m {
		e.metrics = m
		e.emittedMetrics = false
	}
}

// chunk places up to ChunkSize tiles, then either arms the next chunk
// or finishes the pass.
func (e *Engine) chunk(now time.Time) {
	gap := e.cfg.Gap
	colw := e.metrics.ColumnWidth
	limit := e.cursor + e.cfg.ChunkSize
	if limit > e.passTarget {
		limit = e.passTarget
	}

	for ; e.cursor < limit; e.cursor++ {
		id := e.items[e.cursor]
		col := 0
		for c := 1; c < len(e.heights); c++ {
			if e.heights[c] < e.heights[col] {
				col = c
			}
		}
		h := colw / e.AspectRatio(id)
		r := model.MakeRect(float64(col)*(colw+gap), e.heights[col], colw, h)
		e.bounds[id] = r
		e.heights[col] += h + gap
		if e.onBounds != nil {
			e.onBounds(id, r)
		}
	}

	if e.cursor < e.passTarget {
		e.frameTok = e.s.ScheduleFrame(e.chunk)
		return
	}
	e.finishPass()
}

func (e *Engine) finishPass() {
	e.passActive = false
	placed := e.passTarget

	ids := make([]model.TileID, placed)
	copy(ids, e.items[:placed])
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := e.bounds[ids[i]], e.bounds[ids[j]]
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	e.order = ids

	e.logger.Debug("layout pass complete",
		"columns", e.metrics.ColumnCount,
		"placed", placed,
		"rerun_queued", e.rerun)

	if !e.emittedMetrics {
		e.emittedMetrics = true
		if e.onMetrics != nil {
			e.onMetrics(e.metrics)
		}
	}
	if e.onOrder != nil {
		e.onOrder(e.order)
	}
	if e.onComplete != nil {
		e.onComplete(Pass{Columns: e.metrics.ColumnCount, Placed: placed})
	}

	if e.rerun {
		e.rerun = false
		e.ScheduleLayout()
	}
}
