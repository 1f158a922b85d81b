// Package viewport tracks which tiles intersect the viewport and which
// are within the prefetch margin. All registrations share one evaluation
// pipeline: geometry and viewport changes mark tiles dirty, and a single
// coalesced frame pass re-evaluates them, so notification bursts collapse
// into at most one callback batch per frame.
package viewport

import (
	"log/slog"
	"time"

	"github.com/me/wallgrid/pkg/model"
	"github.com/me/wallgrid/pkg/sched"
)

// ChangeFunc receives visibility updates for one registration. It fires
// once at registration with the initial state and afterwards only when
// the visible flag flips.
type ChangeFunc func(id model.TileID, visible, near bool)

// Config holds tracker settings.
type Config struct {
	// NearMarginPx extends the viewport on every side when deciding
	// whether a tile is near enough to warm up.
	NearMarginPx float64

	// SyncEvalBudget is how many registrations per frame are evaluated
	// synchronously inside Register. Keeps single registrations instant
	// while a mass mount spills into frame chunks.
	SyncEvalBudget int

	// FrameEvalBudget caps queued initial evaluations per frame pass.
	FrameEvalBudget int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		NearMarginPx:    600,
		SyncEvalBudget:  32,
		FrameEvalBudget: 160,
	}
}

type registration struct {
	id        model.TileID
	bounds    model.Rect
	fn        ChangeFunc
	visible   bool
	near      bool
	evaluated bool
}

// Tracker owns the visible/near flags for every registered tile. It is a
// single-threaded state machine; the owner serializes calls.
type Tracker struct {
	s      sched.Scheduler
	logger *slog.Logger
	cfg    Config

	viewport model.Rect
	regs     map[model.TileID]*registration
	order    []model.TileID

	pending      []model.TileID // awaiting initial evaluation
	dirty        map[model.TileID]bool
	allDirty     bool
	framePending bool
	frameTok     sched.Token

	syncUsed     int
	syncResetTok sched.Token
	syncArmed    bool
}

// New creates a tracker, filling zero config fields from defaults.
func New(s sched.Scheduler, cfg Config, logger *slog.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.NearMarginPx < 0 {
		cfg.NearMarginPx = 0
	}
	if cfg.SyncEvalBudget <= 0 {
		cfg.SyncEvalBudget = def.SyncEvalBudget
	}
	if cfg.FrameEvalBudget <= 0 {
		cfg.FrameEvalBudget = def.FrameEvalBudget
	}
	return &Tracker{
		s:      s,
		logger: logger.With("component", "viewport"),
		cfg:    cfg,
		regs:   make(map[model.TileID]*registration),
		dirty:  make(map[model.TileID]bool),
	}
}

// Register starts tracking id at the given bounds. The first
// SyncEvalBudget registrations of a frame evaluate immediately; the rest
// queue and evaluate in budgeted chunks on subsequent frames, so a mass
// mount never stalls one frame. Registering an existing id replaces it.
func (t *Tracker) Register(id model.TileID, bounds model.Rect, fn ChangeFunc) {
	if _, ok := t.regs[id]; !ok {
		t.order = append(t.order, id)
	}
	r := &registration{id: id, bounds: bounds, fn: fn}
	t.regs[id] = r

	if t.syncUsed < t.cfg.SyncEvalBudget {
		if !t.syncArmed {
			// The budget is per frame; recover it at the next boundary.
			t.syncArmed = true
			t.syncResetTok = t.s.ScheduleFrame(t.resetSyncBudget)
		}
		t.syncUsed++
		t.evaluate(r)
		r.evaluated = true
		if fn != nil {
			fn(id, r.visible, r.near)
		}
		return
	}
	t.pending = append(t.pending, id)
	t.requestPass()
}

// Unregister stops tracking id. Unknown ids are a no-op.
func (t *Tracker) Unregister(id model.TileID) {
	if _, ok := t.regs[id]; !ok {
		return
	}
	delete(t.regs, id)
	delete(t.dirty, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Reset drops every registration and pending evaluation.
func (t *Tracker) Reset() {
	t.regs = make(map[model.TileID]*registration)
	t.dirty = make(map[model.TileID]bool)
	t.order = nil
	t.pending = nil
	t.allDirty = false
	if t.framePending {
		t.s.Cancel(t.frameTok)
		t.framePending = false
	}
	if t.syncArmed {
		t.s.Cancel(t.syncResetTok)
		t.syncArmed = false
	}
	t.syncUsed = 0
}

// resetSyncBudget recovers the synchronous registration budget at a
// frame boundary.
func (t *Tracker) resetSyncBudget(now time.Time) {
	t.syncArmed = false
	t.syncUsed = 0
}

// SetBounds updates a tile's geometry, typically pushed down after a
// layout pass. The tile re-evaluates on the next frame pass.
func (t *Tracker) SetBounds(id model.TileID, bounds model.Rect) {
	r, ok := t.regs[id]
	if !ok {
		return
	}
	if r.bounds == bounds {
		return
	}
	r.bounds = bounds
	t.dirty[id] = true
	t.requestPass()
}

// SetViewport moves the viewport rectangle and re-evaluates everything
// on the next frame pass.
func (t *Tracker) SetViewport(v model.Rect) {
	if t.viewport == v {
		return
	}
	t.viewport = v
	t.allDirty = true
	t.requestPass()
}

// Viewport returns the current viewport rectangle.
func (t *Tracker) Viewport() model.Rect {
	return t.viewport
}

// SetNearMargin changes the prefetch margin. Applies on the next
// evaluation pass; no registration rebuild.
func (t *Tracker) SetNearMargin(px float64) {
	if px < 0 {
		px = 0
	}
	if t.cfg.NearMarginPx == px {
		return
	}
	t.cfg.NearMarginPx = px
	t.allDirty = true
	t.requestPass()
}

// Refresh forces a re-evaluation of every registration on the next
// frame pass. Called after layout passes reposition tiles.
func (t *Tracker) Refresh() {
	t.allDirty = true
	t.requestPass()
}

// IsVisible reports the tile's visible flag. Unknown ids are false.
func (t *Tracker) IsVisible(id model.TileID) bool {
	if r, ok := t.regs[id]; ok {
		return r.visible
	}
	return false
}

// IsNear reports the tile's near flag. Unknown ids are false.
func (t *Tracker) IsNear(id model.TileID) bool {
	if r, ok := t.regs[id]; ok {
		return r.near
	}
	return false
}

func (t *Tracker) requestPass() {
	if t.framePending {
		return
	}
	t.framePending = true
	t.frameTok = t.s.ScheduleFrame(t.pass)
}

type notification struct {
	fn      ChangeFunc
	id      model.TileID
	visible bool
	near    bool
}

// pass is the per-frame evaluation: a budgeted chunk of initial
// evaluations, then every dirty registration. Callbacks are collected
// first and delivered after all flags settle, so a callback reading a
// neighbor's flags sees this frame's state.
func (t *Tracker) pass(now time.Time) {
	t.framePending = false

	var notes []notification

	initial := 0
	for len(t.pending) > 0 && initial < t.cfg.FrameEvalBudget {
		id := t.pending[0]
		t.pending = t.pending[1:]
		r, ok := t.regs[id]
		if !ok || r.evaluated {
			continue
		}
		initial++
		t.evaluate(r)
		r.evaluated = true
		delete(t.dirty, id)
		if r.fn != nil {
			notes = append(notes, notification{r.fn, r.id, r.visible, r.near})
		}
	}

	reevaluated := 0
	if t.allDirty {
		t.allDirty = false
		t.dirty = make(map[model.TileID]bool)
		for _, id := range t.order {
			r := t.regs[id]
			if !r.evaluated {
				continue
			}
			reevaluated++
			if t.evaluate(r) && r.fn != nil {
				notes = append(notes, notification{r.fn, r.id, r.visible, r.near})
			}
		}
	} else if len(t.dirty) > 0 {
		for _, id := range t.order {
			if !t.dirty[id] {
				continue
			}
			r := t.regs[id]
			if !r.evaluated {
				continue
			}
			reevaluated++
			if t.evaluate(r) && r.fn != nil {
				notes = append(notes, notification{r.fn, r.id, r.visible, r.near})
			}
		}
		t.dirty = make(map[model.TileID]bool)
	}

	if len(t.pending) > 0 {
		t.requestPass()
	}

	t.logger.Debug("evaluation pass",
		"initial", initial,
		"reevaluated", reevaluated,
		"notified", len(notes),
		"queued", len(t.pending))

	for _, n := range notes {
		n.fn(n.id, n.visible, n.near)
	}
}

// evaluate recomputes one registration's flags. Returns true when the
// visible flag flipped.
func (t *Tracker) evaluate(r *registration) bool {
	vis := r.bounds.Intersects(t.viewport)
	near := r.bounds.Intersects(t.viewport.Expand(t.cfg.NearMarginPx))
	flipped := vis != r.visible
	r.visible = vis
	r.near = near
	return flipped
}
