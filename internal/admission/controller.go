// Package admission owns the load-state ledger and decides which tiles
// may hold media resources. Limits derive from memory headroom and
// viewport geometry; admission answers are a pure function of current
// flags and counters, and eviction never touches a tile the user can
// see or hear.
package admission

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/me/wallgrid/pkg/model"
)

// Eviction scoring weights. Higher keeps a tile longer; playing or
// visible tiles are never evicted at all.
const (
	scorePlaying = 4
	scoreVisible = 2
	scoreNear    = 1
)

// FlagSource answers per-tile flag lookups during admission and
// eviction decisions. Implemented by the collection controller.
type FlagSource interface {
	IsVisible(model.TileID) bool
	IsNear(model.TileID) bool
	IsPlaying(model.TileID) bool
}

// Controller is a single-threaded state machine; the owner serializes
// calls.
type Controller struct {
	logger *slog.Logger
	cfg    Config
	flags  FlagSource

	states       map[model.TileID]model.LoadState
	loadedCount  int
	loadingCount int

	limits        model.Limits
	initialized   bool
	itemCount     int
	activation    int
	memory        model.MemoryStatus
	haveMemory    bool
	janky         bool
	growHoldUntil time.Time

	suspended   bool
	lastCleanup time.Time
	haveCleanup bool

	onLimits func(model.Limits)
}

// New creates a controller, filling zero config fields from defaults.
func New(flags FlagSource, cfg Config, logger *slog.Logger) *Controller {
	return &Controller{
		logger: logger.With("component", "admission"),
		cfg:    cfg.withDefaults(),
		flags:  flags,
		states: make(map[model.TileID]model.LoadState),
	}
}

// OnLimits registers the callback fired whenever either limit moves.
func (c *Controller) OnLimits(fn func(model.Limits)) { c.onLimits = fn }

// Limits returns the current budget.
func (c *Controller) Limits() model.Limits { return c.limits }

// State returns the tile's load state; untracked ids are unloaded.
func (c *Controller) State(id model.TileID) model.LoadState {
	if st, ok := c.states[id]; ok {
		return st
	}
	return model.LoadStateUnloaded
}

// Loaded reports whether the tile holds decoded media.
func (c *Controller) Loaded(id model.TileID) bool {
	return c.states[id] == model.LoadStateLoaded
}

// Loading reports whether the tile has an in-flight load.
func (c *Controller) Loading(id model.TileID) bool {
	return c.states[id] == model.LoadStateLoading
}

// LoadedCount returns the number of fully loaded tiles.
func (c *Controller) LoadedCount() int { return c.loadedCount }

// LoadingCount returns the number of in-flight loads.
func (c *Controller) LoadingCount() int { return c.loadingCount }

// NoteLoadStarted records that the rendering layer began a load.
func (c *Controller) NoteLoadStarted(id model.TileID) {
	c.setState(id, model.LoadStateLoading)
}

// NoteLoadFinished records a completed load.
func (c *Controller) NoteLoadFinished(id model.TileID) {
	c.setState(id, model.LoadStateLoaded)
}

// NoteLoadFailed records a failed load. The slot is freed; the tile may
// retry through the normal admission gate.
func (c *Controller) NoteLoadFailed(id model.TileID) {
	c.setState(id, model.LoadStateFailed)
}

// NoteUnloaded records that the tile released its media element.
func (c *Controller) NoteUnloaded(id model.TileID) {
	c.setState(id, model.LoadStateUnloaded)
}

// Reset drops the whole ledger. Limits and memory history survive.
func (c *Controller) Reset() {
	c.states = make(map[model.TileID]model.LoadState)
	c.loadedCount = 0
	c.loadingCount = 0
}

// setState applies a transition, keeping the counters consistent. The
// rendering layer is the source of truth for its own elements, so an
// out-of-protocol transition is applied anyway and only logged.
func (c *Controller) setState(id model.TileID, next model.LoadState) {
	prev := c.State(id)
	if prev == next {
		return
	}
	if !prev.CanTransitionTo(next) {
		c.logger.Debug("unexpected load transition", "tile_id", id, "from", prev, "to", next)
	}
	switch prev {
	case model.LoadStateLoading:
		c.loadingCount--
	case model.LoadStateLoaded:
		c.loadedCount--
	}
	switch next {
	case model.LoadStateLoading:
		c.loadingCount++
	case model.LoadStateLoaded:
		c.loadedCount++
	}
	if next == model.LoadStateUnloaded {
		delete(c.states, id)
		return
	}
	c.states[id] = next
}

// CanLoad answers whether id may start a load right now. assumeVisible
// covers the registration race where a tile asks before its first
// visibility evaluation landed. Tiles already loading or loaded keep
// their grant. Denials are free to retry later; nothing is queued.
func (c *Controller) CanLoad(id model.TileID, assumeVisible bool) bool {
	switch c.State(id) {
	case model.LoadStateLoading, model.LoadStateLoaded:
		return true
	}

	visible := assumeVisible || c.flags.IsVisible(id)

	// The resident ceiling: once loaded+loading fills maxLoaded, only
	// visible tiles may push past it (they will win the next eviction
	// scan anyway, so making them wait just flashes placeholders).
	if c.loadedCount+c.loadingCount >= c.limits.MaxLoaded && !visible {
		return false
	}

	loading := c.loadingCount
	capc := c.limits.MaxConcurrentLoading
	switch {
	case visible:
		overflow := int(math.Ceil(float64(capc) * c.cfg.VisibleOverflowFraction))
		return loading < capc+overflow
	case c.flags.IsNear(id):
		return loading < capc
	default:
		// Far tiles (or unknown ids, which read as far) only take a
		// loader while utilization is low.
		return float64(loading) < float64(capc)*c.cfg.FarHeadroomFraction
	}
}

// SuspendEvictions pauses cleanup passes, e.g. while a fullscreen
// surface borrows a tile's element.
func (c *Controller) SuspendEvictions(suspend bool) {
	c.suspended = suspend
}

// PerformCleanup evicts the least useful loaded tiles when the resident
// count exceeds maxLoaded. Victims are removed from the ledger and
// returned; the caller tells the rendering layer to release them.
// Passes are rate-limited; zero-overage calls are free and do not
// consume the interval.
func (c *Controller) PerformCleanup(now time.Time) []model.TileID {
	if c.suspended {
		return nil
	}
	if c.loadedCount <= c.limits.MaxLoaded {
		return nil
	}
	if c.haveCleanup && now.Sub(c.lastCleanup) < c.cfg.CleanupMinInterval {
		return nil
	}
	return c.evict(now)
}

// ReportFailure reacts to a resource-exhaustion signal (decoder
// creation failed, OOM-adjacent error): both limits halve, growth is
// held for the cooldown window, and an immediate cleanup runs,
// bypassing the rate limit.
func (c *Controller) ReportFailure(now time.Time) []model.TileID {
	l := c.limits
	l.MaxLoaded = c.clampMaxLoaded(l.MaxLoaded / 2)
	l.MaxConcurrentLoading = c.clampConcurrent(l.MaxConcurrentLoading/2, l.MaxLoaded)
	c.commitLimits(l)
	c.growHoldUntil = now.Add(c.cfg.FailureCooldown)
	c.logger.Warn("resource failure reported, limits halved",
		"max_loaded", l.MaxLoaded,
		"max_concurrent_loading", l.MaxConcurrentLoading)

	if c.suspended || c.loadedCount <= c.limits.MaxLoaded {
		return nil
	}
	return c.evict(now)
}

// evict runs one scoring scan. Only loaded, non-playing, non-visible
// tiles qualify; the lowest scores go first, ties broken by id so the
// outcome is deterministic.
func (c *Controller) evict(now time.Time) []model.TileID {
	c.lastCleanup = now
	c.haveCleanup = true

	overage := c.loadedCount - c.limits.MaxLoaded

	type candidate struct {
		id    model.TileID
		score int
	}
	var cands []candidate
	for id, st := range c.states {
		if st != model.LoadStateLoaded {
			continue
		}
		if c.flags.IsPlaying(id) || c.flags.IsVisible(id) {
			continue
		}
		score := 0
		if c.flags.IsNear(id) {
			score += scoreNear
		}
		cands = append(cands, candidate{id: id, score: score})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score < cands[j].score
		}
		return cands[i].id < cands[j].id
	})

	if len(cands) > overage {
		cands = cands[:overage]
	}
	victims := make([]model.TileID, 0, len(cands))
	for _, cand := range cands {
		c.setState(cand.id, model.LoadStateUnloaded)
		victims = append(victims, cand.id)
	}
	c.logger.Debug("cleanup pass",
		"overage", overage,
		"evicted", len(victims),
		"loaded", c.loadedCount)
	return victims
}
