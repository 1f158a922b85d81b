package admission

import (
	"math"
	"time"

	"github.com/me/wallgrid/pkg/model"
)

// Config holds the admission policy knobs. Everything is policy, not
// mechanism: the defaults come from observed behavior on mid-range
// hardware and every threshold stays tunable.
type Config struct {
	// EstimatedMBPerItem is the working assumption for one resident
	// tile's decoder and buffer cost.
	EstimatedMBPerItem float64

	// TargetBudgetFraction of total memory is the budget line the
	// headroom cap is measured against.
	TargetBudgetFraction float64

	// BaseCap overrides the device-capability ceiling. Zero derives a
	// tier from total memory.
	BaseCap int

	// MinMaxLoaded and MinConcurrentLoaders are the absolute floors
	// below which the limits never fall.
	MinMaxLoaded         int
	MinConcurrentLoaders int

	// GrowStep and ShrinkStep bound how far maxLoaded moves per
	// recompute. Shrinking is allowed to move faster than growing.
	GrowStep   int
	ShrinkStep int

	// HeadroomDeadbandMB is the band of memory movement that does not
	// move the limit at all.
	HeadroomDeadbandMB float64

	// PressureDerate is the fraction of the cap shaved at full memory
	// pressure; scaling is linear in the smoothed pressure.
	PressureDerate float64

	// JankDerate multiplies both limits while frames are hitching.
	JankDerate float64

	// ActivationBuffer is added to the activation target to form the
	// floor that keeps the viewport from starving.
	ActivationBuffer int

	// LoaderFanout divides the activation target into concurrent
	// loading slots.
	LoaderFanout int

	// VisibleOverflowFraction is the share of the loading cap that
	// visible tiles may exceed it by.
	VisibleOverflowFraction float64

	// FarHeadroomFraction is the loader utilization below which
	// off-screen tiles may still take a slot.
	FarHeadroomFraction float64

	// CleanupMinInterval rate-limits eviction passes.
	CleanupMinInterval time.Duration

	// FailureCooldown blocks limit growth after a reported resource
	// failure, so the halved limits hold long enough to take effect.
	FailureCooldown time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		EstimatedMBPerItem:      24,
		TargetBudgetFraction:    0.6,
		MinMaxLoaded:            16,
		MinConcurrentLoaders:    2,
		GrowStep:                8,
		ShrinkStep:              24,
		HeadroomDeadbandMB:      48,
		PressureDerate:          0.5,
		JankDerate:              0.7,
		ActivationBuffer:        8,
		LoaderFanout:            3,
		VisibleOverflowFraction: 0.25,
		FarHeadroomFraction:     0.5,
		CleanupMinInterval:      500 * time.Millisecond,
		FailureCooldown:         3 * time.Second,
	}
}

// withDefaults fills zero or out-of-range fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.EstimatedMBPerItem <= 0 {
		c.EstimatedMBPerItem = def.EstimatedMBPerItem
	}
	if c.TargetBudgetFraction <= 0 || c.TargetBudgetFraction > 1 {
		c.TargetBudgetFraction = def.TargetBudgetFraction
	}
	if c.BaseCap < 0 {
		c.BaseCap = 0
	}
	if c.MinMaxLoaded <= 0 {
		c.MinMaxLoaded = def.MinMaxLoaded
	}
	if c.MinConcurrentLoaders <= 0 {
		c.MinConcurrentLoaders = def.MinConcurrentLoaders
	}
	if c.GrowStep <= 0 {
		c.GrowStep = def.GrowStep
	}
	if c.ShrinkStep <= 0 {
		c.ShrinkStep = def.ShrinkStep
	}
	if c.HeadroomDeadbandMB < 0 {
		c.HeadroomDeadbandMB = def.HeadroomDeadbandMB
	}
	if c.PressureDerate < 0 || c.PressureDerate > 1 {
		c.PressureDerate = def.PressureDerate
	}
	if c.JankDerate <= 0 || c.JankDerate > 1 {
		c.JankDerate = def.JankDerate
	}
	if c.ActivationBuffer < 0 {
		c.ActivationBuffer = def.ActivationBuffer
	}
	if c.LoaderFanout <= 0 {
		c.LoaderFanout = def.LoaderFanout
	}
	if c.VisibleOverflowFraction < 0 {
		c.VisibleOverflowFraction = def.VisibleOverflowFraction
	}
	if c.FarHeadroomFraction <= 0 || c.FarHeadroomFraction > 1 {
		c.FarHeadroomFraction = def.FarHeadroomFraction
	}
	if c.CleanupMinInterval <= 0 {
		c.CleanupMinInterval = def.CleanupMinInterval
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = def.FailureCooldown
	}
	return c
}

// SetActivationTarget feeds the viewport-derived relevance count. Every
// change recomputes the limits: the activation floor moves with it.
func (c *Controller) SetActivationTarget(n int) {
	if n < 0 {
		n = 0
	}
	if n == c.activation {
		return
	}
	c.activation = n
	c.recomputeLimits()
}

// SetItemCount bounds both limits by the collection size.
func (c *Controller) SetItemCount(n int) {
	if n < 0 {
		n = 0
	}
	if n == c.itemCount {
		return
	}
	c.itemCount = n
	c.recomputeLimits()
}

// UpdateMemory folds one telemetry reading and the current jank flag
// into the limit computation. Runs on every sample tick.
func (c *Controller) UpdateMemory(status model.MemoryStatus, janky bool) {
	c.memory = status
	c.haveMemory = status.TotalMB > 0
	c.janky = janky
	c.recomputeLimits()
}

// ActivationTarget returns the last target fed in.
func (c *Controller) ActivationTarget() int { return c.activation }

// deviceCap is the capability ceiling for this device class. An
// explicit BaseCap wins; otherwise total memory picks a tier.
func (c *Controller) deviceCap() int {
	if c.cfg.BaseCap > 0 {
		return c.cfg.BaseCap
	}
	total := c.memory.TotalMB
	switch {
	case total <= 0:
		// No telemetry seen yet; assume a mid-range device.
		return 192
	case total < 2048:
		return 96
	case total < 4096:
		return 160
	case total < 8192:
		return 256
	default:
		return 384
	}
}

// candidate computes one maxLoaded candidate. bias shifts the memory
// headroom: a negative bias demands extra headroom before the limit may
// grow, a positive bias tolerates overdraft before it must shrink, and
// the gap between the two is the deadband that keeps small telemetry
// wobbles from moving the limit.
func (c *Controller) candidate(bias float64) int {
	cand := c.deviceCap()

	if c.haveMemory {
		budget := c.memory.TotalMB * c.cfg.TargetBudgetFraction
		headroom := budget - c.memory.CurrentMB + bias
		memCap := int(math.Floor(headroom / c.cfg.EstimatedMBPerItem))
		if memCap < cand {
			cand = memCap
		}
	}

	cand = int(math.Floor(float64(cand) * (1 - c.cfg.PressureDerate*c.memory.Pressure)))
	if c.janky {
		cand = int(math.Floor(float64(cand) * c.cfg.JankDerate))
	}

	// The viewport always fits: whatever memory says, the tiles the
	// user is looking at (plus a prefetch buffer) stay admissible.
	if floor := c.activation + c.cfg.ActivationBuffer; cand < floor {
		cand = floor
	}
	return c.clampMaxLoaded(cand)
}

// recomputeLimits rebuilds both limits from the current memory status,
// activation target, and item count. maxLoaded moves at most GrowStep
// up or ShrinkStep down per call, and not at all while the new
// candidate sits inside the deadband around the previous value.
func (c *Controller) recomputeLimits() {
	prev := c.limits

	var maxLoaded int
	grow := c.candidate(-c.cfg.HeadroomDeadbandMB)
	shrink := c.candidate(+c.cfg.HeadroomDeadbandMB)
	switch {
	case !c.initialized:
		maxLoaded = c.candidate(0)
	case grow > prev.MaxLoaded && !c.growthHeld():
		step := grow - prev.MaxLoaded
		if step > c.cfg.GrowStep {
			step = c.cfg.GrowStep
		}
		maxLoaded = prev.MaxLoaded + step
	case shrink < prev.MaxLoaded:
		step := prev.MaxLoaded - shrink
		if step > c.cfg.ShrinkStep {
			step = c.cfg.ShrinkStep
		}
		maxLoaded = prev.MaxLoaded - step
	default:
		maxLoaded = prev.MaxLoaded
	}

	conc := (c.activation + c.cfg.LoaderFanout - 1) / c.cfg.LoaderFanout
	if c.janky {
		conc = int(math.Floor(float64(conc) * c.cfg.JankDerate))
	}
	conc = c.clampConcurrent(conc, maxLoaded)

	c.initialized = true
	c.commitLimits(model.Limits{MaxLoaded: maxLoaded, MaxConcurrentLoading: conc})
}

// growthHeld reports whether a recent resource failure still blocks
// limit growth. The latest sample time stands in for the clock so the
// computation stays a pure function of its inputs.
func (c *Controller) growthHeld() bool {
	return !c.growHoldUntil.IsZero() && c.memory.SampledAt.Before(c.growHoldUntil)
}

// clampMaxLoaded applies the floor and the collection-size ceiling. A
// collection smaller than the floor wins: there is nothing to load
// past it.
func (c *Controller) clampMaxLoaded(n int) int {
	if n < c.cfg.MinMaxLoaded {
		n = c.cfg.MinMaxLoaded
	}
	if c.itemCount > 0 && n > c.itemCount {
		n = c.itemCount
	}
	return n
}

// clampConcurrent bounds the loading cap by maxLoaded, the collection
// size, and the loader floor. Like clampMaxLoaded, the ceilings win
// over the floor: a collection smaller than the floor has nothing to
// load in parallel past itself.
func (c *Controller) clampConcurrent(n, maxLoaded int) int {
	if n < c.cfg.MinConcurrentLoaders {
		n = c.cfg.MinConcurrentLoaders
	}
	if n > maxLoaded {
		n = maxLoaded
	}
	if c.itemCount > 0 && n > c.itemCount {
		n = c.itemCount
	}
	return n
}

// commitLimits stores the new budget and notifies if it moved.
func (c *Controller) commitLimits(l model.Limits) {
	if c.limits == l {
		return
	}
	c.limits = l
	c.logger.Debug("limits updated",
		"max_loaded", l.MaxLoaded,
		"max_concurrent_loading", l.MaxConcurrentLoading)
	if c.onLimits != nil {
		c.onLimits(l)
	}
}
