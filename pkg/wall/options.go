package wall

import (
	"context"
	"log/slog"
	"time"

	"github.com/me/wallgrid/internal/admission"
	"github.com/me/wallgrid/internal/layout"
	"github.com/me/wallgrid/internal/logging"
	"github.com/me/wallgrid/internal/materialize"
	"github.com/me/wallgrid/internal/playback"
	"github.com/me/wallgrid/internal/viewport"
	"github.com/me/wallgrid/pkg/model"
	"github.com/me/wallgrid/pkg/sched"
)

// Options configures a Controller. Start from DefaultOptions and
// override: a zero Options works, but boolean knobs that default to on
// (PauseOnScroll, LongTaskAdaptation) read as off in a zero value.
type Options struct {
	// Scheduler drives every pass. Nil gets a live 60fps ticker owned
	// by the controller; tests and the simulator pass sched.Manual.
	Scheduler sched.Scheduler

	// Logger receives structured diagnostics. Nil discards everything.
	Logger *slog.Logger

	// Events receives controller notifications, delivered on the
	// scheduling context after each pass settles. Nil drops them.
	Events model.EventSink

	// Telemetry asks the host for process memory on each poll. Nil or
	// failing samplers fall back to a single-process heap estimate.
	Telemetry func(ctx context.Context) (model.MemorySample, error)

	// Materialization pace.
	InitialCount        int
	BatchSize           int
	MinBatch            int
	MaxBatch            int
	Interval            time.Duration
	MaxVisible          int
	PauseOnScroll       bool
	LongTaskAdaptation  bool
	DeterministicGrowth bool

	// Visibility.
	NearMarginPx float64

	// Layout.
	Gap           float64
	DefaultAspect float64
	ZoomWidths    []float64
	ZoomLevel     int

	// Admission budget.
	EstimatedMBPerItem   float64
	TargetBudgetFraction float64
	BaseCap              int

	// Playback slots.
	MaxPlaying    int
	ErrorCooldown time.Duration

	// ActivationMultiplier scales the estimated visible tile count into
	// the activation target, clamped to [ActivationMinClamp,
	// ActivationMaxClamp].
	ActivationMultiplier float64
	ActivationMinClamp   int
	ActivationMaxClamp   int

	// MemoryPollInterval is the telemetry sampling cadence.
	MemoryPollInterval time.Duration

	// ScrollIdle is how long after the last Scroll call the controller
	// considers scrolling settled.
	ScrollIdle time.Duration
}

// DefaultOptions returns the per-component defaults plus the
// controller's own tuning.
func DefaultOptions() Options {
	mat := materialize.DefaultConfig()
	vp := viewport.DefaultConfig()
	lay := layout.DefaultConfig()
	adm := admission.DefaultConfig()
	play := playback.DefaultConfig()
	return Options{
		InitialCount:       mat.Initial,
		BatchSize:          mat.Batch,
		MinBatch:           mat.MinBatch,
		MaxBatch:           mat.MaxBatch,
		Interval:           mat.Interval,
		MaxVisible:         mat.MaxVisible,
		PauseOnScroll:      mat.PauseOnScroll,
		LongTaskAdaptation: mat.LongTaskAdaptation,

		NearMarginPx: vp.NearMarginPx,

		Gap:           lay.Gap,
		DefaultAspect: lay.DefaultAspect,
		ZoomWidths:    lay.ZoomWidths,
		ZoomLevel:     lay.ZoomLevel,

		EstimatedMBPerItem:   adm.EstimatedMBPerItem,
		TargetBudgetFraction: adm.TargetBudgetFraction,

		MaxPlaying:    play.MaxPlaying,
		ErrorCooldown: play.ErrorCooldown,

		ActivationMultiplier: 2.5,
		ActivationMinClamp:   12,
		ActivationMaxClamp:   240,
		MemoryPollInterval:   2 * time.Second,
		ScrollIdle:           150 * time.Millisecond,
	}
}

// withDefaults fills the controller-owned fields; component fields pass
// through and get zero-filled by the component constructors.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.DefaultAspect <= 0 {
		o.DefaultAspect = def.DefaultAspect
	}
	if o.ActivationMultiplier <= 0 {
		o.ActivationMultiplier = def.ActivationMultiplier
	}
	if o.ActivationMinClamp <= 0 {
		o.ActivationMinClamp = def.ActivationMinClamp
	}
	if o.ActivationMaxClamp < o.ActivationMinClamp {
		o.ActivationMaxClamp = def.ActivationMaxClamp
	}
	if o.MemoryPollInterval <= 0 {
		o.MemoryPollInterval = def.MemoryPollInterval
	}
	if o.ScrollIdle <= 0 {
		o.ScrollIdle = def.ScrollIdle
	}
	return o
}
