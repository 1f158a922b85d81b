// Package telemetry turns raw process-memory readings into the smoothed
// pressure signal the admission controller keys off. The host supplies a
// sampler; when it is absent or failing, a single-process heap estimate
// keeps the signal alive at lower fidelity.
package telemetry

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/me/wallgrid/pkg/model"
)

// SampleFunc asks the host's telemetry collaborator for current process
// memory. It must return promptly; the monitor bounds each call with a
// timeout and falls back to the heap estimate on error.
type SampleFunc func(ctx context.Context) (model.MemorySample, error)

// Config holds sampling settings.
type Config struct {
	// Alpha is the exponential smoothing factor for the pressure
	// signal. Higher reacts faster, lower rides out spikes.
	Alpha float64

	// AssumedTotalMB is the budget denominator used when only the heap
	// fallback is available.
	AssumedTotalMB float64

	// SampleTimeout bounds one collaborator call.
	SampleTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:          0.3,
		AssumedTotalMB: 4096,
		SampleTimeout:  250 * time.Millisecond,
	}
}

// Monitor polls the sampler and maintains the smoothed memory status.
// The owner serializes calls.
type Monitor struct {
	cfg      Config
	sampler  SampleFunc
	logger   *slog.Logger
	status   model.MemoryStatus
	pressure float64
	seeded   bool
}

// NewMonitor creates a monitor. sampler may be nil, in which case every
// sample comes from the heap estimate.
func NewMonitor(sampler SampleFunc, cfg Config, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.AssumedTotalMB <= 0 {
		cfg.AssumedTotalMB = def.AssumedTotalMB
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = def.SampleTimeout
	}
	return &Monitor{
		cfg:     cfg,
		sampler: sampler,
		logger:  logger.With("component", "telemetry"),
	}
}

// Sample takes one reading and folds it into the smoothed status.
func (m *Monitor) Sample(ctx context.Context, now time.Time) model.MemoryStatus {
	sample, source := m.read(ctx)

	raw := sample.Fraction()
	if !m.seeded {
		m.pressure = raw
		m.seeded = true
	} else {
		m.pressure = m.cfg.Alpha*raw + (1-m.cfg.Alpha)*m.pressure
	}

	m.status = model.MemoryStatus{
		MemorySample: sample,
		Pressure:     m.pressure,
		Source:       source,
		SampledAt:    now,
	}
	m.logger.Debug("memory sampled",
		"current_mb", int(sample.CurrentMB),
		"total_mb", int(sample.TotalMB),
		"pressure", m.pressure,
		"source", source)
	return m.status
}

// Status returns the most recent sample without polling.
func (m *Monitor) Status() model.MemoryStatus {
	return m.status
}

func (m *Monitor) read(ctx context.Context) (model.MemorySample, model.MemorySource) {
	if m.sampler != nil {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.SampleTimeout)
		s, err := m.sampler(cctx)
		cancel()
		switch {
		case err != nil:
			m.logger.Warn("telemetry sample failed, using heap estimate", "error", err)
		case s.TotalMB <= 0:
			m.logger.Warn("telemetry sample missing total, using heap estimate")
		default:
			return s, model.MemorySourceTelemetry
		}
	}
	return m.heapSample(), model.MemorySourceHeap
}

// heapSample approximates process memory from the Go heap. Undercounts
// decoder and buffer memory held outside the heap, which is why it is
// only the fallback.
func (m *Monitor) heapSample() model.MemorySample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	const mb = 1 << 20
	return model.MemorySample{
		CurrentMB: float64(ms.HeapAlloc) / mb,
		TotalMB:   m.cfg.AssumedTotalMB,
	}
}
