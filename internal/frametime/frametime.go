// Package frametime watches the cadence of frame callbacks and holds a
// "janky" flag for a decay window after any hitch, so pacing-sensitive
// consumers can throttle themselves without reacting to a single blip.
package frametime

import "time"

// Config holds hitch detection settings.
type Config struct {
	// HitchThreshold is the inter-frame gap that counts as a hitch.
	HitchThreshold time.Duration

	// Decay is how long the janky flag holds after the last hitch or
	// long-task report.
	Decay time.Duration
}

// DefaultConfig returns sensible defaults: three frame periods at 60fps
// counts as a hitch, and the flag decays after 800ms of calm.
func DefaultConfig() Config {
	return Config{
		HitchThreshold: 50 * time.Millisecond,
		Decay:          800 * time.Millisecond,
	}
}

// Monitor tracks recent frame hitches. It is a plain state machine; the
// owner serializes calls.
type Monitor struct {
	cfg       Config
	lastFrame time.Time
	until     time.Time
}

// NewMonitor creates a monitor with the given config, filling zero
// fields from defaults.
func NewMonitor(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.HitchThreshold <= 0 {
		cfg.HitchThreshold = def.HitchThreshold
	}
	if cfg.Decay <= 0 {
		cfg.Decay = def.Decay
	}
	return &Monitor{cfg: cfg}
}

// ObserveFrame records a frame boundary. A gap since the previous frame
// above the hitch threshold arms the janky flag.
func (m *Monitor) ObserveFrame(now time.Time) {
	if !m.lastFrame.IsZero() && now.Sub(m.lastFrame) > m.cfg.HitchThreshold {
		m.until = now.Add(m.cfg.Decay)
	}
	m.lastFrame = now
}

// ReportLongTask records an externally detected long task, arming the
// janky flag as if a hitch had been observed.
func (m *Monitor) ReportLongTask(now time.Time) {
	m.until = now.Add(m.cfg.Decay)
}

// Janky reports whether a hitch happened within the decay window.
func (m *Monitor) Janky(now time.Time) bool {
	return now.Before(m.until)
}

// Reset clears all recorded history.
func (m *Monitor) Reset() {
	m.lastFrame = time.Time{}
	m.until = time.Time{}
}
