package model

import "time"

// Limits is the resource budget the admission controller derives from
// memory headroom and viewport geometry.
type Limits struct {
	// MaxLoaded is the ceiling on simultaneously resident tiles.
	MaxLoaded int `json:"max_loaded"`

	// MaxConcurrentLoading is the ceiling on in-flight loads.
	MaxConcurrentLoading int `json:"max_concurrent_loading"`
}

// MemorySource identifies which path produced a memory sample.
type MemorySource string

const (
	// MemorySourceTelemetry means the host's telemetry collaborator
	// answered the poll.
	MemorySourceTelemetry MemorySource = "telemetry"

	// MemorySourceHeap means the single-process heap fallback was used.
	MemorySourceHeap MemorySource = "heap"
)

// MemorySample is one raw reading from the telemetry collaborator.
type MemorySample struct {
	CurrentMB float64 `json:"current_mb"`
	TotalMB   float64 `json:"total_mb"`
}

// Fraction returns current/total, or 0 when total is unknown.
func (s MemorySample) Fraction() float64 {
	if s.TotalMB <= 0 {
		return 0
	}
	return s.CurrentMB / s.TotalMB
}

// MemoryStatus is a sample plus the smoothed pressure derived from the
// recent sample history.
type MemoryStatus struct {
	MemorySample
	// Pressure is the exponentially smoothed usage fraction in [0, 1].
	Pressure  float64      `json:"pressure"`
	Source    MemorySource `json:"source"`
	SampledAt time.Time    `json:"sampled_at"`
}

// LayoutMetrics describes the column grid the layout engine derived from
// container width and zoom level.
type LayoutMetrics struct {
	ColumnCount    int     `json:"column_count"`
	ColumnWidth    float64 `json:"column_width"`
	ColumnGap      float64 `json:"column_gap"`
	ContainerWidth float64 `json:"container_width"`
}

// Status is a controller-level diagnostics snapshot.
type Status struct {
	ControllerID      string        `json:"controller_id"`
	ItemCount         int           `json:"item_count"`
	MaterializedCount int           `json:"materialized_count"`
	ActivationTarget  int           `json:"activation_target"`
	Limits            Limits        `json:"limits"`
	LoadedCount       int           `json:"loaded_count"`
	LoadingCount      int           `json:"loading_count"`
	PlayingCount      int           `json:"playing_count"`
	Layout            LayoutMetrics `json:"layout"`
	Memory            MemoryStatus  `json:"memory"`
	Janky             bool          `json:"janky"`
}
