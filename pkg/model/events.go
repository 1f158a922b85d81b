package model

import "time"

// EventKind names an event variant for logging and counters.
type EventKind string

const (
	EventVisibilityChanged   EventKind = "visibility_changed"
	EventMaterializeAdvanced EventKind = "materialize_advanced"
	EventLayoutCompleted     EventKind = "layout_completed"
	EventMetricsChanged      EventKind = "metrics_changed"
	EventLimitsChanged       EventKind = "limits_changed"
	EventTileEvicted         EventKind = "tile_evicted"
	EventPlaybackGranted     EventKind = "playback_granted"
	EventPlaybackRevoked     EventKind = "playback_revoked"
	EventTileQuarantined     EventKind = "tile_quarantined"
	EventMemoryUpdated       EventKind = "memory_updated"
)

// Event is one controller notification. Variants are plain structs so
// consumers can switch on the concrete type; Kind exists for counters
// and log fields.
type Event interface {
	Kind() EventKind
}

// EventSink receives controller events. Callbacks run on the
// controller's scheduling context and must not block.
type EventSink interface {
	HandleEvent(Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(Event)

// HandleEvent calls f(ev).
func (f EventSinkFunc) HandleEvent(ev Event) {
	f(ev)
}

// VisibilityChanged fires when a tile's visible flag flips.
type VisibilityChanged struct {
	Tile    TileID
	Visible bool
	Near    bool
}

func (VisibilityChanged) Kind() EventKind { return EventVisibilityChanged }

// MaterializeAdvanced fires when the materialized window grows or is
// clamped down. Count is the new window size.
type MaterializeAdvanced struct {
	Count int
}

func (MaterializeAdvanced) Kind() EventKind { return EventMaterializeAdvanced }

// LayoutCompleted fires after the final chunk of a layout pass.
type LayoutCompleted struct {
	Columns int
	Placed  int
}

func (LayoutCompleted) Kind() EventKind { return EventLayoutCompleted }

// MetricsChanged fires when a layout pass produced different column
// metrics than the previous pass.
type MetricsChanged struct {
	Metrics LayoutMetrics
}

func (MetricsChanged) Kind() EventKind { return EventMetricsChanged }

// LimitsChanged fires when the admission controller moved either limit.
type LimitsChanged struct {
	Limits Limits
}

func (LimitsChanged) Kind() EventKind { return EventLimitsChanged }

// TileEvicted fires when admission withdrew a tile's load grant. The
// rendering layer must release the tile's media element.
type TileEvicted struct {
	Tile TileID
}

func (TileEvicted) Kind() EventKind { return EventTileEvicted }

// PlaybackGranted fires when a tile gains a playback slot.
type PlaybackGranted struct {
	Tile TileID
}

func (PlaybackGranted) Kind() EventKind { return EventPlaybackGranted }

// RevokeReason explains why a playback slot was taken away.
type RevokeReason string

const (
	RevokeHidden   RevokeReason = "hidden"
	RevokeUnloaded RevokeReason = "unloaded"
	RevokeCapacity RevokeReason = "capacity"
	RevokeError    RevokeReason = "error"
)

// PlaybackRevoked fires when a tile loses its playback slot.
type PlaybackRevoked struct {
	Tile   TileID
	Reason RevokeReason
}

func (PlaybackRevoked) Kind() EventKind { return EventPlaybackRevoked }

// TileQuarantined fires when a playback error sidelines a tile until
// the cooldown passes.
type TileQuarantined struct {
	Tile  TileID
	Until time.Time
}

func (TileQuarantined) Kind() EventKind { return EventTileQuarantined }

// MemoryUpdated fires on every telemetry poll.
type MemoryUpdated struct {
	Status MemoryStatus
}

func (MemoryUpdated) Kind() EventKind { return EventMemoryUpdated }
