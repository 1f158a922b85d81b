package model

// TileID uniquely identifies one tile within a collection.
type TileID string

// Item is one entry of the host collection, in collection order.
// AspectRatio is width/height; zero means unknown until the media
// collaborator reports the decoded dimensions.
type Item struct {
	ID          TileID  `json:"id"`
	AspectRatio float64 `json:"aspect_ratio,omitempty"`
}

// LoadState represents the resource lifecycle of a tile's media element.
type LoadState string

const (
	LoadStateUnloaded LoadState = "UNLOADED"
	LoadStateLoading  LoadState = "LOADING"
	LoadStateLoaded   LoadState = "LOADED"
	LoadStateFailed   LoadState = "FAILED"
)

// String returns the string representation of the load state.
func (s LoadState) String() string {
	return string(s)
}

// Resident returns true if the tile holds decoder or buffer resources,
// counting against the admission budget.
func (s LoadState) Resident() bool {
	switch s {
	case LoadStateLoading, LoadStateLoaded:
		return true
	}
	return false
}

// ValidLoadTransitions defines the allowed load state transitions.
var ValidLoadTransitions = map[LoadState][]LoadState{
	LoadStateUnloaded: {LoadStateLoading},
	LoadStateLoading:  {LoadStateLoaded, LoadStateFailed, LoadStateUnloaded},
	LoadStateLoaded:   {LoadStateUnloaded, LoadStateFailed},
	LoadStateFailed:   {LoadStateLoading, LoadStateUnloaded},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s LoadState) CanTransitionTo(next LoadState) bool {
	for _, allowed := range ValidLoadTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TileState is the per-tile decision surface the rendering layer reads
// each frame to decide what that tile should do.
type TileState struct {
	ID           TileID    `json:"id"`
	Materialized bool      `json:"materialized"`
	Bounds       Rect      `json:"bounds"`
	Visible      bool      `json:"visible"`
	Near         bool      `json:"near"`
	Load         LoadState `json:"load"`
	Playing      bool      `json:"playing"`
}
