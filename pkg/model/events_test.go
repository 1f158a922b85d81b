package model

import (
	"testing"
	"time"
)

func TestEventKinds(t *testing.T) {
	tests := []struct {
		ev   Event
		want EventKind
	}{
		{VisibilityChanged{Tile: "t1", Visible: true}, EventVisibilityChanged},
		{MaterializeAdvanced{Count: 40}, EventMaterializeAdvanced},
		{LayoutCompleted{Columns: 4, Placed: 40}, EventLayoutCompleted},
		{MetricsChanged{}, EventMetricsChanged},
		{LimitsChanged{Limits: Limits{MaxLoaded: 24}}, EventLimitsChanged},
		{TileEvicted{Tile: "t1"}, EventTileEvicted},
		{PlaybackGranted{Tile: "t1"}, EventPlaybackGranted},
		{PlaybackRevoked{Tile: "t1", Reason: RevokeCapacity}, EventPlaybackRevoked},
		{TileQuarantined{Tile: "t1", Until: time.Unix(100, 0)}, EventTileQuarantined},
		{MemoryUpdated{}, EventMemoryUpdated},
	}
	for _, tt := range tests {
		if got := tt.ev.Kind(); got != tt.want {
			t.Errorf("%T.Kind() = %q, want %q", tt.ev, got, tt.want)
		}
	}
}

func TestEventSinkFunc(t *testing.T) {
	var seen []EventKind
	sink := EventSinkFunc(func(ev Event) {
		seen = append(seen, ev.Kind())
	})

	sink.HandleEvent(TileEvicted{Tile: "t1"})
	sink.HandleEvent(PlaybackGranted{Tile: "t2"})

	if len(seen) != 2 || seen[0] != EventTileEvicted || seen[1] != EventPlaybackGranted {
		t.Errorf("sink saw %v, want [tile_evicted playback_granted]", seen)
	}
}
