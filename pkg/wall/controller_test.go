package wall

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/me/wallgrid/pkg/model"
	"github.com/me/wallgrid/pkg/sched"
)

// The fixture drives a controller through a Manual scheduler with a
// 1000x600 viewport and the default zoom tier: 4 columns of width 244,
// a 16:9 row pitch of 145.25px, so rows 0-4 intersect the viewport and
// rows 5-8 fall inside the default 600px near margin.

type eventLog struct {
	events []model.Event
}

func (l *eventLog) HandleEvent(ev model.Event) {
	l.events = append(l.events, ev)
}

func (l *eventLog) granted() []model.TileID {
	var out []model.TileID
	for _, ev := range l.events {
		if g, ok := ev.(model.PlaybackGranted); ok {
			out = append(out, g.Tile)
		}
	}
	return out
}

func (l *eventLog) revoked() map[model.TileID]model.RevokeReason {
	out := make(map[model.TileID]model.RevokeReason)
	for _, ev := range l.events {
		if r, ok := ev.(model.PlaybackRevoked); ok {
			out[r.Tile] = r.Reason
		}
	}
	return out
}

func (l *eventLog) evicted() []model.TileID {
	var out []model.TileID
	for _, ev := range l.events {
		if e, ok := ev.(model.TileEvicted); ok {
			out = append(out, e.Tile)
		}
	}
	return out
}

func (l *eventLog) advances() []int {
	var out []int
	for _, ev := range l.events {
		if a, ok := ev.(model.MaterializeAdvanced); ok {
			out = append(out, a.Count)
		}
	}
	return out
}

func (l *eventLog) reset() {
	l.events = nil
}

func makeItems(prefix string, n int) []model.Item {
	items := make([]model.Item, n)
	for i := range items {
		items[i] = model.Item{ID: model.TileID(fmt.Sprintf("%s%02d", prefix, i))}
	}
	return items
}

func testWall(t *testing.T, items []model.Item, opts Options) (*Controller, *sched.Manual, *eventLog) {
	t.Helper()
	m := sched.NewManual(time.Unix(0, 0))
	log := &eventLog{}
	opts.Scheduler = m
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Events = log
	opts.DeterministicGrowth = true
	if opts.Interval == 0 {
		opts.Interval = 100 * time.Millisecond
	}
	c, err := New(items, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c, m, log
}

func loadTiles(c *Controller, ids ...model.TileID) {
	for _, id := range ids {
		c.NoteLoadStarted(id)
		c.NoteLoadFinished(id)
	}
}

func TestNew_RejectsBadItems(t *testing.T) {
	if _, err := New([]model.Item{{ID: "a"}, {ID: "a"}}, Options{}); err == nil {
		t.Fatal("duplicate id accepted")
	}
	if _, err := New([]model.Item{{ID: "a"}, {ID: ""}}, Options{}); err == nil {
		t.Fatal("empty id accepted")
	}
}

// TestWall_FirstScreenLifecycle walks the mount sequence end to end:
// the initial window materializes synchronously, the first layout pass
// registers tiles and flags the first five rows visible, loads admit,
// and the reconcile grants playback to the first loaded tiles in visual
// order.
func TestWall_FirstScreenLifecycle(t *testing.T) {
	c, m, log := testWall(t, makeItems("t", 60), Options{})

	if got := c.MaterializedCount(); got != 24 {
		t.Fatalf("initial window = %d, want 24", got)
	}

	c.SetViewport(model.MakeRect(0, 0, 1000, 600))
	m.Run(2)

	st, ok := c.TileState("t00")
	if !ok {
		t.Fatal("t00 not in collection")
	}
	if !st.Materialized || !st.Visible || !st.Near {
		t.Fatalf("t00 flags = %+v, want materialized visible near", st)
	}
	if st.Bounds.W != 244 {
		t.Errorf("t00 width = %v, want 244", st.Bounds.W)
	}

	st, _ = c.TileState("t20")
	if !st.Materialized || st.Visible || !st.Near {
		t.Fatalf("t20 flags = %+v, want materialized near, not visible", st)
	}

	st, _ = c.TileState("t30")
	if st.Materialized || st.Visible || st.Near || st.Load != model.LoadStateUnloaded {
		t.Fatalf("t30 flags = %+v, want all unset", st)
	}

	for i := 0; i < 6; i++ {
		id := model.TileID(fmt.Sprintf("t%02d", i))
		if !c.CanLoad(id) {
			t.Fatalf("CanLoad(%s) denied", id)
		}
		loadTiles(c, id)
	}
	m.Run(1)

	wantGranted := []model.TileID{"t00", "t01", "t02", "t03", "t04", "t05"}
	granted := log.granted()
	if len(granted) != len(wantGranted) {
		t.Fatalf("granted = %v, want %v", granted, wantGranted)
	}
	for i, id := range wantGranted {
		if granted[i] != id {
			t.Fatalf("granted[%d] = %s, want %s", i, granted[i], id)
		}
		c.ReportStarted(id)
	}

	status := c.Status()
	if status.ItemCount != 60 || status.MaterializedCount != 24 {
		t.Errorf("counts = %d/%d, want 60/24", status.ItemCount, status.MaterializedCount)
	}
	if status.PlayingCount != 6 || status.LoadedCount != 6 || status.LoadingCount != 0 {
		t.Errorf("playing/loaded/loading = %d/%d/%d, want 6/6/0",
			status.PlayingCount, status.LoadedCount, status.LoadingCount)
	}
	if status.Layout.ColumnCount != 4 {
		t.Errorf("columns = %d, want 4", status.Layout.ColumnCount)
	}
	if status.ActivationTarget != 50 {
		t.Errorf("activation target = %d, want 50 (4 cols x 5 rows x 2.5)", status.ActivationTarget)
	}
	if status.ControllerID == "" {
		t.Error("controller id empty")
	}

	if got := len(c.TileStates()); got != 60 {
		t.Errorf("TileStates len = %d, want 60", got)
	}
	if got := log.advances(); len(got) == 0 || got[0] != 24 {
		t.Errorf("advances = %v, want leading 24", got)
	}
}

// TestWall_GrowthAndWindowShrink grows the window on the deterministic
// timer, shrinks it with a tighter ceiling, and checks that tiles past
// the new window lose their flags.
func TestWall_GrowthAndWindowShrink(t *testing.T) {
	c, m, _ := testWall(t, makeItems("g", 100), Options{
		InitialCount: 8,
		BatchSize:    8,
		MaxVisible:   40,
	})
	c.SetViewport(model.MakeRect(0, 0, 1000, 600))
	m.Run(2)

	m.Advance(400 * time.Millisecond)
	if got := c.MaterializedCount(); got != 40 {
		t.Fatalf("window after four ticks = %d, want 40", got)
	}
	m.Run(2)

	c.SetMaxVisible(16)
	if got := c.MaterializedCount(); got != 16 {
		t.Fatalf("window after shrink = %d, want 16", got)
	}
	st, _ := c.TileState("g20")
	if st.Materialized || st.Visible || st.Near {
		t.Fatalf("g20 flags = %+v, want dematerialized", st)
	}

	// Raising the ceiling resumes growth from the clamped cursor.
	c.SetMaxVisible(60)
	m.Advance(600 * time.Millisecond)
	if got := c.MaterializedCount(); got != 60 {
		t.Fatalf("window after regrow = %d, want 60", got)
	}
	m.Run(2)
	st, _ = c.TileState("g59")
	if !st.Materialized || st.Visible || st.Near {
		t.Fatalf("g59 flags = %+v, want materialized only", st)
	}
}

// TestWall_ScrollPausesGrowthThenSettles holds the window during active
// scrolling and resumes growth after the idle gap, with the settle pass
// keeping established playback.
func TestWall_ScrollPausesGrowthThenSettles(t *testing.T) {
	c, m, _ := testWall(t, makeItems("s", 40), Options{
		InitialCount:  8,
		BatchSize:     8,
		PauseOnScroll: true,
		MaxPlaying:    2,
	})
	c.SetViewport(model.MakeRect(0, 0, 1000, 600))
	m.Run(2)
	loadTiles(c, "s00", "s01")
	m.Run(1)
	if got := c.Status().PlayingCount; got != 2 {
		t.Fatalf("playing before scroll = %d, want 2", got)
	}

	// Clock is at 48ms. Growth ticks land at 100/200/300ms; scrolling at
	// 48ms and again at 148ms keeps the first two paused and pushes the
	// settle deadline to 298ms, so only the 300ms tick grows.
	c.Scroll(40)
	m.Advance(100 * time.Millisecond)
	if got := c.MaterializedCount(); got != 8 {
		t.Fatalf("window during scroll = %d, want 8", got)
	}
	c.Scroll(80)
	m.Advance(100 * time.Millisecond)
	if got := c.MaterializedCount(); got != 8 {
		t.Fatalf("window while still scrolling = %d, want 8", got)
	}
	m.Advance(100 * time.Millisecond)
	if got := c.MaterializedCount(); got != 16 {
		t.Fatalf("window after settle = %d, want 16", got)
	}
	if got := c.Status().PlayingCount; got != 2 {
		t.Errorf("playing after settle = %d, want 2", got)
	}
}

// TestWall_MemoryPressureEvicts feeds a high-occupancy telemetry sample
// and watches the limit walk down in shrink steps until the resident
// overage is evicted, far tiles first.
func TestWall_MemoryPressureEvicts(t *testing.T) {
	c, m, log := testWall(t, makeItems("m", 100), Options{
		Telemetry: func(ctx context.Context) (model.MemorySample, error) {
			return model.MemorySample{CurrentMB: 3500, TotalMB: 4096}, nil
		},
		EstimatedMBPerItem:   10,
		TargetBudgetFraction: 0.5,
		BaseCap:              100,
	})

	c.SetViewport(model.MakeRect(0, 0, 1000, 600))
	m.Run(2)
	for i := 0; i < 60; i++ {
		loadTiles(c, model.TileID(fmt.Sprintf("m%02d", i)))
	}

	m.Advance(2 * time.Second)
	if got := c.Limits().MaxLoaded; got != 76 {
		t.Fatalf("max loaded after first poll = %d, want 76 (one shrink step)", got)
	}
	if got := log.evicted(); len(got) != 0 {
		t.Fatalf("evictions before overage = %v, want none", got)
	}

	m.Advance(2 * time.Second)
	if got := c.Limits().MaxLoaded; got != 58 {
		t.Fatalf("max loaded after second poll = %d, want 58 (activation floor)", got)
	}
	evicted := log.evicted()
	want := []model.TileID{"m24", "m25"}
	if len(evicted) != 2 || evicted[0] != want[0] || evicted[1] != want[1] {
		t.Fatalf("evicted = %v, want %v (far tiles before near)", evicted, want)
	}
	if got := c.Status().LoadedCount; got != 58 {
		t.Errorf("loaded after cleanup = %d, want 58", got)
	}
	st, _ := c.TileState("m24")
	if st.Load != model.LoadStateUnloaded {
		t.Errorf("m24 load = %s, want UNLOADED", st.Load)
	}
}

// TestWall_HoverForceAdmitsAtCap pins a loaded visible tile while the
// slot budget is full; the pin admits immediately at the expense of the
// most recent starter.
func TestWall_HoverForceAdmitsAtCap(t *testing.T) {
	c, m, log := testWall(t, makeItems("h", 12), Options{MaxPlaying: 2})
	c.SetViewport(model.MakeRect(0, 0, 1000, 600))
	m.Run(2)
	loadTiles(c, "h00", "h01", "h02", "h03")
	m.Run(1)
	c.ReportStarted("h00")
	c.ReportStarted("h01")
	log.reset()

	c.MarkHover("h03")
	m.Run(1)

	if got := log.granted(); len(got) != 1 || got[0] != "h03" {
		t.Fatalf("granted = %v, want [h03]", got)
	}
	revoked := log.revoked()
	if reason, ok := revoked["h01"]; !ok || reason != model.RevokeCapacity {
		t.Fatalf("revoked = %v, want h01 for capacity", revoked)
	}
	for id, want := range map[model.TileID]bool{"h00": true, "h01": false, "h03": true} {
		if st, _ := c.TileState(id); st.Playing != want {
			t.Errorf("%s playing = %v, want %v", id, st.Playing, want)
		}
	}
}

// TestWall_PlaybackErrorQuarantine revokes an erroring tile, keeps it
// out through the cooldown, and lets it back afterwards.
func TestWall_PlaybackErrorQuarantine(t *testing.T) {
	c, m, log := testWall(t, makeItems("p", 8), Options{
		MaxPlaying:    2,
		ErrorCooldown: 5 * time.Second,
	})
	c.SetViewport(model.MakeRect(0, 0, 1000, 600))
	m.Run(2)
	loadTiles(c, "p00", "p01")
	m.Run(1)

	c.ReportError("p00")
	if got := log.revoked()["p00"]; got != model.RevokeError {
		t.Fatalf("revoke reason = %q, want error", got)
	}
	m.Run(1)
	if st, _ := c.TileState("p00"); st.Playing {
		t.Fatal("p00 playing during quarantine")
	}

	m.Advance(5 * time.Second)
	c.MarkHover("")
	m.Run(1)
	if st, _ := c.TileState("p00"); !st.Playing {
		t.Fatal("p00 not re-admitted after cooldown")
	}
}

// TestWall_SetItemsReplacesCollection swaps the list, which resets all
// flags but keeps measured aspect ratios for re-added ids.
func TestWall_SetItemsReplacesCollection(t *testing.T) {
	c, m, _ := testWall(t, makeItems("a", 20), Options{})
	c.SetViewport(model.MakeRect(0, 0, 1000, 600))
	m.Run(2)
	loadTiles(c, "a00", "a01")
	m.Run(1)
	c.ReportAspectRatio("b05", 1.0)

	if err := c.SetItems(makeItems("b", 10)); err != nil {
		t.Fatalf("SetItems: %v", err)
	}
	status := c.Status()
	if status.ItemCount != 10 || status.MaterializedCount != 10 {
		t.Fatalf("counts = %d/%d, want 10/10", status.ItemCount, status.MaterializedCount)
	}
	if status.LoadedCount != 0 || status.PlayingCount != 0 {
		t.Fatalf("loaded/playing = %d/%d, want 0/0", status.LoadedCount, status.PlayingCount)
	}
	if _, ok := c.TileState("a00"); ok {
		t.Fatal("a00 still resolvable after replacement")
	}

	m.Run(2)
	st, ok := c.TileState("b05")
	if !ok || !st.Materialized {
		t.Fatalf("b05 state = %+v, want materialized", st)
	}
	if st.Bounds.H != st.Bounds.W {
		t.Errorf("b05 bounds = %+v, want square from cached 1.0 ratio", st.Bounds)
	}

	if err := c.SetItems([]model.Item{{ID: "x"}, {ID: "x"}}); err == nil {
		t.Fatal("duplicate replacement accepted")
	}
	if got := c.Status().ItemCount; got != 10 {
		t.Errorf("item count after rejected replacement = %d, want 10", got)
	}
}

// TestWall_CloseCancelsEverything closes mid-flight and checks that no
// callbacks stay queued and the surface degrades to no-ops.
func TestWall_CloseCancelsEverything(t *testing.T) {
	c, m, _ := testWall(t, makeItems("c", 30), Options{})
	c.SetViewport(model.MakeRect(0, 0, 1000, 600))
	m.Run(2)
	loadTiles(c, "c00")
	c.Close()
	c.Close()

	if got := m.PendingTimers(); got != 0 {
		t.Errorf("pending timers after close = %d, want 0", got)
	}
	if got := m.PendingFrames(); got != 0 {
		t.Errorf("pending frames after close = %d, want 0", got)
	}
	if c.CanLoad("c00") {
		t.Error("CanLoad granted after close")
	}
	if got := c.Status(); got.ControllerID != "" {
		t.Errorf("status after close = %+v, want zero", got)
	}
	c.SetViewport(model.MakeRect(0, 0, 500, 500))
	c.Scroll(10)
	c.MarkHover("c01")
	m.Run(2)
}

// TestWall_OwnedSchedulerClose exercises the nil-scheduler path: the
// controller spins up its own ticker and the close handshake stops it.
func TestWall_OwnedSchedulerClose(t *testing.T) {
	c, err := New(makeItems("o", 5), Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.MaterializedCount(); got != 5 {
		t.Errorf("window = %d, want 5", got)
	}
	c.Close()
}
