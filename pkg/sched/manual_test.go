package sched

import (
	"fmt"
	"testing"
	"time"
)

func TestManual_FrameOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	var order []int
	m.ScheduleFrame(func(time.Time) { order = append(order, 1) })
	m.ScheduleFrame(func(time.Time) { order = append(order, 2) })
	m.ScheduleFrame(func(time.Time) { order = append(order, 3) })

	if n := m.StepFrame(); n != 3 {
		t.Fatalf("StepFrame ran %d callbacks, want 3", n)
	}
	for i, v := range order {
		if v != i+1 {
			t.Errorf("order[%d] = %d, want %d", i, v, i+1)
		}
	}
}

// A frame callback scheduled from inside a frame callback must wait for
// the next frame, mirroring requestAnimationFrame semantics.
func TestManual_RearmWaitsForNextFrame(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	fired := 0
	var arm func(time.Time)
	arm = func(time.Time) {
		fired++
		m.ScheduleFrame(arm)
	}
	m.ScheduleFrame(arm)

	m.StepFrame()
	if fired != 1 {
		t.Fatalf("after 1 step fired = %d, want 1", fired)
	}
	m.StepFrame()
	m.StepFrame()
	if fired != 3 {
		t.Errorf("after 3 steps fired = %d, want 3", fired)
	}
}

func TestManual_CancelFrame(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	fired := false
	tok := m.ScheduleFrame(func(time.Time) { fired = true })
	m.Cancel(tok)

	m.StepFrame()
	if fired {
		t.Error("cancelled frame callback fired")
	}
	// Cancelling again is a no-op.
	m.Cancel(tok)
}

func TestManual_AdvanceFiresTimersInOrder(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewManual(start)

	var fires []string
	m.ScheduleTimer(200*time.Millisecond, func(now time.Time) {
		fires = append(fires, fmt.Sprintf("b@%d", now.Sub(start)/time.Millisecond))
	})
	m.ScheduleTimer(100*time.Millisecond, func(now time.Time) {
		fires = append(fires, fmt.Sprintf("a@%d", now.Sub(start)/time.Millisecond))
	})

	m.Advance(250 * time.Millisecond)

	want := []string{"a@100", "b@200"}
	if len(fires) != len(want) {
		t.Fatalf("fires = %v, want %v", fires, want)
	}
	for i := range want {
		if fires[i] != want[i] {
			t.Errorf("fires[%d] = %q, want %q", i, fires[i], want[i])
		}
	}
	if got := m.Now(); got != start.Add(250*time.Millisecond) {
		t.Errorf("Now = %v, want start+250ms", got)
	}
}

// A timer that re-arms itself from its own callback keeps firing within
// a single Advance as long as it comes due before the target.
func TestManual_RearmingTimer(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	fired := 0
	var arm func(time.Time)
	arm = func(time.Time) {
		fired++
		m.ScheduleTimer(100*time.Millisecond, arm)
	}
	m.ScheduleTimer(100*time.Millisecond, arm)

	m.Advance(350 * time.Millisecond)
	if fired != 3 {
		t.Errorf("fired = %d, want 3 (at 100, 200, 300)", fired)
	}
	if m.PendingTimers() != 1 {
		t.Errorf("pending timers = %d, want 1 (re-armed for 400)", m.PendingTimers())
	}
}

func TestManual_StepFrameFiresDueTimersFirst(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	var order []string
	m.ScheduleTimer(5*time.Millisecond, func(time.Time) { order = append(order, "timer") })
	m.ScheduleFrame(func(time.Time) { order = append(order, "frame") })

	m.StepFrame()
	if len(order) != 2 || order[0] != "timer" || order[1] != "frame" {
		t.Errorf("order = %v, want [timer frame]", order)
	}
}

func TestManual_StepIdleGrant(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	var gotDeadline time.Time
	var gotNow time.Time
	m.ScheduleIdle(50*time.Millisecond, func(now, deadline time.Time) {
		gotNow, gotDeadline = now, deadline
	})

	// Grant less than requested: deadline reflects the grant.
	m.StepIdle(8 * time.Millisecond)
	if d := gotDeadline.Sub(gotNow); d != 8*time.Millisecond {
		t.Errorf("granted budget = %v, want 8ms", d)
	}

	// Grant more than requested: deadline caps at the request.
	m.ScheduleIdle(5*time.Millisecond, func(now, deadline time.Time) {
		gotNow, gotDeadline = now, deadline
	})
	m.StepIdle(50 * time.Millisecond)
	if d := gotDeadline.Sub(gotNow); d != 5*time.Millisecond {
		t.Errorf("granted budget = %v, want 5ms", d)
	}
}

func TestManual_IdleCapableToggle(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	if !m.IdleCapable() {
		t.Error("manual scheduler should default to idle-capable")
	}
	m.SetIdleCapable(false)
	if m.IdleCapable() {
		t.Error("SetIdleCapable(false) not reflected")
	}
}

// Two identical schedules produce identical callback sequences,
// including observed clock readings.
func TestManual_Deterministic(t *testing.T) {
	run := func() []string {
		m := NewManual(time.Unix(0, 0))
		var log []string
		record := func(tag string) func(time.Time) {
			return func(now time.Time) {
				log = append(log, fmt.Sprintf("%s@%d", tag, now.UnixMilli()))
			}
		}
		m.ScheduleTimer(40*time.Millisecond, record("t1"))
		m.ScheduleFrame(record("f1"))
		m.ScheduleTimer(10*time.Millisecond, record("t2"))
		m.ScheduleIdle(20*time.Millisecond, func(now, _ time.Time) {
			log = append(log, fmt.Sprintf("i1@%d", now.UnixMilli()))
		})
		m.Run(4)
		return log
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("runs differ in length: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("runs diverge at %d: %q vs %q", i, a[i], b[i])
		}
	}
}
