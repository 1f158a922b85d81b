package sched

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func startTicker(t *testing.T) *Ticker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tk := NewTicker(TickerConfig{FPS: 100}, logger)
	go tk.Start(context.Background())
	t.Cleanup(func() { tk.Stop() })
	return tk
}

func TestTicker_DeliversFrame(t *testing.T) {
	tk := startTicker(t)

	done := make(chan struct{})
	tk.ScheduleFrame(func(time.Time) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("frame callback not delivered")
	}
}

func TestTicker_DeliversTimer(t *testing.T) {
	tk := startTicker(t)

	done := make(chan struct{})
	tk.ScheduleTimer(20*time.Millisecond, func(time.Time) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer callback not delivered")
	}
}

func TestTicker_DeliversIdleWithDeadline(t *testing.T) {
	tk := startTicker(t)

	done := make(chan time.Duration, 1)
	tk.ScheduleIdle(5*time.Millisecond, func(now, deadline time.Time) {
		done <- deadline.Sub(now)
	})

	select {
	case granted := <-done:
		if granted <= 0 || granted > 5*time.Millisecond {
			t.Errorf("granted = %v, want in (0, 5ms]", granted)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle callback not delivered")
	}
}

func TestTicker_CancelTimer(t *testing.T) {
	tk := startTicker(t)

	fired := make(chan struct{}, 1)
	tok := tk.ScheduleTimer(time.Hour, func(time.Time) { fired <- struct{}{} })
	tk.Cancel(tok)

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTicker_StopTwice(t *testing.T) {
	tk := startTicker(t)

	if err := tk.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := tk.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestTicker_StopBeforeStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tk := NewTicker(DefaultTickerConfig(), logger)

	done := make(chan struct{})
	go func() {
		tk.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked without a running Start")
	}
}

func TestTicker_StopUnblocksStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tk := NewTicker(DefaultTickerConfig(), logger)

	startErr := make(chan error, 1)
	go func() { startErr <- tk.Start(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	if err := tk.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-startErr:
		if err != nil {
			t.Errorf("Start returned %v, want nil after Stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
