package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/wallgrid/pkg/wall"
)

func TestParse_OverlaysOntoDefaults(t *testing.T) {
	profile := `
batch_size: 32
interval: 250ms
pause_on_scroll: false
target_budget_fraction: 0.4
zoom_widths: [100, 200]
max_playing: 3
`
	p, err := Parse([]byte(profile))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	opts := p.Apply(wall.DefaultOptions())

	if opts.BatchSize != 32 {
		t.Errorf("BatchSize = %d, want 32", opts.BatchSize)
	}
	if opts.Interval != 250*time.Millisecond {
		t.Errorf("Interval = %v, want 250ms", opts.Interval)
	}
	if opts.PauseOnScroll {
		t.Error("PauseOnScroll should be overridden to false")
	}
	if opts.TargetBudgetFraction != 0.4 {
		t.Errorf("TargetBudgetFraction = %v, want 0.4", opts.TargetBudgetFraction)
	}
	if len(opts.ZoomWidths) != 2 || opts.ZoomWidths[0] != 100 || opts.ZoomWidths[1] != 200 {
		t.Errorf("ZoomWidths = %v, want [100 200]", opts.ZoomWidths)
	}
	if opts.MaxPlaying != 3 {
		t.Errorf("MaxPlaying = %d, want 3", opts.MaxPlaying)
	}

	// Knobs the profile never mentions keep their defaults.
	def := wall.DefaultOptions()
	if opts.InitialCount != def.InitialCount {
		t.Errorf("InitialCount = %d, want default %d", opts.InitialCount, def.InitialCount)
	}
	if opts.EstimatedMBPerItem != def.EstimatedMBPerItem {
		t.Errorf("EstimatedMBPerItem = %v, want default %v", opts.EstimatedMBPerItem, def.EstimatedMBPerItem)
	}
	if !opts.LongTaskAdaptation {
		t.Error("LongTaskAdaptation should keep its default (on)")
	}
}

func TestParse_EmptyDocumentKeepsDefaults(t *testing.T) {
	p, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	def := wall.DefaultOptions()
	opts := p.Apply(def)
	if opts.BatchSize != def.BatchSize || opts.Interval != def.Interval {
		t.Errorf("empty profile changed defaults: got batch %d interval %v", opts.BatchSize, opts.Interval)
	}
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("batchsize: 32\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !strings.Contains(err.Error(), "batchsize") {
		t.Errorf("error should name the unknown key, got: %v", err)
	}
}

func TestParse_RejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("interval: fast\n"))
	if err == nil {
		t.Fatal("expected error for unparseable duration")
	}
	if !strings.Contains(err.Error(), "fast") {
		t.Errorf("error should quote the bad value, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("testdata/does-not-exist.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte("max_visible: 120\nscroll_idle: 90ms\n"), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	opts := p.Apply(wall.DefaultOptions())
	if opts.MaxVisible != 120 {
		t.Errorf("MaxVisible = %d, want 120", opts.MaxVisible)
	}
	if opts.ScrollIdle != 90*time.Millisecond {
		t.Errorf("ScrollIdle = %v, want 90ms", opts.ScrollIdle)
	}
}
