// Package config loads YAML tuning profiles that overlay the
// controller defaults for a run. Profiles are partial: every knob is
// optional, and unknown keys are rejected so typos fail loudly.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/me/wallgrid/pkg/wall"
	"gopkg.in/yaml.v3"
)

// Duration unmarshals from YAML duration strings such as "200ms" or "2s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"200ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Profile is a partial override of the controller tuning knobs. Nil
// means "keep the default"; pointer fields let a profile set an
// explicit zero or false. The json tags serve the run store, which
// keeps the profile alongside each recorded run.
type Profile struct {
	InitialCount       *int      `yaml:"initial_count" json:"initial_count,omitempty"`
	BatchSize          *int      `yaml:"batch_size" json:"batch_size,omitempty"`
	MinBatch           *int      `yaml:"min_batch" json:"min_batch,omitempty"`
	MaxBatch           *int      `yaml:"max_batch" json:"max_batch,omitempty"`
	Interval           *Duration `yaml:"interval" json:"interval,omitempty"`
	MaxVisible         *int      `yaml:"max_visible" json:"max_visible,omitempty"`
	PauseOnScroll      *bool     `yaml:"pause_on_scroll" json:"pause_on_scroll,omitempty"`
	LongTaskAdaptation *bool     `yaml:"long_task_adaptation" json:"long_task_adaptation,omitempty"`

	NearMarginPx *float64 `yaml:"near_margin_px" json:"near_margin_px,omitempty"`

	Gap           *float64  `yaml:"gap" json:"gap,omitempty"`
	DefaultAspect *float64  `yaml:"default_aspect" json:"default_aspect,omitempty"`
	ZoomWidths    []float64 `yaml:"zoom_widths" json:"zoom_widths,omitempty"`
	ZoomLevel     *int      `yaml:"zoom_level" json:"zoom_level,omitempty"`

	EstimatedMBPerItem   *float64 `yaml:"estimated_mb_per_item" json:"estimated_mb_per_item,omitempty"`
	TargetBudgetFraction *float64 `yaml:"target_budget_fraction" json:"target_budget_fraction,omitempty"`
	BaseCap              *int     `yaml:"base_cap" json:"base_cap,omitempty"`

	MaxPlaying    *int      `yaml:"max_playing" json:"max_playing,omitempty"`
	ErrorCooldown *Duration `yaml:"error_cooldown" json:"error_cooldown,omitempty"`

	ActivationMultiplier *float64 `yaml:"activation_multiplier" json:"activation_multiplier,omitempty"`
	ActivationMinClamp   *int     `yaml:"activation_min_clamp" json:"activation_min_clamp,omitempty"`
	ActivationMaxClamp   *int     `yaml:"activation_max_clamp" json:"activation_max_clamp,omitempty"`

	MemoryPollInterval *Duration `yaml:"memory_poll_interval" json:"memory_poll_interval,omitempty"`
	ScrollIdle         *Duration `yaml:"scroll_idle" json:"scroll_idle,omitempty"`
}

// Parse decodes a profile document. An empty document is a valid
// profile that keeps every default.
func Parse(data []byte) (Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return Profile{}, nil
		}
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	return p, nil
}

// Load reads and parses a profile file.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Apply overlays the profile's set fields onto opts and returns the
// result. Fields the profile leaves nil pass through untouched.
func (p Profile) Apply(opts wall.Options) wall.Options {
	if p.InitialCount != nil {
		opts.InitialCount = *p.InitialCount
	}
	if p.BatchSize != nil {
		opts.BatchSize = *p.BatchSize
	}
	if p.MinBatch != nil {
		opts.MinBatch = *p.MinBatch
	}
	if p.MaxBatch != nil {
		opts.MaxBatch = *p.MaxBatch
	}
	if p.Interval != nil {
		opts.Interval = time.Duration(*p.Interval)
	}
	if p.MaxVisible != nil {
		opts.MaxVisible = *p.MaxVisible
	}
	if p.PauseOnScroll != nil {
		opts.PauseOnScroll = *p.PauseOnScroll
	}
	if p.LongTaskAdaptation != nil {
		opts.LongTaskAdaptation = *p.LongTaskAdaptation
	}
	if p.NearMarginPx != nil {
		opts.NearMarginPx = *p.NearMarginPx
	}
	if p.Gap != nil {
		opts.Gap = *p.Gap
	}
	if p.DefaultAspect != nil {
		opts.DefaultAspect = *p.DefaultAspect
	}
	if len(p.ZoomWidths) > 0 {
		opts.ZoomWidths = p.ZoomWidths
	}
	if p.ZoomLevel != nil {
		opts.ZoomLevel = *p.ZoomLevel
	}
	if p.EstimatedMBPerItem != nil {
		opts.EstimatedMBPerItem = *p.EstimatedMBPerItem
	}
	if p.TargetBudgetFraction != nil {
		opts.TargetBudgetFraction = *p.TargetBudgetFraction
	}
	if p.BaseCap != nil {
		opts.BaseCap = *p.BaseCap
	}
	if p.MaxPlaying != nil {
		opts.MaxPlaying = *p.MaxPlaying
	}
	if p.ErrorCooldown != nil {
		opts.ErrorCooldown = time.Duration(*p.ErrorCooldown)
	}
	if p.ActivationMultiplier != nil {
		opts.ActivationMultiplier = *p.ActivationMultiplier
	}
	if p.ActivationMinClamp != nil {
		opts.ActivationMinClamp = *p.ActivationMinClamp
	}
	if p.ActivationMaxClamp != nil {
		opts.ActivationMaxClamp = *p.ActivationMaxClamp
	}
	if p.MemoryPollInterval != nil {
		opts.MemoryPollInterval = time.Duration(*p.MemoryPollInterval)
	}
	if p.ScrollIdle != nil {
		opts.ScrollIdle = time.Duration(*p.ScrollIdle)
	}
	return opts
}
