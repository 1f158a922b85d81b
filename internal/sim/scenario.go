package sim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/me/wallgrid/pkg/model"
	"gopkg.in/yaml.v3"
)

// Scenario is a declarative simulation script: a synthetic collection,
// a viewport, a virtual clock, a memory model and a trace of host
// actions replayed at fixed ticks.
type Scenario struct {
	// Name labels the run in summaries and the store. Defaults to the
	// file name when loaded from disk.
	Name string `yaml:"name"`

	// Seed feeds every random draw (aspect assignment, memory noise) so
	// a scenario replays identically.
	Seed int64 `yaml:"seed"`

	Viewport Viewport `yaml:"viewport"`

	// TickMS is the virtual frame length in milliseconds.
	TickMS int `yaml:"tick_ms"`

	// DurationTicks is how many frames the run steps through.
	DurationTicks int `yaml:"duration_ticks"`

	Items Corpus `yaml:"items"`

	// LoadLatencyTicks is how many ticks a fake media load takes from
	// start to finished.
	LoadLatencyTicks int `yaml:"load_latency_ticks"`

	Memory MemoryModel `yaml:"memory"`

	Trace []TraceEvent `yaml:"trace"`
}

// Viewport is the simulated viewport size in layout pixels.
type Viewport struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

// Corpus describes the simulated collection: either an explicit item
// list or a generated one of Count items drawing aspect ratios from
// Aspects with the scenario seed.
type Corpus struct {
	Count   int        `yaml:"count"`
	Aspects []float64  `yaml:"aspects"`
	List    []ItemSpec `yaml:"list"`
}

// ItemSpec is one explicit corpus entry.
type ItemSpec struct {
	ID     string  `yaml:"id"`
	Aspect float64 `yaml:"aspect"`
}

// MemoryModel drives the fake telemetry sampler: reported usage is
// BaseMB plus MBPerLoaded per resident tile, plus seeded noise in
// [-NoiseMB, +NoiseMB].
type MemoryModel struct {
	BaseMB      float64 `yaml:"base_mb"`
	TotalMB     float64 `yaml:"total_mb"`
	MBPerLoaded float64 `yaml:"mb_per_loaded"`
	NoiseMB     float64 `yaml:"noise_mb"`

	// PollEveryTicks is the telemetry poll cadence in ticks. The runner
	// derives the controller's poll interval from it.
	PollEveryTicks int `yaml:"poll_every_ticks"`
}

// TraceEvent is one scripted host action. Exactly one action field must
// be set. Hover takes a tile id; an explicitly empty id clears the
// hover. Items regenerates the corpus at a new count, keeping the
// existing prefix identical.
type TraceEvent struct {
	At       int      `yaml:"at"`
	ScrollTo *float64 `yaml:"scroll_to"`
	Hover    *string  `yaml:"hover"`
	Zoom     *int     `yaml:"zoom"`
	Fail     *string  `yaml:"fail"`
	Items    *int     `yaml:"items"`
}

// DefaultScenario returns the baseline a parsed scenario is overlaid
// onto: a thousand-tile wall scrolled for ten virtual seconds on a
// mid-tier device.
func DefaultScenario() Scenario {
	return Scenario{
		Name:             "default",
		Seed:             1,
		Viewport:         Viewport{Width: 1280, Height: 800},
		TickMS:           16,
		DurationTicks:    600,
		Items:            Corpus{Count: 1000, Aspects: []float64{16.0 / 9.0, 1.0, 3.0 / 4.0, 4.0 / 3.0}},
		LoadLatencyTicks: 3,
		Memory: MemoryModel{
			BaseMB:         512,
			TotalMB:        4096,
			MBPerLoaded:    24,
			PollEveryTicks: 8,
		},
	}
}

// withDefaults fills unset fields from DefaultScenario. An explicitly
// empty aspects list stays empty, leaving every generated aspect
// unknown.
func (s Scenario) withDefaults() Scenario {
	def := DefaultScenario()
	if s.Name == "" {
		s.Name = def.Name
	}
	if s.Seed == 0 {
		s.Seed = def.Seed
	}
	if s.Viewport.Width <= 0 {
		s.Viewport.Width = def.Viewport.Width
	}
	if s.Viewport.Height <= 0 {
		s.Viewport.Height = def.Viewport.Height
	}
	if s.TickMS <= 0 {
		s.TickMS = def.TickMS
	}
	if s.DurationTicks <= 0 {
		s.DurationTicks = def.DurationTicks
	}
	if len(s.Items.List) == 0 && s.Items.Count <= 0 {
		s.Items.Count = def.Items.Count
	}
	if s.Items.Aspects == nil {
		s.Items.Aspects = def.Items.Aspects
	}
	if s.LoadLatencyTicks <= 0 {
		s.LoadLatencyTicks = def.LoadLatencyTicks
	}
	if s.Memory.BaseMB <= 0 {
		s.Memory.BaseMB = def.Memory.BaseMB
	}
	if s.Memory.TotalMB <= 0 {
		s.Memory.TotalMB = def.Memory.TotalMB
	}
	if s.Memory.MBPerLoaded <= 0 {
		s.Memory.MBPerLoaded = def.Memory.MBPerLoaded
	}
	if s.Memory.PollEveryTicks <= 0 {
		s.Memory.PollEveryTicks = def.Memory.PollEveryTicks
	}
	return s
}

// Parse decodes a scenario document, applies defaults and validates it.
// Unknown keys are rejected.
func Parse(data []byte) (Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Scenario{}, fmt.Errorf("parse scenario: %w", err)
	}
	s = s.withDefaults()
	if err := s.Validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

// Load reads, parses and validates a scenario file. The file name
// becomes the scenario name unless the document sets one.
func Load(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return Scenario{}, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "default" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return s, nil
}

// Validate checks the scenario's internal consistency: the corpus is
// non-empty, the memory model is sane, and every trace event names one
// action on a tick inside the run and a tile the corpus can resolve.
func (s Scenario) Validate() error {
	if s.Memory.TotalMB < s.Memory.BaseMB {
		return fmt.Errorf("memory: total_mb %.0f is below base_mb %.0f", s.Memory.TotalMB, s.Memory.BaseMB)
	}
	if len(s.Items.List) == 0 && s.Items.Count <= 0 {
		return fmt.Errorf("items: need count or an explicit list")
	}
	seen := make(map[string]bool, len(s.Items.List))
	for i, spec := range s.Items.List {
		if spec.ID == "" {
			return fmt.Errorf("items: list entry %d has an empty id", i)
		}
		if seen[spec.ID] {
			return fmt.Errorf("items: duplicate id %q", spec.ID)
		}
		seen[spec.ID] = true
	}

	ids := make(map[string]bool, s.corpusSize())
	for _, it := range s.BuildItems(s.corpusSize()) {
		ids[string(it.ID)] = true
	}

	for i, ev := range s.Trace {
		if ev.At < 0 || ev.At >= s.DurationTicks {
			return fmt.Errorf("trace[%d]: at %d outside run of %d ticks", i, ev.At, s.DurationTicks)
		}
		actions := 0
		if ev.ScrollTo != nil {
			actions++
			if *ev.ScrollTo < 0 {
				return fmt.Errorf("trace[%d]: scroll_to %.0f is negative", i, *ev.ScrollTo)
			}
		}
		if ev.Hover != nil {
			actions++
			if *ev.Hover != "" && !ids[*ev.Hover] {
				return fmt.Errorf("trace[%d]: hover names unknown tile %q", i, *ev.Hover)
			}
		}
		if ev.Zoom != nil {
			actions++
			if *ev.Zoom < 0 {
				return fmt.Errorf("trace[%d]: zoom %d is negative", i, *ev.Zoom)
			}
		}
		if ev.Fail != nil {
			actions++
			if !ids[*ev.Fail] {
				return fmt.Errorf("trace[%d]: fail names unknown tile %q", i, *ev.Fail)
			}
		}
		if ev.Items != nil {
			actions++
			if *ev.Items <= 0 {
				return fmt.Errorf("trace[%d]: items %d must be positive", i, *ev.Items)
			}
			if len(s.Items.List) > 0 && *ev.Items > len(s.Items.List) {
				return fmt.Errorf("trace[%d]: items %d exceeds the explicit list of %d", i, *ev.Items, len(s.Items.List))
			}
		}
		if actions != 1 {
			return fmt.Errorf("trace[%d]: exactly one action per event, got %d", i, actions)
		}
	}
	return nil
}

// corpusSize returns the largest collection size the run can reach,
// counting items trace events.
func (s Scenario) corpusSize() int {
	n := s.Items.Count
	if len(s.Items.List) > 0 {
		n = len(s.Items.List)
	}
	for _, ev := range s.Trace {
		if ev.Items != nil && *ev.Items > n && len(s.Items.List) == 0 {
			n = *ev.Items
		}
	}
	return n
}

// BuildItems materializes the first n corpus entries. Generated ids are
// item-0000, item-0001, ... with aspects drawn from a seed-fixed rng,
// one draw per index, so regenerating at a larger n keeps the existing
// prefix byte-identical.
func (s Scenario) BuildItems(n int) []model.Item {
	if len(s.Items.List) > 0 {
		if n > len(s.Items.List) {
			n = len(s.Items.List)
		}
		items := make([]model.Item, n)
		for i, spec := range s.Items.List[:n] {
			items[i] = model.Item{ID: model.TileID(spec.ID), AspectRatio: spec.Aspect}
		}
		return items
	}

	rng := rand.New(rand.NewSource(s.Seed))
	items := make([]model.Item, n)
	for i := range items {
		var aspect float64
		if len(s.Items.Aspects) > 0 {
			aspect = s.Items.Aspects[rng.Intn(len(s.Items.Aspects))]
		}
		items[i] = model.Item{ID: model.TileID(fmt.Sprintf("item-%04d", i)), AspectRatio: aspect}
	}
	return items
}
