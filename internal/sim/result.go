package sim

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/me/wallgrid/pkg/model"
)

// TickSample is one frame's worth of counters, recorded after the frame
// and its idle slice ran.
type TickSample struct {
	Tick         int          `json:"tick"`
	Materialized int          `json:"materialized"`
	Loaded       int          `json:"loaded"`
	Loading      int          `json:"loading"`
	Playing      int          `json:"playing"`
	Limits       model.Limits `json:"limits"`
	MemoryMB     float64      `json:"memory_mb"`
	Events       int          `json:"events"`
}

// Peaks holds the per-run maxima of the sampled counters.
type Peaks struct {
	Materialized int     `json:"materialized"`
	Loaded       int     `json:"loaded"`
	Loading      int     `json:"loading"`
	Playing      int     `json:"playing"`
	MemoryMB     float64 `json:"memory_mb"`
}

// Violations counts ticks and events that crossed a line the scheduler
// promises to hold. ProtectedEvictions must always be zero; the tick
// counters measure how long transient overruns persisted.
type Violations struct {
	ProtectedEvictions int `json:"protected_evictions"`
	OverBudgetTicks    int `json:"over_budget_ticks"`
	OverCapTicks       int `json:"over_cap_ticks"`
}

// Result is the run-level outcome.
type Result struct {
	Scenario   string                  `json:"scenario"`
	Seed       int64                   `json:"seed"`
	Ticks      int                     `json:"ticks"`
	VirtualDur time.Duration           `json:"virtual_duration"`
	Peaks      Peaks                   `json:"peaks"`
	Violations Violations              `json:"violations"`
	Events     map[model.EventKind]int `json:"events"`
	Final      model.Status            `json:"final"`
}

// Summarize writes a human-readable run report.
func (r *Result) Summarize(w io.Writer) {
	fmt.Fprintf(w, "scenario %s: %s ticks, %s virtual time, seed %d\n",
		r.Scenario, humanize.Comma(int64(r.Ticks)), r.VirtualDur, r.Seed)
	fmt.Fprintf(w, "  peaks:      %d materialized, %d loaded, %d loading, %d playing, memory %s\n",
		r.Peaks.Materialized, r.Peaks.Loaded, r.Peaks.Loading, r.Peaks.Playing, mbString(r.Peaks.MemoryMB))
	fmt.Fprintf(w, "  final:      %d materialized of %s items, %d loaded (limit %d), %d playing, memory %s\n",
		r.Final.MaterializedCount, humanize.Comma(int64(r.Final.ItemCount)),
		r.Final.LoadedCount, r.Final.Limits.MaxLoaded, r.Final.PlayingCount,
		mbString(r.Final.Memory.CurrentMB))
	fmt.Fprintf(w, "  violations: %d protected evictions, %d over-budget ticks, %d over-cap ticks\n",
		r.Violations.ProtectedEvictions, r.Violations.OverBudgetTicks, r.Violations.OverCapTicks)

	if len(r.Events) == 0 {
		return
	}
	kinds := make([]string, 0, len(r.Events))
	for k := range r.Events {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	fmt.Fprintf(w, "  events:\n")
	for _, k := range kinds {
		fmt.Fprintf(w, "    %-22s %s\n", k, humanize.Comma(int64(r.Events[model.EventKind(k)])))
	}
}

// mbString renders a megabyte figure the way a human reads memory.
func mbString(mb float64) string {
	if mb <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(mb * 1024 * 1024))
}
