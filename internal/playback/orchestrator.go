// Package playback arbitrates the bounded set of tiles allowed to play
// at once. A slot requires the tile to be visible and loaded; one
// hovered tile may hold its slot through a brief visibility lapse. The
// orchestrator only hands out and withdraws slots; starting and
// stopping the media element is the rendering layer's job.
package playback

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/me/wallgrid/pkg/model"
)

// ViewSource answers per-tile flag lookups and enumerates the visible
// tiles in admission-priority order. Implemented by the collection
// controller.
type ViewSource interface {
	IsVisible(model.TileID) bool
	IsLoaded(model.TileID) bool
	VisibleTiles() []model.TileID
}

// Revocation pairs a revoked tile with the reason its slot went away.
type Revocation struct {
	Tile   model.TileID
	Reason model.RevokeReason
}

// Config holds the playback policy knobs.
type Config struct {
	// MaxPlaying is the slot budget.
	MaxPlaying int

	// OverCapTolerance scales the budget into the hard ceiling applied
	// during churn. Overruns under it wait for a settled reconcile;
	// overruns past it trim immediately.
	OverCapTolerance float64

	// ErrorCooldown quarantines a tile after a playback error so
	// reconciles do not keep re-admitting a broken element.
	ErrorCooldown time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxPlaying:       6,
		OverCapTolerance: 1.1,
		ErrorCooldown:    30 * time.Second,
	}
}

// withDefaults fills zero or out-of-range fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxPlaying <= 0 {
		c.MaxPlaying = def.MaxPlaying
	}
	if c.OverCapTolerance < 1 {
		c.OverCapTolerance = def.OverCapTolerance
	}
	if c.ErrorCooldown <= 0 {
		c.ErrorCooldown = def.ErrorCooldown
	}
	return c
}

// Orchestrator is a single-threaded state machine; the owner serializes
// calls.
type Orchestrator struct {
	logger *slog.Logger
	cfg    Config
	view   ViewSource

	maxPlaying int

	// members maps each slot holder to its start sequence; a larger
	// value means a more recent grant or start.
	members    map[model.TileID]int64
	seq        int64
	hovered    model.TileID
	quarantine map[model.TileID]time.Time
}

// New creates an orchestrator, filling zero config fields from
// defaults.
func New(view ViewSource, cfg Config, logger *slog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		logger:     logger.With("component", "playback"),
		cfg:        cfg,
		view:       view,
		maxPlaying: cfg.MaxPlaying,
		members:    make(map[model.TileID]int64),
		quarantine: make(map[model.TileID]time.Time),
	}
}

// MarkHover pins id: the pin force-admits it on the next reconcile and
// lets it keep its slot through a visibility lapse. An empty id clears
// the pin.
func (o *Orchestrator) MarkHover(id model.TileID) {
	o.hovered = id
}

// Hovered returns the pinned id, or empty.
func (o *Orchestrator) Hovered() model.TileID { return o.hovered }

// Playing reports whether id holds a slot.
func (o *Orchestrator) Playing(id model.TileID) bool {
	_, ok := o.members[id]
	return ok
}

// PlayingCount returns the number of held slots.
func (o *Orchestrator) PlayingCount() int { return len(o.members) }

// PlayingSet returns the slot holders in id order.
func (o *Orchestrator) PlayingSet() []model.TileID {
	ids := make([]model.TileID, 0, len(o.members))
	for id := range o.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Cap returns the current slot budget.
func (o *Orchestrator) Cap() int { return o.maxPlaying }

// SetCap replaces the slot budget. Shrinking revokes nothing by
// itself; the next reconcile trims.
func (o *Orchestrator) SetCap(n int) {
	if n < 0 {
		n = 0
	}
	o.maxPlaying = n
}

// ReportStarted records that id's media began producing frames, making
// it the most recent starter. Non-members are ignored.
func (o *Orchestrator) ReportStarted(id model.TileID) {
	if _, ok := o.members[id]; !ok {
		return
	}
	o.seq++
	o.members[id] = o.seq
}

// ReportError drops id's slot and quarantines it for the cooldown.
// Returns the quarantine deadline and whether id held a slot. The
// quarantine outlives unload and reload: retrying a broken element is
// what the cooldown exists to prevent.
func (o *Orchestrator) ReportError(id model.TileID, now time.Time) (time.Time, bool) {
	until := now.Add(o.cfg.ErrorCooldown)
	o.quarantine[id] = until
	_, held := o.members[id]
	delete(o.members, id)
	o.logger.Debug("playback error", "tile_id", id, "quarantined_until", until, "held_slot", held)
	return until, held
}

// Remove drops id's slot, e.g. after an eviction or unregistration.
// The hover pin and any quarantine entry stay: both describe the id,
// not the slot. Returns whether id held a slot.
func (o *Orchestrator) Remove(id model.TileID) bool {
	_, held := o.members[id]
	delete(o.members, id)
	return held
}

// Reset drops all slots, the hover pin, and the quarantine ledger. The
// cap survives.
func (o *Orchestrator) Reset() {
	o.members = make(map[model.TileID]int64)
	o.quarantine = make(map[model.TileID]time.Time)
	o.hovered = ""
}

// Reconcile runs one slot pass and returns the tiles granted and
// revoked by it. settled marks a quiet pass with no scroll or hover
// churn in flight: only then is a small overrun trimmed back to cap;
// an overrun past cap*OverCapTolerance trims on any pass.
func (o *Orchestrator) Reconcile(now time.Time, settled bool) (granted []model.TileID, revoked []Revocation) {
	for id, until := range o.quarantine {
		if !until.After(now) {
			delete(o.quarantine, id)
		}
	}

	// Membership requires loaded and visible. The hover pin excuses a
	// visibility lapse, never an unload.
	for _, id := range o.PlayingSet() {
		switch {
		case !o.view.IsLoaded(id):
			delete(o.members, id)
			revoked = append(revoked, Revocation{Tile: id, Reason: model.RevokeUnloaded})
		case !o.view.IsVisible(id) && id != o.hovered:
			delete(o.members, id)
			revoked = append(revoked, Revocation{Tile: id, Reason: model.RevokeHidden})
		}
	}

	// Fill free slots from the visible set in priority order.
	for _, id := range o.view.VisibleTiles() {
		if len(o.members) >= o.maxPlaying {
			break
		}
		if o.Playing(id) || !o.eligible(id) {
			continue
		}
		o.grant(id)
		granted = append(granted, id)
	}

	// The hovered tile takes a slot even at cap, displacing the least
	// desirable member.
	if id := o.hovered; id != "" && o.maxPlaying > 0 && !o.Playing(id) &&
		o.eligible(id) && o.view.IsVisible(id) {
		o.grant(id)
		granted = append(granted, id)
		if len(o.members) > o.maxPlaying {
			for _, victim := range o.evictWorst(1) {
				revoked = append(revoked, Revocation{Tile: victim, Reason: model.RevokeCapacity})
			}
		}
	}

	// Trim. The ceiling check keeps the set inside cap*tolerance at all
	// times; the rest of an overrun waits for a settled pass.
	ceiling := int(math.Floor(float64(o.maxPlaying) * o.cfg.OverCapTolerance))
	if over := len(o.members) - o.maxPlaying; over > 0 && (settled || len(o.members) > ceiling) {
		for _, victim := range o.evictWorst(over) {
			revoked = append(revoked, Revocation{Tile: victim, Reason: model.RevokeCapacity})
		}
	}

	if len(granted) > 0 || len(revoked) > 0 {
		o.logger.Debug("playback reconciled",
			"granted", len(granted),
			"revoked", len(revoked),
			"playing", len(o.members),
			"cap", o.maxPlaying)
	}
	return granted, revoked
}

// eligible gates admission: loaded and not quarantined. Visibility is
// the caller's check, since the hover path and the fill path differ on
// where it comes from.
func (o *Orchestrator) eligible(id model.TileID) bool {
	if _, bad := o.quarantine[id]; bad {
		return false
	}
	return o.view.IsLoaded(id)
}

func (o *Orchestrator) grant(id model.TileID) {
	o.seq++
	o.members[id] = o.seq
}

// evictWorst removes up to n members: lowest desirability first, and
// within a rank the most recent starter goes first.
func (o *Orchestrator) evictWorst(n int) []model.TileID {
	type ranked struct {
		id    model.TileID
		score int
		seq   int64
	}
	cands := make([]ranked, 0, len(o.members))
	for id, seq := range o.members {
		cands = append(cands, ranked{id: id, score: o.desirability(id), seq: seq})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score < cands[j].score
		}
		return cands[i].seq > cands[j].seq
	})

	if n > len(cands) {
		n = len(cands)
	}
	victims := make([]model.TileID, 0, n)
	for _, cand := range cands[:n] {
		delete(o.members, cand.id)
		victims = append(victims, cand.id)
	}
	return victims
}

// desirability ranks a member for eviction: the hovered tile outranks
// visible tiles, which outrank tiles that are merely loaded.
func (o *Orchestrator) desirability(id model.TileID) int {
	switch {
	case id == o.hovered:
		return 2
	case o.view.IsVisible(id):
		return 1
	default:
		return 0
	}
}
