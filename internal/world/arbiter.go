package world

import (
	"context"
	"math"
)

// EventKind is the closed set of inbound world-event kinds.
type EventKind string

const (
	EventTreeCut      EventKind = "treeCut"
	EventRockCollect  EventKind = "rockCollect"
	EventStickCollect EventKind = "stickCollect"
	EventBushCollect  EventKind = "bushCollect"
	EventOreBreak     EventKind = "oreBreak"
	EventPlotTill     EventKind = "plotTill"
	EventPlant        EventKind = "plant"
	EventHarvest      EventKind = "harvest"
	EventPlace        EventKind = "place"
	EventPlaceRemove  EventKind = "placeRemove"
)

var resourceKindFor = map[EventKind]ResourceKind{
	EventTreeCut:      ResourceTree,
	EventRockCollect:  ResourceRock,
	EventStickCollect: ResourceStick,
	EventBushCollect:  ResourceBush,
	EventOreBreak:     ResourceOre,
}

// SeedGrowMs maps a seed item ID to its grow duration. Unknown seeds fall
// back to defaultGrowMs rather than rejecting, since the catalogue of seed
// items lives on the client and the server only needs the timer.
var SeedGrowMs = map[string]int64{
	"wheat_seed":   60_000,
	"carrot_seed":  90_000,
	"pumpkin_seed": 180_000,
}

const defaultGrowMs = 60_000

// Event is the union of every worldEvent payload the arbiter accepts.
// Only the fields relevant to Kind are populated by the session gateway's
// decoder.
type Event struct {
	Kind      EventKind
	SessionID string
	GuestID   string
	ID        string // resource id / plot id / placement id, depending on Kind
	PlaceKind string // placement type, for place/placeRemove
	SeedID    string // for plant
	X, Z      float64
	At        int64
}

// Result is the outcome delivered back to the requesting session.
type Result struct {
	OK     bool
	Kind   EventKind
	ID     string
	Reason string
}

// Position is a session's last server-known pose.
type Position struct {
	X, Y, Z float64
}

// PositionLookup resolves a session's last known position, as tracked by
// the session gateway's movement integration.
type PositionLookup func(sessionID string) (Position, bool)

// ChestRegistrar lets the arbiter create/inspect/destroy the chest-store
// row backing a chest placement without importing package chest directly.
type ChestRegistrar interface {
	CreateForPlacement(ctx context.Context, worldID, chestID, ownerID string) error
	IsEmpty(ctx context.Context, worldID, chestID string) (bool, error)
	Delete(ctx context.Context, worldID, chestID string) error
}

// ForgeRegistrar is the same seam for forge placements.
type ForgeRegistrar interface {
	EnsureExists(ctx context.Context, worldID, forgeID string) error
	Delete(ctx context.Context, worldID, forgeID string) error
}

type job struct {
	worldID string
	event   Event
	result  chan Result
}

// Arbiter is the single serial pipeline per worldId described by the
// world-event arbitration design: every event for a world is processed in
// the order it was submitted, eliminating interleaving races across
// unrelated chunks' placements and plots that share the registry.
type Arbiter struct {
	worldID   string
	radius    float64
	chunks    *Store
	registry  *Registry
	respawn   *RespawnScheduler
	positions PositionLookup
	chests    ChestRegistrar
	forges    ForgeRegistrar

	inbox chan job
}

// NewArbiter constructs the serial pipeline for one world. chests/forges
// may be nil if those stores aren't wired (place/placeRemove on those
// types are then accepted without creating, checking or deleting a
// backing row).
func NewArbiter(worldID string, radius float64, chunks *Store, registry *Registry, respawn *RespawnScheduler, positions PositionLookup, chests ChestRegistrar, forges ForgeRegistrar) *Arbiter {
	return &Arbiter{
		worldID:   worldID,
		radius:    radius,
		chunks:    chunks,
		registry:  registry,
		respawn:   respawn,
		positions: positions,
		chests:    chests,
		forges:    forges,
		inbox:     make(chan job, 256),
	}
}

// Submit enqueues an event and returns a channel that receives exactly one
// Result once the arbiter has processed it.
func (a *Arbiter) Submit(ev Event) <-chan Result {
	ch := make(chan Result, 1)
	a.inbox <- job{worldID: a.worldID, event: ev, result: ch}
	return ch
}

// Run drains the inbox until ctx is cancelled. Exactly one goroutine should
// call Run for a given Arbiter, which is what makes it a serial lane.
func (a *Arbiter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-a.inbox:
			j.result <- a.process(ctx, j.event)
			close(j.result)
		}
	}
}

func reject(kind EventKind, id, reason string) Result {
	return Result{OK: false, Kind: kind, ID: id, Reason: reason}
}

func accept(kind EventKind, id string) Result {
	return Result{OK: true, Kind: kind, ID: id}
}

func (a *Arbiter) process(ctx context.Context, ev Event) Result {
	pos, ok := a.positions(ev.SessionID)
	if !ok {
		return reject(ev.Kind, ev.ID, "out_of_range")
	}
	if math.Hypot(ev.X-pos.X, ev.Z-pos.Z) > a.radius {
		return reject(ev.Kind, ev.ID, "out_of_range")
	}

	switch ev.Kind {
	case EventTreeCut, EventRockCollect, EventStickCollect, EventBushCollect, EventOreBreak:
		return a.processHarvestResource(ctx, ev)
	case EventPlotTill:
		return a.processPlotTill(ctx, ev)
	case EventPlant:
		return a.processPlant(ctx, ev)
	case EventHarvest:
		return a.processHarvest(ctx, ev)
	case EventPlace:
		return a.processPlace(ctx, ev)
	case EventPlaceRemove:
		return a.processPlaceRemove(ctx, ev)
	default:
		return reject(ev.Kind, ev.ID, "unknown_id")
	}
}

func (a *Arbiter) processHarvestResource(ctx context.Context, ev Event) Result {
	kind := resourceKindFor[ev.Kind]
	cx, cz := ChunkCoord(ev.X, ev.Z)

	if !isSeededObject(a.worldID, cx, cz, kind, ev.ID) {
		return reject(ev.Kind, ev.ID, "unknown_id")
	}

	var rejected string
	_, err := a.chunks.MutateChunk(ctx, a.worldID, cx, cz, func(c ChunkState) ChunkState {
		set := c.removedSet(kind)
		if set != nil && contains(*set, ev.ID) {
			rejected = "already_removed"
			return c
		}
		if set != nil {
			*set = append(*set, ev.ID)
		}
		return c
	})
	if err != nil {
		return reject(ev.Kind, ev.ID, "unknown_id")
	}
	if rejected != "" {
		return reject(ev.Kind, ev.ID, rejected)
	}
	a.respawn.Schedule(ChunkKey{WorldID: a.worldID, CX: cx, CZ: cz}, kind, ev.ID)
	return accept(ev.Kind, ev.ID)
}

func (a *Arbiter) processPlotTill(ctx context.Context, ev Event) Result {
	cx, cz := ChunkCoord(ev.X, ev.Z)
	_, err := a.chunks.MutateChunk(ctx, a.worldID, cx, cz, func(c ChunkState) ChunkState {
		if p := c.plotByID(ev.ID); p != nil {
			p.TilledAt = ev.At
			return c
		}
		tx, tz := int(math.Floor(ev.X)), int(math.Floor(ev.Z))
		c.FarmPlots = append(c.FarmPlots, Plot{ID: ev.ID, X: tx, Z: tz, TilledAt: ev.At})
		return c
	})
	if err != nil {
		return reject(ev.Kind, ev.ID, "unknown_id")
	}
	return accept(ev.Kind, ev.ID)
}

func (a *Arbiter) processPlant(ctx context.Context, ev Event) Result {
	cx, cz := ChunkCoord(ev.X, ev.Z)
	var rejected string
	_, err := a.chunks.MutateChunk(ctx, a.worldID, cx, cz, func(c ChunkState) ChunkState {
		p := c.plotByID(ev.ID)
		if p == nil {
			rejected = "not_tilled"
			return c
		}
		growMs, ok := SeedGrowMs[ev.SeedID]
		if !ok {
			if ev.SeedID == "" {
				rejected = "invalid_seed"
				return c
			}
			growMs = defaultGrowMs
		}
		p.SeedID = ev.SeedID
		p.PlantedAt = ev.At
		p.GrowMs = growMs
		return c
	})
	if err != nil {
		return reject(ev.Kind, ev.ID, "unknown_id")
	}
	if rejected != "" {
		return reject(ev.Kind, ev.ID, rejected)
	}
	return accept(ev.Kind, ev.ID)
}

func (a *Arbiter) processHarvest(ctx context.Context, ev Event) Result {
	cx, cz := ChunkCoord(ev.X, ev.Z)
	var rejected string
	_, err := a.chunks.MutateChunk(ctx, a.worldID, cx, cz, func(c ChunkState) ChunkState {
		p := c.plotByID(ev.ID)
		if p == nil || p.SeedID == "" {
			rejected = "empty"
			return c
		}
		if !p.Ready(ev.At) {
			rejected = "not_ready"
			return c
		}
		p.SeedID = ""
		p.PlantedAt = 0
		p.GrowMs = 0
		return c
	})
	if err != nil {
		return reject(ev.Kind, ev.ID, "unknown_id")
	}
	if rejected != "" {
		return reject(ev.Kind, ev.ID, rejected)
	}
	return accept(ev.Kind, ev.ID)
}

func (a *Arbiter) processPlace(ctx context.Context, ev Event) Result {
	if !a.registry.CheckFresh(a.worldID, ev.ID) {
		return reject(ev.Kind, ev.ID, "duplicate")
	}
	if !ValidPlacementTypes[ev.PlaceKind] {
		return reject(ev.Kind, ev.ID, "unknown_id")
	}
	if !a.registry.CheckSpacing(a.worldID, ev.PlaceKind, ev.X, ev.Z) {
		return reject(ev.Kind, ev.ID, "spacing")
	}

	cx, cz := ChunkCoord(ev.X, ev.Z)
	if !a.registry.Register(a.worldID, ev.ID, ev.PlaceKind, cx, cz, ev.X, ev.Z, ev.GuestID) {
		return reject(ev.Kind, ev.ID, "duplicate")
	}

	_, err := a.chunks.MutateChunk(ctx, a.worldID, cx, cz, func(c ChunkState) ChunkState {
		c.Placed = append(c.Placed, Placement{ID: ev.ID, Type: ev.PlaceKind, X: ev.X, Z: ev.Z, OwnerID: ev.GuestID})
		return c
	})
	if err != nil {
		a.registry.Unregister(a.worldID, ev.ID)
		return reject(ev.Kind, ev.ID, "unknown_id")
	}

	switch ev.PlaceKind {
	case "chest":
		if a.chests != nil {
			if err := a.chests.CreateForPlacement(ctx, a.worldID, ev.ID, ev.GuestID); err != nil {
				return reject(ev.Kind, ev.ID, "unknown_id")
			}
		}
	case "forge", "forgeTable":
		if a.forges != nil {
			if err := a.forges.EnsureExists(ctx, a.worldID, ev.ID); err != nil {
				return reject(ev.Kind, ev.ID, "unknown_id")
			}
		}
	}

	return accept(ev.Kind, ev.ID)
}

func (a *Arbiter) processPlaceRemove(ctx context.Context, ev Event) Result {
	placeType, ownerID, ok := a.registry.Lookup(a.worldID, ev.ID)
	if !ok {
		return reject(ev.Kind, ev.ID, "not_found")
	}

	if placeType == "chest" {
		if ownerID != ev.GuestID {
			return reject(ev.Kind, ev.ID, "unauthorized")
		}
		if a.chests != nil {
			empty, err := a.chests.IsEmpty(ctx, a.worldID, ev.ID)
			if err != nil {
				return reject(ev.Kind, ev.ID, "unknown_id")
			}
			if !empty {
				return reject(ev.Kind, ev.ID, "not_empty")
			}
		}
	}

	cx, cz, ok := a.registry.LookupChunk(a.worldID, ev.ID)
	if !ok {
		return reject(ev.Kind, ev.ID, "not_found")
	}

	var rejected string
	var found bool
	_, err := a.chunks.MutateChunk(ctx, a.worldID, cx, cz, func(c ChunkState) ChunkState {
		for i, p := range c.Placed {
			if p.ID == ev.ID {
				found = true
				c.Placed = append(c.Placed[:i:i], c.Placed[i+1:]...)
				break
			}
		}
		return c
	})
	if err != nil {
		return reject(ev.Kind, ev.ID, "unknown_id")
	}
	if !found {
		rejected = "not_found"
	}
	if rejected != "" {
		return reject(ev.Kind, ev.ID, rejected)
	}

	a.registry.Unregister(a.worldID, ev.ID)

	switch placeType {
	case "chest":
		if a.chests != nil {
			_ = a.chests.Delete(ctx, a.worldID, ev.ID)
		}
	case "forge", "forgeTable":
		if a.forges != nil {
			_ = a.forges.Delete(ctx, a.worldID, ev.ID)
		}
	}

	return accept(ev.Kind, ev.ID)
}
