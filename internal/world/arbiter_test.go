package world

import (
	"context"
	"testing"
	"time"

	"github.com/outpostgame/worldserver/internal/clockrng"
)

func newTestArbiter(t *testing.T, positions PositionLookup) (*Arbiter, *Store, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := NewStore(newMemRepo(), nil)
	registry := NewRegistry()
	sched := NewRespawnScheduler(store, clockrng.NewFakeClock(time.Unix(0, 0)))
	a := NewArbiter("world-1", 3.5, store, registry, sched, positions, nil, nil)
	go a.Run(ctx)
	return a, store, cancel
}

func fixedPosition(p Position) PositionLookup {
	return func(string) (Position, bool) { return p, true }
}

func TestTreeCutHappyPath(t *testing.T) {
	a, store, cancel := newTestArbiter(t, fixedPosition(Position{X: 0, Y: 1.65, Z: 6}))
	defer cancel()

	treeID := seededIDs("world-1", 0, 0, ResourceTree)[0]

	res := <-a.Submit(Event{Kind: EventTreeCut, SessionID: "s1", ID: treeID, X: 1.0, Z: 4.0, At: 1000})
	if !res.OK || res.Kind != EventTreeCut || res.ID != treeID {
		t.Fatalf("got %+v, want accept", res)
	}

	st, err := store.ReadChunk(context.Background(), "world-1", 0, 0)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if !contains(st.RemovedTrees, treeID) {
		t.Fatalf("expected %s in removedTrees, got %v", treeID, st.RemovedTrees)
	}

	// Repeating the same cut is rejected.
	res2 := <-a.Submit(Event{Kind: EventTreeCut, SessionID: "s1", ID: treeID, X: 1.0, Z: 4.0, At: 2000})
	if res2.OK || res2.Reason != "already_removed" {
		t.Fatalf("got %+v, want already_removed", res2)
	}
}

func TestTreeCutUnseededIDRejected(t *testing.T) {
	a, _, cancel := newTestArbiter(t, fixedPosition(Position{X: 0, Y: 1.65, Z: 6}))
	defer cancel()

	res := <-a.Submit(Event{Kind: EventTreeCut, SessionID: "s1", ID: "not-a-real-tree", X: 1.0, Z: 4.0, At: 1000})
	if res.OK || res.Reason != "unknown_id" {
		t.Fatalf("got %+v, want unknown_id", res)
	}
}

func TestPlaceOutOfRange(t *testing.T) {
	a, _, cancel := newTestArbiter(t, fixedPosition(Position{X: 0, Y: 0, Z: 0}))
	defer cancel()

	res := <-a.Submit(Event{Kind: EventPlace, SessionID: "s1", GuestID: "g1", ID: "P1", PlaceKind: "campfire", X: 10, Z: 0})
	if res.OK || res.Reason != "out_of_range" {
		t.Fatalf("got %+v, want out_of_range", res)
	}
}

func TestPlaceThenRemoveLeavesChunkUnchanged(t *testing.T) {
	a, store, cancel := newTestArbiter(t, fixedPosition(Position{X: 0, Y: 0, Z: 0}))
	defer cancel()

	place := <-a.Submit(Event{Kind: EventPlace, SessionID: "s1", GuestID: "g1", ID: "P1", PlaceKind: "campfire", X: 1, Z: 1})
	if !place.OK {
		t.Fatalf("place rejected: %+v", place)
	}
	before, _ := store.ReadChunk(context.Background(), "world-1", 0, 0)

	remove := <-a.Submit(Event{Kind: EventPlaceRemove, SessionID: "s1", GuestID: "g1", ID: "P1"})
	if !remove.OK {
		t.Fatalf("remove rejected: %+v", remove)
	}
	after, _ := store.ReadChunk(context.Background(), "world-1", 0, 0)

	if len(before.Placed) != 1 || len(after.Placed) != 0 {
		t.Fatalf("before.Placed = %v, after.Placed = %v", before.Placed, after.Placed)
	}
}

func TestDuplicatePlacementRejected(t *testing.T) {
	a, _, cancel := newTestArbiter(t, fixedPosition(Position{X: 0, Y: 0, Z: 0}))
	defer cancel()

	<-a.Submit(Event{Kind: EventPlace, SessionID: "s1", GuestID: "g1", ID: "P1", PlaceKind: "campfire", X: 1, Z: 1})
	dup := <-a.Submit(Event{Kind: EventPlace, SessionID: "s1", GuestID: "g1", ID: "P1", PlaceKind: "campfire", X: 1, Z: 1})
	if dup.OK || dup.Reason != "duplicate" {
		t.Fatalf("got %+v, want duplicate", dup)
	}
}

func TestPlotTillIsIdempotent(t *testing.T) {
	a, store, cancel := newTestArbiter(t, fixedPosition(Position{X: 0, Y: 0, Z: 0}))
	defer cancel()

	<-a.Submit(Event{Kind: EventPlotTill, SessionID: "s1", ID: "0:0", X: 0, Z: 0, At: 100})
	first, _ := store.ReadChunk(context.Background(), "world-1", 0, 0)

	<-a.Submit(Event{Kind: EventPlotTill, SessionID: "s1", ID: "0:0", X: 0, Z: 0, At: 200})
	second, _ := store.ReadChunk(context.Background(), "world-1", 0, 0)

	if len(first.FarmPlots) != 1 || len(second.FarmPlots) != 1 {
		t.Fatalf("expected exactly one plot after repeated till, got %v then %v", first.FarmPlots, second.FarmPlots)
	}
}

func TestHarvestNotReadyRejected(t *testing.T) {
	a, _, cancel := newTestArbiter(t, fixedPosition(Position{X: 0, Y: 0, Z: 0}))
	defer cancel()

	<-a.Submit(Event{Kind: EventPlotTill, SessionID: "s1", ID: "0:0", X: 0, Z: 0, At: 0})
	plant := <-a.Submit(Event{Kind: EventPlant, SessionID: "s1", ID: "0:0", SeedID: "wheat_seed", X: 0, Z: 0, At: 0})
	if !plant.OK {
		t.Fatalf("plant rejected: %+v", plant)
	}

	harvest := <-a.Submit(Event{Kind: EventHarvest, SessionID: "s1", ID: "0:0", X: 0, Z: 0, At: 1000})
	if harvest.OK || harvest.Reason != "not_ready" {
		t.Fatalf("got %+v, want not_ready", harvest)
	}
}

func TestHarvestEmptyPlotRejected(t *testing.T) {
	a, _, cancel := newTestArbiter(t, fixedPosition(Position{X: 0, Y: 0, Z: 0}))
	defer cancel()

	res := <-a.Submit(Event{Kind: EventHarvest, SessionID: "s1", ID: "0:0", X: 0, Z: 0, At: 1000})
	if res.OK || res.Reason != "empty" {
		t.Fatalf("got %+v, want empty", res)
	}
}
