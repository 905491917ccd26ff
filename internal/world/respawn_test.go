package world

import (
	"context"
	"testing"
	"time"

	"github.com/outpostgame/worldserver/internal/clockrng"
)

func TestRespawnSchedulerClearsDueEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := newMemRepo()
	store := NewStore(repo, nil)
	clock := clockrng.NewFakeClock(time.Unix(0, 0))
	sched := NewRespawnScheduler(store, clock)

	key := ChunkKey{WorldID: "world-1", CX: 0, CZ: 0}
	store.MutateChunk(ctx, "world-1", 0, 0, func(c ChunkState) ChunkState {
		c.RemovedTrees = []string{"T1"}
		return c
	})
	sched.Schedule(key, ResourceTree, "T1")

	// Not yet due.
	sched.tick(ctx)
	st, _ := store.ReadChunk(ctx, "world-1", 0, 0)
	if !contains(st.RemovedTrees, "T1") {
		t.Fatal("expected T1 still removed before respawn delay elapses")
	}

	clock.Advance(6 * time.Second)
	sched.tick(ctx)

	st, _ = store.ReadChunk(ctx, "world-1", 0, 0)
	if contains(st.RemovedTrees, "T1") {
		t.Fatal("expected T1 respawned after 5s delay")
	}
}

func TestRespawnTieBreakIsInsertionOrder(t *testing.T) {
	clock := clockrng.NewFakeClock(time.Unix(0, 0))
	store := NewStore(newMemRepo(), nil)
	sched := NewRespawnScheduler(store, clock)

	key := ChunkKey{WorldID: "world-1"}
	sched.Schedule(key, ResourceRock, "R1")
	sched.Schedule(key, ResourceRock, "R2")

	h := sched.heaps[key]
	if (*h)[0].id != "R1" {
		t.Fatalf("expected R1 to sort first by insertion order, got %s", (*h)[0].id)
	}
}
