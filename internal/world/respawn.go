package world

import (
	"container/heap"
	"context"
	"log"
	"sync"
	"time"

	"github.com/outpostgame/worldserver/internal/clockrng"
)

// ResourceKind is one of the passively respawning world resources.
type ResourceKind string

const (
	ResourceTree  ResourceKind = "tree"
	ResourceRock  ResourceKind = "rock"
	ResourceStick ResourceKind = "stick"
	ResourceBush  ResourceKind = "bush"
	ResourceOre   ResourceKind = "ore"
)

// RespawnDelay maps a resource kind to its wall-clock respawn interval.
var RespawnDelay = map[ResourceKind]time.Duration{
	ResourceTree:  5 * time.Second,
	ResourceRock:  20 * time.Second,
	ResourceStick: 20 * time.Second,
	ResourceBush:  20 * time.Second,
	ResourceOre:   90 * time.Second,
}

type respawnEntry struct {
	kind      ResourceKind
	id        string
	respawnAt time.Time
	seq       int64
}

// respawnHeap is a min-heap on respawnAt, tie-broken by insertion order.
type respawnHeap []respawnEntry

func (h respawnHeap) Len() int { return len(h) }
func (h respawnHeap) Less(i, j int) bool {
	if h[i].respawnAt.Equal(h[j].respawnAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].respawnAt.Before(h[j].respawnAt)
}
func (h respawnHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *respawnHeap) Push(x any)   { *h = append(*h, x.(respawnEntry)) }
func (h *respawnHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// RespawnScheduler tracks one respawn heap per chunk and periodically
// clears due entries from the chunk's removed-set, re-persisting and
// broadcasting the delta through the same Store every other mutation
// flows through.
type RespawnScheduler struct {
	mu    sync.Mutex
	heaps map[ChunkKey]*respawnHeap
	seq   int64
	clock clockrng.Clock
	store *Store
}

func NewRespawnScheduler(store *Store, clock clockrng.Clock) *RespawnScheduler {
	return &RespawnScheduler{
		heaps: make(map[ChunkKey]*respawnHeap),
		clock: clock,
		store: store,
	}
}

// Schedule queues id for respawn after the kind's configured delay.
func (s *RespawnScheduler) Schedule(key ChunkKey, kind ResourceKind, id string) {
	delay, ok := RespawnDelay[kind]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.heaps[key]
	if !ok {
		h = &respawnHeap{}
		s.heaps[key] = h
	}
	s.seq++
	heap.Push(h, respawnEntry{kind: kind, id: id, respawnAt: s.clock.Now().Add(delay), seq: s.seq})
}

// Run polls every interval for due entries and applies them as chunk
// mutations. It blocks until ctx is cancelled.
func (s *RespawnScheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *RespawnScheduler) tick(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	due := make(map[ChunkKey][]respawnEntry)
	for key, h := range s.heaps {
		for h.Len() > 0 && !(*h)[0].respawnAt.After(now) {
			due[key] = append(due[key], heap.Pop(h).(respawnEntry))
		}
	}
	s.mu.Unlock()

	for key, entries := range due {
		entries := entries
		_, err := s.store.MutateChunk(ctx, key.WorldID, key.CX, key.CZ, func(c ChunkState) ChunkState {
			for _, e := range entries {
				set := c.removedSet(e.kind)
				if set == nil {
					continue
				}
				*set, _ = removeFrom(*set, e.id)
			}
			return c
		})
		if err != nil {
			log.Printf("respawn: mutate %s/%d:%d: %v", key.WorldID, key.CX, key.CZ, err)
		}
	}
}
