package world

import (
	"context"
	"sync"
	"testing"
)

type memRepo struct {
	mu   sync.Mutex
	rows map[ChunkKey]ChunkState
}

func newMemRepo() *memRepo { return &memRepo{rows: map[ChunkKey]ChunkState{}} }

func (m *memRepo) Get(_ context.Context, worldID string, cx, cz int32) (ChunkState, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[ChunkKey{worldID, cx, cz}]
	if !ok {
		return ChunkState{}, 0, false, nil
	}
	return st, st.Version, true, nil
}

func (m *memRepo) Put(_ context.Context, worldID string, cx, cz int32, st ChunkState, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.Version = version
	m.rows[ChunkKey{worldID, cx, cz}] = st
	return nil
}

func TestMutateChunkBumpsVersionAndPersists(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	var deltas int
	store := NewStore(repo, func(worldID string, cx, cz int32, state ChunkState) { deltas++ })

	st, err := store.MutateChunk(ctx, "world-1", 0, 0, func(c ChunkState) ChunkState {
		c.RemovedTrees = append(c.RemovedTrees, "T1")
		return c
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if st.Version != 1 {
		t.Fatalf("version = %d, want 1", st.Version)
	}
	if !contains(st.RemovedTrees, "T1") {
		t.Fatalf("expected T1 in removed trees, got %v", st.RemovedTrees)
	}

	st2, err := store.MutateChunk(ctx, "world-1", 0, 0, func(c ChunkState) ChunkState { return c })
	if err != nil {
		t.Fatalf("mutate 2: %v", err)
	}
	if st2.Version != 2 {
		t.Fatalf("version = %d, want 2", st2.Version)
	}
	if deltas != 2 {
		t.Fatalf("deltas = %d, want 2", deltas)
	}
}

func TestReadChunkZeroValueWhenAbsent(t *testing.T) {
	store := NewStore(newMemRepo(), nil)
	st, err := store.ReadChunk(context.Background(), "world-1", 5, 5)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(st.RemovedTrees) != 0 || st.Version != 0 {
		t.Fatalf("expected zero-value chunk, got %+v", st)
	}
}

func TestChunkCoord(t *testing.T) {
	cases := []struct {
		x, z   float64
		cx, cz int32
	}{
		{0, 0, 0, 0},
		{31.9, 0, 0, 0},
		{32, 0, 1, 0},
		{-1, -1, -1, -1},
		{-32.1, 0, -2, 0},
	}
	for _, c := range cases {
		cx, cz := ChunkCoord(c.x, c.z)
		if cx != c.cx || cz != c.cz {
			t.Errorf("ChunkCoord(%v,%v) = (%d,%d), want (%d,%d)", c.x, c.z, cx, cz, c.cx, c.cz)
		}
	}
}
