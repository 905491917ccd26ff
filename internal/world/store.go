package world

import (
	"context"
	"fmt"
	"sync"
)

// ChunkKey identifies one chunk within one world.
type ChunkKey struct {
	WorldID string
	CX      int32
	CZ      int32
}

// Repo is the persistence contract the chunk store needs; internal/store's
// ChunkRepo implements it.
type Repo interface {
	Get(ctx context.Context, worldID string, cx, cz int32) (ChunkState, int64, bool, error)
	Put(ctx context.Context, worldID string, cx, cz int32, st ChunkState, version int64) error
}

// DeltaFunc receives every accepted chunk mutation, in FIFO order per
// chunk, for the broadcaster to fan out as a worldChunk frame.
type DeltaFunc func(worldID string, cx, cz int32, state ChunkState)

// Store is the authoritative chunk store: per-chunk mutex, optimistic
// versioning, lazy creation on first touch.
type Store struct {
	repo    Repo
	onDelta DeltaFunc

	mu        sync.Mutex
	chunkLock map[ChunkKey]*sync.Mutex
}

func NewStore(repo Repo, onDelta DeltaFunc) *Store {
	return &Store{
		repo:      repo,
		onDelta:   onDelta,
		chunkLock: make(map[ChunkKey]*sync.Mutex),
	}
}

func (s *Store) lockFor(key ChunkKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.chunkLock[key]
	if !ok {
		l = &sync.Mutex{}
		s.chunkLock[key] = l
	}
	return l
}

// ReadChunk returns the chunk's current state, or a zero-value state if it
// has never been written.
func (s *Store) ReadChunk(ctx context.Context, worldID string, cx, cz int32) (ChunkState, error) {
	st, _, _, err := s.repo.Get(ctx, worldID, cx, cz)
	if err != nil {
		return ChunkState{}, fmt.Errorf("world: read chunk %s/%d:%d: %w", worldID, cx, cz, err)
	}
	return st, nil
}

// MutateChunk applies f to a copy of the current state under the chunk's
// mutex, persists the result with a bumped version, and fans the delta out
// via onDelta before releasing the mutex — so per-chunk delta ordering
// matches mutation order.
func (s *Store) MutateChunk(ctx context.Context, worldID string, cx, cz int32, f func(ChunkState) ChunkState) (ChunkState, error) {
	key := ChunkKey{WorldID: worldID, CX: cx, CZ: cz}
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	current, version, _, err := s.repo.Get(ctx, worldID, cx, cz)
	if err != nil {
		return ChunkState{}, fmt.Errorf("world: mutate chunk %s/%d:%d: get: %w", worldID, cx, cz, err)
	}

	next := f(current.Clone())
	version++
	next.Version = version

	if err := s.repo.Put(ctx, worldID, cx, cz, next, version); err != nil {
		return ChunkState{}, fmt.Errorf("world: mutate chunk %s/%d:%d: put: %w", worldID, cx, cz, err)
	}
	if s.onDelta != nil {
		s.onDelta(worldID, cx, cz, next)
	}
	return next, nil
}
