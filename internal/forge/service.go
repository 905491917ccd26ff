package forge

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/outpostgame/worldserver/internal/lockservice"
)

// Ref is one persisted furnace, enough for the background worker to call
// Advance without a second round trip to storage.
type Ref struct {
	WorldID   string
	ForgeID   string
	State     State
	UpdatedAt time.Time
}

// Store is the persistence contract the service needs; internal/store's
// ForgeRepo implements it.
type Store interface {
	Get(ctx context.Context, worldID, forgeID string) (State, time.Time, bool, error)
	Put(ctx context.Context, worldID, forgeID string, st State, now time.Time) error
	ListEnabled(ctx context.Context, limit int) ([]Ref, error)
	Delete(ctx context.Context, worldID, forgeID string) error
}

// Clock is the minimal time source the service needs; satisfied by
// internal/clockrng.SystemClock and internal/clockrng.FakeClock.
type Clock interface {
	Now() time.Time
}

// minAdvanceInterval is the smallest gap worth persisting an update for;
// a read that lands 50ms after the last write isn't worth a write-back.
const minAdvanceInterval = 250 * time.Millisecond

// Service wraps the pure Advance function with online catch-up (applied
// on every read, so a client polling forge state always sees it fast
// forwarded to now) and a background worker that keeps furnaces burning
// while nobody is watching.
type Service struct {
	store Store
	locks *lockservice.Service
	clock Clock

	// workerID identifies this process instance to the lock service, so a
	// second replica racing for the worker lock gets ErrLocked instead of
	// reentrantly renewing this replica's lease.
	workerID string
}

func NewService(store Store, locks *lockservice.Service, clock Clock) *Service {
	return &Service{store: store, locks: locks, clock: clock, workerID: uuid.NewString()}
}

// Get returns a furnace's state caught up to now, persisting the result if
// time has actually elapsed since the last write, plus the resulting
// last-write timestamp.
func (s *Service) Get(ctx context.Context, worldID, forgeID string) (State, time.Time, error) {
	st, updatedAt, ok, err := s.store.Get(ctx, worldID, forgeID)
	if err != nil {
		return State{}, time.Time{}, err
	}
	if !ok {
		return State{}, time.Time{}, nil
	}
	return s.catchUp(ctx, worldID, forgeID, st, updatedAt)
}

// Put validates ownership of the lock token, then writes a caller-supplied
// state transition (loading fuel/ore, toggling enabled, collecting
// output), first catching up any elapsed time so the transition is
// applied on top of current state rather than a stale snapshot.
func (s *Service) Put(ctx context.Context, worldID, forgeID, lockToken string, mutate func(State) State) (State, error) {
	key := lockservice.ForgeKey(worldID, forgeID)
	valid, err := s.locks.TokenValid(ctx, key, lockToken)
	if err != nil {
		return State{}, err
	}
	if !valid {
		return State{}, lockservice.ErrLocked
	}

	current, _, err := s.Get(ctx, worldID, forgeID)
	if err != nil {
		return State{}, err
	}
	next := mutate(current)
	now := s.clock.Now()
	if err := s.store.Put(ctx, worldID, forgeID, next, now); err != nil {
		return State{}, err
	}
	return next, nil
}

// EnsureExists implements world.ForgeRegistrar: it creates an empty,
// disabled furnace row at placement time if one doesn't already exist.
func (s *Service) EnsureExists(ctx context.Context, worldID, forgeID string) error {
	_, _, ok, err := s.store.Get(ctx, worldID, forgeID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.store.Put(ctx, worldID, forgeID, State{}, s.clock.Now())
}

// Delete implements world.ForgeRegistrar, called once placeRemove accepts
// for a forge or forgeTable placement.
func (s *Service) Delete(ctx context.Context, worldID, forgeID string) error {
	return s.store.Delete(ctx, worldID, forgeID)
}

func (s *Service) catchUp(ctx context.Context, worldID, forgeID string, st State, updatedAt time.Time) (State, time.Time, error) {
	now := s.clock.Now()
	elapsed := now.Sub(updatedAt)
	if elapsed < minAdvanceInterval || !st.Enabled {
		return st, updatedAt, nil
	}
	next := Advance(st, elapsed)
	if err := s.store.Put(ctx, worldID, forgeID, next, now); err != nil {
		return State{}, time.Time{}, err
	}
	return next, now, nil
}

// RunWorker contends for the singleton worker lock and, while holding it,
// advances every enabled furnace once per tick. Losing the lock (to
// another replica, or to its own lease expiring under load) just means
// this replica stops ticking until it can reacquire; furnaces still catch
// up lazily on next read via Get, so split-brain between two workers
// double-advancing is tolerated the same way it is in the lock design.
func (s *Service) RunWorker(ctx context.Context, scanLimit int, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var holderToken string

	for {
		select {
		case <-ctx.Done():
			if holderToken != "" {
				release, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = s.locks.Release(release, lockservice.WorkerKey, holderToken)
				cancel()
			}
			return
		case <-ticker.C:
			token, held, err := s.acquireOrRenewWorkerLock(ctx, holderToken)
			if err != nil {
				log.Printf("forge worker: lock error: %v", err)
				holderToken = ""
				continue
			}
			if !held {
				holderToken = ""
				continue
			}
			holderToken = token
			if err := s.tick(ctx, scanLimit); err != nil {
				log.Printf("forge worker: tick error: %v", err)
			}
		}
	}
}

func (s *Service) acquireOrRenewWorkerLock(ctx context.Context, holderToken string) (string, bool, error) {
	if holderToken != "" {
		if err := s.locks.Renew(ctx, lockservice.WorkerKey, holderToken, lockservice.WorkerLeaseTTL); err == nil {
			return holderToken, true, nil
		}
		// Lost the lease; fall through and try a fresh acquire below.
	}
	token, err := s.locks.Acquire(ctx, lockservice.WorkerKey, s.workerID, lockservice.WorkerLeaseTTL)
	if err == lockservice.ErrLocked {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

func (s *Service) tick(ctx context.Context, scanLimit int) error {
	refs, err := s.store.ListEnabled(ctx, scanLimit)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, ref := range refs {
		elapsed := now.Sub(ref.UpdatedAt)
		if elapsed < minAdvanceInterval {
			continue
		}
		next := Advance(ref.State, elapsed)
		if err := s.store.Put(ctx, ref.WorldID, ref.ForgeID, next, now); err != nil {
			log.Printf("forge worker: put %s/%s: %v", ref.WorldID, ref.ForgeID, err)
		}
	}
	return nil
}
