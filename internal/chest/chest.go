// Package chest implements the single-owner, lock-gated 15-slot storage
// store: placement creates the row, reads require both ownership and lock
// acquisition, writes require the presented lock token, destruction is
// only checkable when every slot is empty.
package chest

import (
	"context"
	"errors"
	"time"

	"github.com/outpostgame/worldserver/internal/lockservice"
)

const SlotCount = 15

// ErrForbidden is returned when a non-owner attempts to read or write a
// chest's state.
var ErrForbidden = errors.New("forbidden")

// ErrNotFound is returned when the named chest has no placement row at all,
// distinct from ErrForbidden (exists, wrong owner) and lockservice.ErrLocked
// (exists, held by someone else).
var ErrNotFound = errors.New("chest: not found")

// Slot is a quantified item slot; a nil *Slot is an empty slot.
type Slot struct {
	ID  string `json:"id"`
	Qty int    `json:"qty"`
}

// State is a chest's persisted slot array.
type State struct {
	Slots [SlotCount]*Slot `json:"slots"`
}

// Empty reports whether every slot is nil, the precondition for destroying
// the chest.
func (s State) Empty() bool {
	for _, slot := range s.Slots {
		if slot != nil {
			return false
		}
	}
	return true
}

// Row is a persisted chest including its immutable owner.
type Row struct {
	OwnerID   string
	State     State
	UpdatedAt time.Time
}

// Store is the persistence contract; internal/store's ChestRepo implements
// it.
type Store interface {
	Get(ctx context.Context, worldID, chestID string) (Row, bool, error)
	Put(ctx context.Context, worldID, chestID string, st State, now time.Time) error
	Create(ctx context.Context, worldID, chestID, ownerID string, now time.Time) error
	Delete(ctx context.Context, worldID, chestID string) error
}

// Clock is the minimal time source the service needs.
type Clock interface {
	Now() time.Time
}

// Service implements the chest read/write/placement contract from the
// shared-resource locking design, layering ownership checks and the lock
// service on top of the raw store.
type Service struct {
	store Store
	locks *lockservice.Service
	clock Clock
}

func NewService(store Store, locks *lockservice.Service, clock Clock) *Service {
	return &Service{store: store, locks: locks, clock: clock}
}

// Open implements the HTTP read path: ownership check, then lock
// acquisition, returning the current slots, a fresh lock token, and the
// row's last-write timestamp.
func (s *Service) Open(ctx context.Context, worldID, chestID, guestID string) (State, string, time.Time, error) {
	row, ok, err := s.store.Get(ctx, worldID, chestID)
	if err != nil {
		return State{}, "", time.Time{}, err
	}
	if !ok {
		return State{}, "", time.Time{}, ErrNotFound
	}
	if row.OwnerID != guestID {
		return State{}, "", time.Time{}, ErrForbidden
	}

	key := lockservice.ChestKey(worldID, chestID)
	token, err := s.locks.Acquire(ctx, key, guestID, lockservice.LeaseTTL)
	if err != nil {
		return State{}, "", time.Time{}, err
	}
	return row.State, token, row.UpdatedAt, nil
}

// Write validates the presented lock token, then persists the new slots.
func (s *Service) Write(ctx context.Context, worldID, chestID, guestID, lockToken string, st State) error {
	key := lockservice.ChestKey(worldID, chestID)
	valid, err := s.locks.TokenValid(ctx, key, lockToken)
	if err != nil {
		return err
	}
	if !valid {
		return lockservice.ErrLocked
	}
	row, ok, err := s.store.Get(ctx, worldID, chestID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if row.OwnerID != guestID {
		return ErrForbidden
	}
	return s.store.Put(ctx, worldID, chestID, st, s.clock.Now())
}

// ReleaseLock drops the caller's lease early, e.g. when the client closes
// the chest UI.
func (s *Service) ReleaseLock(ctx context.Context, worldID, chestID, lockToken string) error {
	return s.locks.Release(ctx, lockservice.ChestKey(worldID, chestID), lockToken)
}

// CreateForPlacement implements world.ChestRegistrar: it stamps the owner
// at placement time with an empty slot array.
func (s *Service) CreateForPlacement(ctx context.Context, worldID, chestID, ownerID string) error {
	return s.store.Create(ctx, worldID, chestID, ownerID, s.clock.Now())
}

// IsEmpty implements world.ChestRegistrar, used to gate placeRemove.
func (s *Service) IsEmpty(ctx context.Context, worldID, chestID string) (bool, error) {
	row, ok, err := s.store.Get(ctx, worldID, chestID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return row.State.Empty(), nil
}

// Delete implements world.ChestRegistrar, called once placeRemove accepts.
func (s *Service) Delete(ctx context.Context, worldID, chestID string) error {
	return s.store.Delete(ctx, worldID, chestID)
}
