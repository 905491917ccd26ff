package chest

import (
	"context"
	"testing"
	"time"

	"github.com/outpostgame/worldserver/internal/clockrng"
	"github.com/outpostgame/worldserver/internal/lockservice"
)

type fakeStore struct {
	rows map[string]Row
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[string]Row{}} }

func rowKey(worldID, chestID string) string { return worldID + "/" + chestID }

func (f *fakeStore) Get(_ context.Context, worldID, chestID string) (Row, bool, error) {
	row, ok := f.rows[rowKey(worldID, chestID)]
	return row, ok, nil
}

func (f *fakeStore) Put(_ context.Context, worldID, chestID string, st State, now time.Time) error {
	row := f.rows[rowKey(worldID, chestID)]
	row.State = st
	row.UpdatedAt = now
	f.rows[rowKey(worldID, chestID)] = row
	return nil
}

func (f *fakeStore) Create(_ context.Context, worldID, chestID, ownerID string, now time.Time) error {
	f.rows[rowKey(worldID, chestID)] = Row{OwnerID: ownerID, UpdatedAt: now}
	return nil
}

func (f *fakeStore) Delete(_ context.Context, worldID, chestID string) error {
	delete(f.rows, rowKey(worldID, chestID))
	return nil
}

func TestContendedChestReentrancyAndForbidden(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	clock := clockrng.NewFakeClock(time.Unix(0, 0))
	svc := NewService(store, lockservice.New(lockservice.NewMemKV()), clock)

	if err := svc.CreateForPlacement(ctx, "world-1", "C1", "g1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, tok1, _, err := svc.Open(ctx, "world-1", "C1", "g1")
	if err != nil {
		t.Fatalf("open device 1: %v", err)
	}

	_, tok2, _, err := svc.Open(ctx, "world-1", "C1", "g1")
	if err != nil {
		t.Fatalf("open device 2: %v", err)
	}
	if tok1 != tok2 {
		t.Fatalf("expected reentrant token reuse, got %q vs %q", tok1, tok2)
	}

	_, _, _, err = svc.Open(ctx, "world-1", "C1", "g2")
	if err != ErrForbidden {
		t.Fatalf("got %v, want ErrForbidden", err)
	}
}

func TestOpenMissingChestReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newFakeStore(), lockservice.New(lockservice.NewMemKV()), clockrng.NewFakeClock(time.Unix(0, 0)))

	_, _, _, err := svc.Open(ctx, "world-1", "missing", "g1")
	if err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestWriteRequiresMatchingToken(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	clock := clockrng.NewFakeClock(time.Unix(0, 0))
	svc := NewService(store, lockservice.New(lockservice.NewMemKV()), clock)

	svc.CreateForPlacement(ctx, "world-1", "C1", "g1")
	_, tok, _, _ := svc.Open(ctx, "world-1", "C1", "g1")

	newState := State{}
	newState.Slots[0] = &Slot{ID: "iron_ingot", Qty: 1}

	if err := svc.Write(ctx, "world-1", "C1", "g1", "bogus", newState); err != lockservice.ErrLocked {
		t.Fatalf("got %v, want ErrLocked", err)
	}
	if err := svc.Write(ctx, "world-1", "C1", "g1", tok, newState); err != nil {
		t.Fatalf("write: %v", err)
	}

	row, _, _ := store.Get(ctx, "world-1", "C1")
	if row.State.Slots[0] == nil || row.State.Slots[0].Qty != 1 {
		t.Fatalf("got %+v, want written slots", row.State)
	}
}

func TestDestroyRequiresEmptySlots(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := NewService(store, lockservice.New(lockservice.NewMemKV()), clockrng.NewFakeClock(time.Unix(0, 0)))

	svc.CreateForPlacement(ctx, "world-1", "C1", "g1")
	full := State{}
	full.Slots[0] = &Slot{ID: "iron_ingot", Qty: 1}
	store.Put(ctx, "world-1", "C1", full, time.Unix(0, 0))

	empty, err := svc.IsEmpty(ctx, "world-1", "C1")
	if err != nil {
		t.Fatalf("is empty: %v", err)
	}
	if empty {
		t.Fatal("expected not empty with a filled slot")
	}

	store.Put(ctx, "world-1", "C1", State{}, time.Unix(0, 0))
	empty, err = svc.IsEmpty(ctx, "world-1", "C1")
	if err != nil {
		t.Fatalf("is empty: %v", err)
	}
	if !empty {
		t.Fatal("expected empty after clearing slots")
	}
}
