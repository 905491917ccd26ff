package lockservice

import (
	"context"
	"testing"
	"time"
)

func TestAcquireReentrancy(t *testing.T) {
	svc := New(NewMemKV())
	ctx := context.Background()
	key := ChestKey("world-1", "C1")

	tok1, err := svc.Acquire(ctx, key, "g1", LeaseTTL)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Same guest, second device: reentrant renew returns the same token.
	tok2, err := svc.Acquire(ctx, key, "g1", LeaseTTL)
	if err != nil {
		t.Fatalf("reentrant acquire: %v", err)
	}
	if tok1 != tok2 {
		t.Fatalf("expected reentrant token reuse, got %q vs %q", tok1, tok2)
	}

	// Different guest: locked.
	if _, err := svc.Acquire(ctx, key, "g2", LeaseTTL); err != ErrLocked {
		t.Fatalf("got %v, want ErrLocked", err)
	}
}

func TestReleaseRequiresMatchingToken(t *testing.T) {
	svc := New(NewMemKV())
	ctx := context.Background()
	key := ForgeKey("world-1", "F1")

	tok, _ := svc.Acquire(ctx, key, "g1", LeaseTTL)

	if err := svc.Release(ctx, key, "bogus-token"); err != ErrLocked {
		t.Fatalf("got %v, want ErrLocked", err)
	}
	if err := svc.Release(ctx, key, tok); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Now anyone can acquire.
	if _, err := svc.Acquire(ctx, key, "g2", LeaseTTL); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestStatusFor(t *testing.T) {
	svc := New(NewMemKV())
	ctx := context.Background()
	key := ChestKey("world-1", "C1")

	st, _ := svc.StatusFor(ctx, key, "g1")
	if st.Locked {
		t.Fatal("expected not locked before acquire")
	}

	svc.Acquire(ctx, key, "g1", LeaseTTL)

	st, _ = svc.StatusFor(ctx, key, "g1")
	if !st.Locked || !st.BySelf {
		t.Fatalf("got %+v, want locked by self", st)
	}

	st, _ = svc.StatusFor(ctx, key, "g2")
	if !st.Locked || st.BySelf {
		t.Fatalf("got %+v, want locked, not by self", st)
	}
}

func TestLeaseExpires(t *testing.T) {
	svc := New(NewMemKV())
	ctx := context.Background()
	key := ForgeKey("world-1", "F1")

	if _, err := svc.Acquire(ctx, key, "g1", 5*time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(15 * time.Millisecond)

	// Lease expired: a different guest can now acquire.
	if _, err := svc.Acquire(ctx, key, "g2", LeaseTTL); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}
