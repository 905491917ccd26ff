// Package clockrng provides the server's monotonic time source and the
// deterministic keyed RNG used for world generation.
package clockrng

import (
	"hash/fnv"
	"math/rand/v2"
	"time"
)

// Clock is the server's time source. Production code uses SystemClock;
// tests substitute FakeClock so respawn timing and furnace advance() traces
// are reproducible.
type Clock interface {
	Now() time.Time
}

// SystemClock reports wall-clock time via time.Now.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// FakeClock is a manually advanced clock for deterministic tests.
type FakeClock struct {
	at time.Time
}

// NewFakeClock returns a FakeClock fixed at the given instant.
func NewFakeClock(at time.Time) *FakeClock {
	return &FakeClock{at: at}
}

// Now implements Clock.
func (f *FakeClock) Now() time.Time { return f.at }

// Advance moves the fake clock forward by d.
func (f *FakeClock) Advance(d time.Duration) { f.at = f.at.Add(d) }

// Set pins the fake clock to an absolute instant.
func (f *FakeClock) Set(at time.Time) { f.at = at }

// WorldRNG returns a deterministic source seeded from the given key (a
// world ID or a world-scoped key such as worldgen's per-chunk key), so the
// same key replays identically across server restarts.
func WorldRNG(worldID string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(worldID))
	seed := h.Sum64()
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
