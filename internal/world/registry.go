package world

import (
	"math"
	"sync"
)

// MinSpacing is the minimum allowed distance between a new placement and
// any existing collider-bearing placement of the listed types, keyed by
// the type being placed.
var MinSpacing = map[string]float64{
	"chest":      1.0,
	"forge":      1.2,
	"forgeTable": 1.2,
	"campfire":   0.6,
}

// ValidPlacementTypes is the closed set of placeable structure types.
var ValidPlacementTypes = map[string]bool{
	"campfire":   true,
	"forge":      true,
	"forgeTable": true,
	"chest":      true,
}

type placedEntry struct {
	Type    string
	CX, CZ  int32
	X, Z    float64
	OwnerID string
}

// Registry owns worldId -> {placedId -> entry}, the lookup the arbiter uses
// to validate freshness and spacing before a placement reaches the chunk
// store, and to resolve ownership/type on removal.
type Registry struct {
	mu     sync.Mutex
	worlds map[string]map[string]placedEntry
}

func NewRegistry() *Registry {
	return &Registry{worlds: make(map[string]map[string]placedEntry)}
}

func (r *Registry) worldMap(worldID string) map[string]placedEntry {
	m, ok := r.worlds[worldID]
	if !ok {
		m = make(map[string]placedEntry)
		r.worlds[worldID] = m
	}
	return m
}

// CheckFresh reports whether id is not already registered in worldID.
func (r *Registry) CheckFresh(worldID, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.worldMap(worldID)[id]
	return !exists
}

// CheckSpacing reports whether placing placeType at (x, z) keeps at least
// the type's configured minimum spacing from every existing placement that
// carries a collider.
func (r *Registry) CheckSpacing(worldID, placeType string, x, z float64) bool {
	min, ok := MinSpacing[placeType]
	if !ok {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.worldMap(worldID) {
		if _, hasCollider := MinSpacing[e.Type]; !hasCollider {
			continue
		}
		dx, dz := e.X-x, e.Z-z
		if math.Hypot(dx, dz) < min {
			return false
		}
	}
	return true
}

// Register records a new placement. Returns false if id is already taken
// (callers are expected to call CheckFresh first; this is the atomic
// guard against a last-moment race).
func (r *Registry) Register(worldID, id, placeType string, cx, cz int32, x, z float64, ownerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.worldMap(worldID)
	if _, exists := m[id]; exists {
		return false
	}
	m[id] = placedEntry{Type: placeType, CX: cx, CZ: cz, X: x, Z: z, OwnerID: ownerID}
	return true
}

// Lookup returns the registered entry for id, if any.
func (r *Registry) Lookup(worldID, id string) (typ string, ownerID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.worldMap(worldID)[id]
	if !exists {
		return "", "", false
	}
	return e.Type, e.OwnerID, true
}

// LookupChunk returns the chunk coordinates a registered placement lives
// in, if any.
func (r *Registry) LookupChunk(worldID, id string) (cx, cz int32, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.worldMap(worldID)[id]
	if !exists {
		return 0, 0, false
	}
	return e.CX, e.CZ, true
}

// Unregister removes id, returning whether it existed.
func (r *Registry) Unregister(worldID, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.worldMap(worldID)
	if _, exists := m[id]; !exists {
		return false
	}
	delete(m, id)
	return true
}
