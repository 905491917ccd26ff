package world

import (
	"fmt"

	"github.com/outpostgame/worldserver/internal/clockrng"
)

// resourceSlotsPerChunk is the number of candidate object slots world
// generation considers per chunk per resource kind; resourceDensity of them
// are actually seeded, the same way a voxel terrain generator samples a
// fixed-size candidate grid down to the ones that survive placement rules.
const (
	resourceSlotsPerChunk = 64
	resourceDensity       = 16
)

var resourcePrefix = map[ResourceKind]string{
	ResourceTree:  "tree",
	ResourceRock:  "rock",
	ResourceStick: "stick",
	ResourceBush:  "bush",
	ResourceOre:   "ore",
}

// seededIDs returns the object IDs world generation placed for kind in
// chunk (cx, cz). Generation is a pure function of (worldID, cx, cz, kind)
// seeded through clockrng.WorldRNG, so a chunk's seeded-object universe
// replays identically on every server without ever being persisted: the
// chunk store only needs to remember what's been removed from it, not what
// was there to begin with.
func seededIDs(worldID string, cx, cz int32, kind ResourceKind) []string {
	prefix, ok := resourcePrefix[kind]
	if !ok {
		return nil
	}
	rng := clockrng.WorldRNG(fmt.Sprintf("%s:%d:%d:%s", worldID, cx, cz, prefix))
	slots := rng.Perm(resourceSlotsPerChunk)
	ids := make([]string, resourceDensity)
	for i := 0; i < resourceDensity; i++ {
		ids[i] = fmt.Sprintf("%s-%d-%d-%d", prefix, cx, cz, slots[i])
	}
	return ids
}

// isSeededObject reports whether id names one of the objects world
// generation placed for kind in chunk (cx, cz), the check processHarvestResource
// runs before admitting id into the chunk's removed set so an invariant or
// spoofed id never gets treated as a valid harvest target.
func isSeededObject(worldID string, cx, cz int32, kind ResourceKind, id string) bool {
	for _, seeded := range seededIDs(worldID, cx, cz, kind) {
		if seeded == id {
			return true
		}
	}
	return false
}
