package session

import (
	"math"

	"github.com/outpostgame/worldserver/internal/world"
)

// MaxSpeed is the server-enforced horizontal speed cap, in meters/second.
// Any input that would carry a player faster than this over its dt is
// clamped; the client is trusted for facing and keys but never for speed.
const MaxSpeed = 14.0

// Gravity is applied to vertical velocity while airborne, in m/s^2.
const Gravity = -24.0

// GroundY is the fallback walking surface when no terrain height function
// is wired for a world.
const GroundY = 0.0

// Obstacle is a static circle collider: trees, forges, forge tables,
// chests, and the mine/river/lake boundary rings all reduce to one.
type Obstacle struct {
	X, Z   float64
	Radius float64
}

// PlayerRadius is the horizontal collision radius used for every session.
const PlayerRadius = 0.4

// kinematicState is the movement integrator's per-session working state,
// distinct from world.Position in that it also tracks vertical velocity.
type kinematicState struct {
	pos      world.Position
	velY     float64
	grounded bool
}

// integrate advances one session's pose by dt seconds given the keys and
// yaw reported in an input frame, then resolves the result against the
// supplied obstacles with up to 4 push-out passes. It never rewinds a
// client's reported position backward in time; it only ever produces the
// next authoritative pose going forward from the session's last known one.
func integrate(state kinematicState, keys Keys, yaw float64, dt float64, obstacles []Obstacle) kinematicState {
	if dt <= 0 {
		return state
	}
	if dt > 0.25 {
		dt = 0.25 // starved/backgrounded clients don't get to teleport via a huge dt
	}

	var fwd, strafe float64
	if keys.W {
		fwd++
	}
	if keys.S {
		fwd--
	}
	if keys.D {
		strafe++
	}
	if keys.A {
		strafe--
	}

	var dx, dz float64
	if fwd != 0 || strafe != 0 {
		sinY, cosY := math.Sin(yaw), math.Cos(yaw)
		dirX := sinY*fwd + cosY*strafe
		dirZ := cosY*fwd - sinY*strafe
		norm := math.Hypot(dirX, dirZ)
		if norm > 0 {
			dirX /= norm
			dirZ /= norm
		}
		speed := MaxSpeed
		if keys.Shift {
			speed *= 0.5
		}
		dx = dirX * speed * dt
		dz = dirZ * speed * dt
	}

	next := state.pos
	next.X += dx
	next.Z += dz

	if state.grounded && keys.Space {
		state.velY = 7.0
		state.grounded = false
	}
	state.velY += Gravity * dt
	next.Y += state.velY * dt

	if next.Y <= GroundY {
		next.Y = GroundY
		state.velY = 0
		state.grounded = true
	} else {
		state.grounded = false
	}

	next.X, next.Z = resolveCollisions(next.X, next.Z, obstacles)

	state.pos = next
	return state
}

// resolveCollisions pushes (x, z) out of any overlapping obstacle, up to 4
// iterations so a player wedged between two colliders settles rather than
// tunneling through one on a single pass.
func resolveCollisions(x, z float64, obstacles []Obstacle) (float64, float64) {
	for pass := 0; pass < 4; pass++ {
		moved := false
		for _, o := range obstacles {
			minDist := PlayerRadius + o.Radius
			dx, dz := x-o.X, z-o.Z
			dist := math.Hypot(dx, dz)
			if dist >= minDist || dist == 0 {
				continue
			}
			push := minDist - dist
			x += dx / dist * push
			z += dz / dist * push
			moved = true
		}
		if !moved {
			break
		}
	}
	return x, z
}
