package session

import (
	"math"
	"testing"

	"github.com/outpostgame/worldserver/internal/world"
)

func TestIntegrateClampsToMaxSpeed(t *testing.T) {
	state := kinematicState{pos: world.Position{X: 0, Y: GroundY, Z: 0}, grounded: true}
	keys := Keys{W: true}
	const dt = 0.25 // the largest step integrate accepts uncapped
	next := integrate(state, keys, 0, dt, nil)

	dist := math.Hypot(next.pos.X-state.pos.X, next.pos.Z-state.pos.Z)
	if dist > MaxSpeed*dt+1e-6 {
		t.Fatalf("moved %.3f in %.2fs, want <= %.3f", dist, dt, MaxSpeed*dt)
	}
	if dist < MaxSpeed*dt-1e-6 {
		t.Fatalf("moved %.3f, want full speed %.3f at yaw 0 facing forward", dist, MaxSpeed*dt)
	}
}

func TestIntegrateClampsOversizedDt(t *testing.T) {
	state := kinematicState{pos: world.Position{Y: GroundY}, grounded: true}
	next := integrate(state, Keys{W: true}, 0, 10.0, nil)
	dist := math.Hypot(next.pos.X, next.pos.Z)
	if dist > MaxSpeed*0.25+1e-6 {
		t.Fatalf("dt not capped: moved %.3f", dist)
	}
}

func TestIntegrateAppliesGravityWhenAirborne(t *testing.T) {
	state := kinematicState{pos: world.Position{X: 0, Y: 100, Z: 0}}
	next := integrate(state, Keys{}, 0, 0.1, nil)
	if next.pos.Y >= 100 {
		t.Fatalf("expected gravity to pull player down, got y=%.3f", next.pos.Y)
	}
}

func TestIntegrateLandsOnGround(t *testing.T) {
	state := kinematicState{pos: world.Position{X: 0, Y: 0.01, Z: 0}, velY: -50}
	next := integrate(state, Keys{}, 0, 0.1, nil)
	if next.pos.Y != GroundY {
		t.Fatalf("y = %.3f, want clamped to ground %.3f", next.pos.Y, GroundY)
	}
	if !next.grounded {
		t.Fatal("expected grounded to be true after landing")
	}
}

func TestResolveCollisionsPushesOutOfObstacle(t *testing.T) {
	obstacles := []Obstacle{{X: 1, Z: 0, Radius: 1.0}}
	x, z := resolveCollisions(0.5, 0, obstacles)
	dist := math.Hypot(x-1, z-0)
	if dist < PlayerRadius+1.0-1e-6 {
		t.Fatalf("still overlapping after resolve: dist=%.3f", dist)
	}
}

func TestResolveCollisionsNoopWhenClear(t *testing.T) {
	obstacles := []Obstacle{{X: 100, Z: 100, Radius: 1.0}}
	x, z := resolveCollisions(0, 0, obstacles)
	if x != 0 || z != 0 {
		t.Fatalf("expected no movement, got (%.3f, %.3f)", x, z)
	}
}
