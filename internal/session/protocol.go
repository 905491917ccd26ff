// Package session implements the WebSocket session gateway: the tagged-
// union wire protocol, per-connection read/write pumps modeled on a
// classic gorilla/websocket hub, inbound rate limiting, and the fixed-rate
// snapshot broadcaster.
package session

import (
	"encoding/json"
	"fmt"

	"github.com/outpostgame/worldserver/internal/world"
)

// ProtocolVersion is the only wire protocol version this server speaks.
const ProtocolVersion = 1

// envelope is the common "t" discriminator every frame carries.
type envelope struct {
	T string `json:"t"`
}

// Inbound frame payloads.

type JoinFrame struct {
	V       int    `json:"v"`
	GuestID string `json:"guestId"`
	WorldID string `json:"worldId"`
	Token   string `json:"token"`
	Spawn   Vec3   `json:"spawn"`
}

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Keys struct {
	W     bool `json:"w"`
	A     bool `json:"a"`
	S     bool `json:"s"`
	D     bool `json:"d"`
	Shift bool `json:"shift"`
	Space bool `json:"space"`
}

type InputFrame struct {
	V     int     `json:"v"`
	Seq   int64   `json:"seq"`
	Dt    float64 `json:"dt"`
	Keys  Keys    `json:"keys"`
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	At    int64   `json:"at"`
}

type TeleportFrame struct {
	V int     `json:"v"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	At int64  `json:"at"`
}

// WorldEventFrame is the inbound envelope for every arbiter-bound event;
// fields irrelevant to Kind are simply left zero.
type WorldEventFrame struct {
	V         int     `json:"v"`
	Kind      string  `json:"kind"`
	ID        string  `json:"id"`
	PlaceKind string  `json:"placeKind,omitempty"`
	SeedID    string  `json:"seedId,omitempty"`
	X         float64 `json:"x"`
	Z         float64 `json:"z"`
	At        int64   `json:"at"`
}

// decodeInbound parses a raw client frame into one of the typed inbound
// payloads, returning the "t" tag alongside.
func decodeInbound(raw []byte) (string, any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("bad_frame: %w", err)
	}
	switch env.T {
	case "join":
		var f JoinFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return env.T, nil, fmt.Errorf("bad_frame: %w", err)
		}
		return env.T, f, nil
	case "input":
		var f InputFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return env.T, nil, fmt.Errorf("bad_frame: %w", err)
		}
		return env.T, f, nil
	case "teleport":
		var f TeleportFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return env.T, nil, fmt.Errorf("bad_frame: %w", err)
		}
		return env.T, f, nil
	case "worldEvent":
		var f WorldEventFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return env.T, nil, fmt.Errorf("bad_frame: %w", err)
		}
		return env.T, f, nil
	default:
		return env.T, nil, fmt.Errorf("bad_frame: unknown tag %q", env.T)
	}
}

// Outbound frame payloads.

type WelcomeFrame struct {
	T  string `json:"t"`
	ID string `json:"id"`
}

type ErrorFrame struct {
	T       string `json:"t"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type WorldChunkFrame struct {
	T      string          `json:"t"`
	ChunkX int32           `json:"chunkX"`
	ChunkZ int32           `json:"chunkZ"`
	State  world.ChunkState `json:"state"`
}

type WorldEventResultFrame struct {
	T      string `json:"t"`
	OK     bool   `json:"ok"`
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// PlayerSnapshot is one player's pose within a snapshot frame.
type PlayerSnapshot struct {
	ID  string
	X   float64
	Y   float64
	Z   float64
	Yaw float64
}

// MarshalJSON encodes a PlayerSnapshot as the compact tuple the wire
// protocol expects: [id, x, y, z, yaw].
func (p PlayerSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.ID, p.X, p.Y, p.Z, p.Yaw})
}

type SnapshotFrame struct {
	T       string           `json:"t"`
	Players []PlayerSnapshot `json:"players"`
}

func encodeFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}
