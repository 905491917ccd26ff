package session

import (
	"encoding/json"
	"testing"
)

func TestDecodeInboundJoin(t *testing.T) {
	raw := []byte(`{"t":"join","v":1,"guestId":"g1","worldId":"w1","token":"abc.def","spawn":{"x":1,"y":0,"z":2}}`)
	tag, payload, err := decodeInbound(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tag != "join" {
		t.Fatalf("tag = %q, want join", tag)
	}
	f, ok := payload.(JoinFrame)
	if !ok {
		t.Fatalf("payload type = %T, want JoinFrame", payload)
	}
	if f.GuestID != "g1" || f.WorldID != "w1" || f.Spawn.X != 1 {
		t.Fatalf("unexpected join frame: %+v", f)
	}
}

func TestDecodeInboundUnknownTag(t *testing.T) {
	_, _, err := decodeInbound([]byte(`{"t":"bogus"}`))
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestDecodeInboundMalformed(t *testing.T) {
	_, _, err := decodeInbound([]byte(`not json`))
	if err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestDecodeInboundWorldEvent(t *testing.T) {
	raw := []byte(`{"t":"worldEvent","v":1,"kind":"treeCut","id":"tree-1","x":5,"z":6,"at":123}`)
	tag, payload, err := decodeInbound(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tag != "worldEvent" {
		t.Fatalf("tag = %q", tag)
	}
	f := payload.(WorldEventFrame)
	if f.Kind != "treeCut" || f.ID != "tree-1" {
		t.Fatalf("unexpected world event frame: %+v", f)
	}
}

func TestPlayerSnapshotMarshalsAsTuple(t *testing.T) {
	p := PlayerSnapshot{ID: "g1", X: 1, Y: 2, Z: 3, Yaw: 0.5}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var tuple []any
	if err := json.Unmarshal(raw, &tuple); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(tuple) != 5 || tuple[0] != "g1" {
		t.Fatalf("unexpected tuple: %v", tuple)
	}
}
