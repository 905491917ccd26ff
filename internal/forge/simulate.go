// Package forge implements the furnace simulator: a pure time-stepped
// Advance function plus (in service.go) the persistence wrapper and
// background worker that call it.
package forge

import (
	"strings"
	"time"
)

const (
	// BurnCap is the maximum seconds of stored burn.
	BurnCap = 90.0
	// SecondsPerIngot is the progress required to smelt one ingot.
	SecondsPerIngot = 10.0
	// OutputStackCap is the maximum quantity per output slot.
	OutputStackCap = 100
	// MaxAdvance bounds a single Advance call's dt.
	MaxAdvance = 6 * time.Hour

	burnLowThreshold      = 0.1
	burnLowWithOreThreshold = 2.5
)

// FuelSeconds maps a fuel item ID to the burn-seconds one unit contributes.
var FuelSeconds = map[string]float64{
	"log":   22,
	"stick": 6,
	"leaf":  2,
}

// Stack is a quantified item slot; a nil *Stack is an empty slot.
type Stack struct {
	ID  string `json:"id"`
	Qty int    `json:"qty"`
}

// State is the furnace's simulable state.
type State struct {
	Enabled bool      `json:"enabled"`
	Burn    float64   `json:"burn"`
	Prog    float64   `json:"prog"`
	Fuel    [2]*Stack `json:"fuel"`
	Input   [2]*Stack `json:"input"`
	Output  [2]*Stack `json:"output"`
}

// Clone deep-copies the state so Advance never mutates the caller's copy in
// place, the same copy-on-read contract the chunk store uses for its
// resource nodes.
func (s State) Clone() State {
	out := s
	for i := range s.Fuel {
		out.Fuel[i] = cloneStack(s.Fuel[i])
	}
	for i := range s.Input {
		out.Input[i] = cloneStack(s.Input[i])
	}
	for i := range s.Output {
		out.Output[i] = cloneStack(s.Output[i])
	}
	return out
}

func cloneStack(s *Stack) *Stack {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// OreToIngot derives the ingot item ID smelted from an ore item ID, e.g.
// "iron_ore" -> "iron_ingot".
func OreToIngot(oreID string) string {
	if strings.HasSuffix(oreID, "_ore") {
		return strings.TrimSuffix(oreID, "_ore") + "_ingot"
	}
	return oreID + "_ingot"
}

func hasFuel(fuel [2]*Stack) bool {
	for _, s := range fuel {
		if s != nil && s.Qty > 0 {
			if _, ok := FuelSeconds[s.ID]; ok {
				return true
			}
		}
	}
	return false
}

func consumeFuel(fuel *[2]*Stack) float64 {
	for i, s := range fuel {
		if s == nil || s.Qty <= 0 {
			continue
		}
		secs, ok := FuelSeconds[s.ID]
		if !ok {
			continue
		}
		s.Qty--
		if s.Qty <= 0 {
			fuel[i] = nil
		}
		return secs
	}
	return 0
}

func hasOre(input [2]*Stack) bool {
	for _, s := range input {
		if s != nil && s.Qty > 0 {
			return true
		}
	}
	return false
}

// outputHasSpace reports whether at least one output slot can accept
// ingotID: an empty slot, or a matching slot under the stack cap.
func outputHasSpace(output [2]*Stack, ingotID string) bool {
	for _, s := range output {
		if s == nil {
			return true
		}
		if s.ID == ingotID && s.Qty < OutputStackCap {
			return true
		}
	}
	return false
}

// consumeOre takes one unit from the first non-empty input slot and returns
// the ingot ID it smelts into.
func consumeOre(input *[2]*Stack) string {
	for i, s := range input {
		if s == nil || s.Qty <= 0 {
			continue
		}
		ingotID := OreToIngot(s.ID)
		s.Qty--
		if s.Qty <= 0 {
			input[i] = nil
		}
		return ingotID
	}
	return ""
}

func depositIngot(output *[2]*Stack, ingotID string) {
	for _, s := range output {
		if s != nil && s.ID == ingotID && s.Qty < OutputStackCap {
			s.Qty++
			return
		}
	}
	for i, s := range output {
		if s == nil {
			output[i] = &Stack{ID: ingotID, Qty: 1}
			return
		}
	}
}

// Advance runs the furnace forward by dt and returns the resulting state.
// It is pure: the input state is never mutated. Advance(s, 0) returns a
// copy deeply equal to s for any s, and Advance(s, T) equals chaining Advance across any partition of T
// (up to floating-point rounding), since each inner step stops at the
// refuel threshold and at the next ingot boundary, the only points where
// the loop's decisions change.
func Advance(s State, dt time.Duration) State {
	if dt < 0 {
		dt = 0
	}
	if dt > MaxAdvance {
		dt = MaxAdvance
	}
	out := s.Clone()
	remaining := dt.Seconds()

	for remaining > 0 && out.Enabled {
		if !hasOre(out.Input) {
			out.Enabled = false
			break
		}
		// Determine the ingot currently being produced from the first
		// available ore slot, to check output space for that item.
		var ingotID string
		for _, slot := range out.Input {
			if slot != nil && slot.Qty > 0 {
				ingotID = OreToIngot(slot.ID)
				break
			}
		}
		if !outputHasSpace(out.Output, ingotID) {
			out.Enabled = false
			break
		}

		lowThreshold := burnLowThreshold
		if hasOre(out.Input) {
			lowThreshold = burnLowWithOreThreshold
		}
		for out.Burn <= lowThreshold && hasFuel(out.Fuel) {
			added := consumeFuel(&out.Fuel)
			out.Burn += added
			if out.Burn > BurnCap {
				out.Burn = BurnCap
			}
		}

		if out.Burn <= 0 {
			if !hasFuel(out.Fuel) {
				out.Enabled = false
				break
			}
			continue
		}

		step := remaining
		if out.Burn < step {
			step = out.Burn
		}
		if hasFuel(out.Fuel) && out.Burn-lowThreshold < step {
			step = out.Burn - lowThreshold
		}
		if toIngot := SecondsPerIngot - out.Prog; toIngot < step {
			step = max(toIngot, 0)
		}
		out.Burn -= step
		remaining -= step
		out.Prog += step

		for out.Prog >= SecondsPerIngot && hasOre(out.Input) && outputHasSpace(out.Output, ingotID) {
			out.Prog -= SecondsPerIngot
			smeltedIngot := consumeOre(&out.Input)
			depositIngot(&out.Output, smeltedIngot)
		}

		if !hasOre(out.Input) || (!hasFuel(out.Fuel) && out.Burn <= 0) {
			out.Enabled = false
			break
		}
	}

	if out.Burn < 0 {
		out.Burn = 0
	}
	if out.Burn > BurnCap {
		out.Burn = BurnCap
	}
	if out.Prog < 0 {
		out.Prog = 0
	}
	if out.Prog > SecondsPerIngot {
		out.Prog = SecondsPerIngot
	}
	return out
}
