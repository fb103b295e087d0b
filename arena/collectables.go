package arena

import (
	"fmt"
	"math/rand/v2"
)

// CollectableType enumerates the pickup effects.
type CollectableType string

const (
	CollectableGrowth    CollectableType = "GROWTH"
	CollectableSpeedUp   CollectableType = "SPEED_UP"
	CollectableSpeedDown CollectableType = "SPEED_DOWN"
	CollectableScaleUp   CollectableType = "SCALE_UP"
	CollectableScaleDown CollectableType = "SCALE_DOWN"
	CollectableDouble    CollectableType = "LENGTH_DOUBLE"
	CollectableHalve     CollectableType = "LENGTH_HALF"
	CollectableReverse   CollectableType = "REVERSE"
)

const (
	DefaultCollectable    = CollectableGrowth
	defaultGrowthSegments = 1
)

// ObstacleType enumerates hazards.
type ObstacleType string

const (
	ObstacleWreck ObstacleType = "WRECK" // left behind by a dead snake
	ObstacleRock  ObstacleType = "ROCK"  // spawned hazard
)

// Effect is what a client applies to its own snake after the server confirms a pickup.
type Effect struct {
	SpeedDelta   float64 `json:"speedDelta,omitempty" yaml:"speed_delta"`
	ScaleDelta   float64 `json:"scaleDelta,omitempty" yaml:"scale_delta"`
	LengthDelta  int     `json:"lengthDelta,omitempty" yaml:"length_delta"`
	LengthFactor float64 `json:"lengthFactor,omitempty" yaml:"length_factor"`
	Reverse      bool    `json:"reverse,omitempty" yaml:"reverse"`
}

// CollectableSpec is one row of the spawn table.
type CollectableSpec struct {
	Type   CollectableType `json:"type" yaml:"type"`
	Weight int             `json:"weight" yaml:"weight"`
	Points int             `json:"points" yaml:"points"`
	Effect Effect          `json:"effect" yaml:"effect"`
}

// CollectableTable is a weighted list of collectable specs.
type CollectableTable []CollectableSpec

// DefaultCollectableTable returns the built-in spawn table. GROWTH dominates.
func DefaultCollectableTable() CollectableTable {
	return CollectableTable{
		{Type: CollectableGrowth, Weight: 70, Points: 1, Effect: Effect{LengthDelta: defaultGrowthSegments}},
		{Type: CollectableSpeedUp, Weight: 5, Points: 2, Effect: Effect{SpeedDelta: 0.5}},
		{Type: CollectableSpeedDown, Weight: 5, Points: 2, Effect: Effect{SpeedDelta: -0.5}},
		{Type: CollectableScaleUp, Weight: 4, Points: 3, Effect: Effect{ScaleDelta: 0.25}},
		{Type: CollectableScaleDown, Weight: 4, Points: 3, Effect: Effect{ScaleDelta: -0.25}},
		{Type: CollectableDouble, Weight: 2, Points: 5, Effect: Effect{LengthFactor: 2}},
		{Type: CollectableHalve, Weight: 4, Points: 2, Effect: Effect{LengthFactor: 0.5}},
		{Type: CollectableReverse, Weight: 6, Points: 4, Effect: Effect{Reverse: true}},
	}
}

// Validate checks that the table can be sampled.
func (t CollectableTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("collectable table is empty")
	}
	total := 0
	seen := make(map[CollectableType]bool, len(t))
	for _, s := range t {
		if s.Weight < 0 || s.Points < 0 {
			return fmt.Errorf("collectable %s has negative weight or points", s.Type)
		}
		if seen[s.Type] {
			return fmt.Errorf("collectable %s listed twice", s.Type)
		}
		seen[s.Type] = true
		total += s.Weight
	}
	if total == 0 {
		return fmt.Errorf("collectable table has zero total weight")
	}
	return nil
}

// Pick draws a spec at random proportionally to its weight. An empty or
// zero-weight table yields the default growth spec.
func (t CollectableTable) Pick(rng *rand.Rand) CollectableSpec {
	total := 0
	for _, s := range t {
		total += s.Weight
	}
	if total <= 0 {
		return t.Lookup(DefaultCollectable)
	}
	n := rng.IntN(total)
	for _, s := range t {
		if n < s.Weight {
			return s
		}
		n -= s.Weight
	}
	return t[len(t)-1]
}

// Lookup returns the spec for typ, falling back to a one-point growth spec.
func (t CollectableTable) Lookup(typ CollectableType) CollectableSpec {
	for _, s := range t {
		if s.Type == typ {
			return s
		}
	}
	return CollectableSpec{Type: CollectableGrowth, Weight: 1, Points: 1, Effect: Effect{LengthDelta: defaultGrowthSegments}}
}

// Apply returns the snake state after the effect, keeping speed and scale within
// the configured bounds. Length changes lock the affected tail segments so a renderer
// can animate them; the segments are unlocked on the next movement step.
func (e Effect) Apply(s SnakeState) SnakeState {
	s.Segments = append([]Segment(nil), s.Segments...)
	s.Speed = Clamp(s.Speed+e.SpeedDelta, MinStartSpeed, MaxStartSpeed)
	s.Scale = Clamp(s.Scale+e.ScaleDelta, MinStartScale, MaxStartScale)
	target := len(s.Segments) + e.LengthDelta
	if e.LengthFactor > 0 {
		target = int(float64(len(s.Segments)) * e.LengthFactor)
	}
	target = ClampInt(target, 1, MaxSegments)
	switch {
	case target > len(s.Segments) && len(s.Segments) > 0:
		tail := s.Segments[len(s.Segments)-1]
		tail.Locked = true
		for len(s.Segments) < target {
			s.Segments = append(s.Segments, tail)
		}
	case target < len(s.Segments):
		s.Segments = s.Segments[:target]
	}
	if e.Reverse && len(s.Segments) > 1 {
		rev := make([]Segment, len(s.Segments))
		for i, seg := range s.Segments {
			rev[len(s.Segments)-1-i] = seg
		}
		s.Segments = rev
		s.Direction = rev[0].Position.Sub(rev[1].Position).Normalize()
	}
	return s
}
