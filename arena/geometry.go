package arena

import (
	"math"
	"math/rand/v2"
)

// maxPlacementAttempts bounds RandomUniquePosition so a crowded world can't spin forever.
const maxPlacementAttempts = 500

// Vec is a point or direction in world coordinates.
type Vec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v Vec) Add(o Vec) Vec       { return Vec{v.X + o.X, v.Y + o.Y} }
func (v Vec) Sub(o Vec) Vec       { return Vec{v.X - o.X, v.Y - o.Y} }
func (v Vec) Scale(f float64) Vec { return Vec{v.X * f, v.Y * f} }
func (v Vec) Len() float64        { return math.Hypot(v.X, v.Y) }
func (v Vec) Angle() float64      { return math.Atan2(v.Y, v.X) }
func (v Vec) Equal(o Vec) bool    { return v.X == o.X && v.Y == o.Y }

// Dist2 returns the squared distance to o.
func (v Vec) Dist2(o Vec) float64 {
	d := v.Sub(o)
	return d.X*d.X + d.Y*d.Y
}

// Normalize returns the unit vector in the direction of v, or +X for the zero vector.
func (v Vec) Normalize() Vec {
	l := v.Len()
	if l == 0 {
		return Vec{X: 1}
	}
	return Vec{v.X / l, v.Y / l}
}

// Distance returns the Euclidean distance between two points
func Distance(a, b Vec) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

// Clamp restricts v to [lo, hi]
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampInt restricts v to [lo, hi]
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RandomPosition returns a point uniformly distributed in [border, size-border] on both axes.
// A border wider than half the world collapses to the centre.
func RandomPosition(rng *rand.Rand, size, border float64) Vec {
	lo, hi := border, size-border
	if hi < lo {
		mid := size / 2
		return Vec{mid, mid}
	}
	return Vec{
		X: lo + rng.Float64()*(hi-lo),
		Y: lo + rng.Float64()*(hi-lo),
	}
}

// RandomUniquePosition draws candidates until one lies at least minDist away from every
// occupied point. It reports false when no such point was found within the attempt budget.
func RandomUniquePosition(rng *rand.Rand, size, border, minDist float64, occupied []Vec) (Vec, bool) {
	minDist2 := minDist * minDist
	for attempt := 0; attempt < maxPlacementAttempts; attempt++ {
		candidate := RandomPosition(rng, size, border)
		if isFree(candidate, minDist2, occupied) {
			return candidate, true
		}
	}
	return Vec{}, false
}

func isFree(candidate Vec, minDist2 float64, occupied []Vec) bool {
	for _, o := range occupied {
		if candidate.Equal(o) || candidate.Dist2(o) < minDist2 {
			return false
		}
	}
	return true
}

// RandomDirection returns a unit vector pointing in a uniformly random direction.
func RandomDirection(rng *rand.Rand) Vec {
	a := rng.Float64() * 2 * math.Pi
	return Vec{math.Cos(a), math.Sin(a)}
}

// DirectionTowards returns the unit vector from p towards the centre of a square world,
// used to point freshly spawned snakes away from the nearest wall.
func DirectionTowards(p Vec, size float64) Vec {
	c := Vec{size / 2, size / 2}
	if p.Equal(c) {
		return Vec{X: 1}
	}
	return c.Sub(p).Normalize()
}

// NewSnakeBody lays out length segments in a straight line trailing behind head.
func NewSnakeBody(head, direction Vec, length int, spacing float64) []Segment {
	if length < 1 {
		length = 1
	}
	dir := direction.Normalize()
	rot := dir.Angle()
	segs := make([]Segment, length)
	for i := range segs {
		segs[i] = Segment{
			Position: head.Sub(dir.Scale(float64(i) * spacing)),
			Rotation: rot,
		}
	}
	return segs
}

// Segment is one piece of a snake body, head first.
type Segment struct {
	Position Vec     `json:"position"`
	Rotation float64 `json:"rotation"`
	Locked   bool    `json:"locked,omitempty"`
}
