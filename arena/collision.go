package arena

import "sort"

const (
	PickupRadius   = 15.0
	ObstacleRadius = 20.0
	// neckSegments behind the head are skipped by the self check; they always touch it.
	neckSegments = 3
)

// CheckCollision checks if two circles overlap
func CheckCollision(a Vec, ra float64, b Vec, rb float64) bool {
	radSum := ra + rb
	return a.Dist2(b) <= radSum*radSum
}

// OutOfBounds reports whether a head of the given scale pokes outside [0, worldSize].
func OutOfBounds(head Vec, scale, worldSize float64) bool {
	r := HeadRadius(scale)
	return head.X-r < 0 || head.Y-r < 0 || head.X+r > worldSize || head.Y+r > worldSize
}

// SelfCollision reports whether the head touches any of its own non-neck segments.
func SelfCollision(s SnakeState) bool {
	if len(s.Segments) <= neckSegments {
		return false
	}
	head := s.Head()
	r := HeadRadius(s.Scale)
	for _, seg := range s.Segments[neckSegments+1:] {
		if seg.Locked {
			continue
		}
		if CheckCollision(head, r, seg.Position, r/2) {
			return true
		}
	}
	return false
}

// Detection is the outcome of one local collision pass.
type Detection struct {
	Collision CollisionType // empty when nothing fatal was hit
	Pickups   []string      // collectable ids touched by the head, sorted
}

// Detector runs the client half of collision resolution against a snapshot.
// The server only decides whether a reported collision counts; Detector decides when to report.
type Detector struct {
	size float64
	grid *SpatialGrid
	buf  []EntityRef
}

// NewDetector allocates a detector for a world of the given size.
func NewDetector(worldSize float64) *Detector {
	return &Detector{size: worldSize, grid: NewSpatialGrid(worldSize)}
}

// Detect checks the snake owned by selfID against the world, itself, collectables,
// obstacles and every other living snake in snap. World and self hits take precedence
// over obstacle and player hits.
func (d *Detector) Detect(snap SessionSnapshot, selfID string) Detection {
	var out Detection
	me, ok := snap.Players[selfID]
	if !ok || me.Status != StatusAlive || len(me.Snake.Segments) == 0 {
		return out
	}
	if d.grid == nil || d.size != snap.Config.WorldSize {
		d.size = snap.Config.WorldSize
		d.grid = NewSpatialGrid(d.size)
	}
	d.index(snap, selfID)

	head := me.Snake.Head()
	r := HeadRadius(me.Snake.Scale)
	switch {
	case OutOfBounds(head, me.Snake.Scale, snap.Config.WorldSize):
		out.Collision = CollisionWorld
	case SelfCollision(me.Snake):
		out.Collision = CollisionSelf
	}

	seen := make(map[string]bool)
	d.buf = d.grid.QueryBuf(head, r+ObstacleRadius, d.buf[:0])
	for _, ref := range d.buf {
		switch ref.Kind {
		case KindCollectable:
			c := snap.Collectables[ref.Owner]
			if !seen[ref.Owner] && CheckCollision(head, r, c.Position, PickupRadius) {
				seen[ref.Owner] = true
				out.Pickups = append(out.Pickups, ref.Owner)
			}
		case KindObstacle:
			o := snap.Obstacles[ref.Owner]
			if out.Collision == "" && CheckCollision(head, r, o.Position, ObstacleRadius) {
				out.Collision = CollisionObstacle
			}
		case KindSegment:
			other := snap.Players[ref.Owner]
			if out.Collision != "" || ref.Idx >= len(other.Snake.Segments) {
				continue
			}
			or := HeadRadius(other.Snake.Scale)
			if CheckCollision(head, r, other.Snake.Segments[ref.Idx].Position, or) {
				out.Collision = CollisionPlayer
			}
		}
	}
	sort.Strings(out.Pickups)
	return out
}

func (d *Detector) index(snap SessionSnapshot, selfID string) {
	d.grid.Clear()
	for id, c := range snap.Collectables {
		d.grid.Insert(c.Position, EntityRef{Kind: KindCollectable, Owner: id})
	}
	for id, o := range snap.Obstacles {
		d.grid.Insert(o.Position, EntityRef{Kind: KindObstacle, Owner: id})
	}
	for id, p := range snap.Players {
		if id == selfID || p.Status != StatusAlive {
			continue
		}
		r := HeadRadius(p.Snake.Scale)
		for i, seg := range p.Snake.Segments {
			d.grid.InsertCircle(seg.Position, r, EntityRef{Kind: KindSegment, Owner: id, Idx: i})
		}
	}
}
