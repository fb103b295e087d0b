package main

import (
	"math"
	"math/rand/v2"

	"snake-arena/arena"
)

const (
	// wallMargin, in segment spacings, is how close the head may get to a wall
	// before the bot steers back to the centre.
	wallMargin = 4
	maxTurn    = 0.35 // radians per step
	jitter     = 0.08
)

// world is the bot's local view of its session. The server owns everything
// except the bot's own body, which is simulated here and reported upward.
type world struct {
	tag    string // unique name used to find ourselves in snapshots
	selfID string
	snap   arena.SessionSnapshot
	body   arena.SnakeState
	alive  bool

	detector *arena.Detector
	rng      *rand.Rand
}

func newWorld(tag string, rng *rand.Rand) *world {
	return &world{
		tag:      tag,
		rng:      rng,
		detector: arena.NewDetector(arena.DefaultSessionConfig().WorldSize),
	}
}

// load replaces the whole view, e.g. from a create/join reply or get-ready.
func (w *world) load(snap arena.SessionSnapshot) {
	w.snap = withMaps(snap)
	if w.selfID == "" {
		for id, p := range w.snap.Players {
			if p.Name == w.tag {
				w.selfID = id
				break
			}
		}
	}
	if me, ok := w.snap.Players[w.selfID]; ok {
		w.adopt(me)
	} else {
		w.alive = false
	}
}

// sync merges a periodic snapshot. The local body wins while the snake is alive.
func (w *world) sync(snap arena.SessionSnapshot) {
	wasAlive := w.alive
	w.snap = withMaps(snap)
	me, ok := w.snap.Players[w.selfID]
	switch {
	case !ok || me.Status != arena.StatusAlive:
		w.alive = false
	case !wasAlive:
		w.adopt(me)
	default:
		me.Snake = w.body
		w.snap.Players[w.selfID] = me
	}
}

func (w *world) adopt(p arena.PlayerSnapshot) {
	w.body = p.Snake
	w.body.Segments = append([]arena.Segment(nil), p.Snake.Segments...)
	w.alive = p.Status == arena.StatusAlive && len(w.body.Segments) > 0
}

func withMaps(s arena.SessionSnapshot) arena.SessionSnapshot {
	if s.Players == nil {
		s.Players = make(map[string]arena.PlayerSnapshot)
	}
	if s.Collectables == nil {
		s.Collectables = make(map[string]arena.CollectableSnapshot)
	}
	if s.Obstacles == nil {
		s.Obstacles = make(map[string]arena.ObstacleSnapshot)
	}
	return s
}

func (w *world) running() bool {
	return w.snap.State == arena.StateRunning && w.alive && len(w.body.Segments) > 0
}

func (w *world) setState(s arena.GameState) {
	w.snap.State = s
	if s == arena.StateWaiting {
		w.alive = false
	}
}

func (w *world) addCollectable(c arena.CollectableSnapshot) { w.snap.Collectables[c.ID] = c }
func (w *world) addObstacle(o arena.ObstacleSnapshot)       { w.snap.Obstacles[o.ID] = o }

func (w *world) removeCollectable(m arena.ItemRemovedMsg) {
	delete(w.snap.Collectables, m.ID)
	if p, ok := w.snap.Players[m.PlayerID]; ok {
		p.Score = m.Score
		w.snap.Players[m.PlayerID] = p
	}
}

func (w *world) died(m arena.PlayerDiedMsg) {
	if p, ok := w.snap.Players[m.ID]; ok {
		p.Status = arena.StatusDead
		w.snap.Players[m.ID] = p
	}
	if m.ID == w.selfID {
		w.alive = false
	}
}

func (w *world) respawned(p arena.PlayerSnapshot) {
	w.snap.Players[p.ID] = p
	if p.ID == w.selfID {
		w.adopt(p)
	}
}

func (w *world) joined(p arena.PlayerSnapshot) { w.snap.Players[p.ID] = p }

func (w *world) left(m arena.PlayerLeftMsg) {
	delete(w.snap.Players, m.ID)
	if host, ok := w.snap.Players[m.HostID]; ok {
		host.Role = arena.RoleHost
		w.snap.Players[m.HostID] = host
	}
}

func (w *world) isHost() bool {
	return w.snap.Players[w.selfID].Role == arena.RoleHost
}

// step advances the local snake and returns the state to report.
func (w *world) step() (arena.SnakeState, bool) {
	if !w.running() {
		return arena.SnakeState{}, false
	}
	moves := max(1, int(math.Round(w.body.Speed)))
	for range moves {
		w.advance(w.steer())
	}
	w.publishBody()
	out := w.body
	out.Segments = append([]arena.Segment(nil), w.body.Segments...)
	return out, true
}

// steer picks the next heading: away from walls first, otherwise towards the
// nearest collectable, turning at most maxTurn per step.
func (w *world) steer() arena.Vec {
	head := w.body.Head()
	cur := w.body.Direction
	if cur.Len() == 0 {
		cur = arena.DirectionTowards(head, w.snap.Config.WorldSize)
	}
	size := w.snap.Config.WorldSize
	margin := wallMargin*arena.SegmentSpacing(w.body.Scale) + arena.HeadRadius(w.body.Scale)

	var desired arena.Vec
	if head.X < margin || head.Y < margin || head.X > size-margin || head.Y > size-margin {
		desired = arena.DirectionTowards(head, size)
	} else if target, ok := w.nearestCollectable(head); ok {
		desired = target.Sub(head).Normalize()
	} else {
		desired = cur
	}

	delta := math.Remainder(desired.Angle()-cur.Angle(), 2*math.Pi)
	delta = arena.Clamp(delta, -maxTurn, maxTurn) + (w.rng.Float64()*2-1)*jitter
	a := cur.Angle() + delta
	return arena.Vec{X: math.Cos(a), Y: math.Sin(a)}
}

func (w *world) nearestCollectable(from arena.Vec) (arena.Vec, bool) {
	best, found := 0.0, false
	var pos arena.Vec
	for _, c := range w.snap.Collectables {
		d := from.Dist2(c.Position)
		if !found || d < best {
			best, pos, found = d, c.Position, true
		}
	}
	return pos, found
}

// advance moves the head one spacing along dir and drags the body behind it.
func (w *world) advance(dir arena.Vec) {
	segs := w.body.Segments
	spacing := arena.SegmentSpacing(w.body.Scale)
	for i := len(segs) - 1; i > 0; i-- {
		segs[i] = segs[i-1]
		segs[i].Locked = false
	}
	segs[0] = arena.Segment{
		Position: segs[0].Position.Add(dir.Scale(spacing)),
		Rotation: dir.Angle(),
	}
	w.body.Direction = dir
}

func (w *world) publishBody() {
	if me, ok := w.snap.Players[w.selfID]; ok {
		me.Snake = w.body
		w.snap.Players[w.selfID] = me
	}
}

// detect runs the local collision pass against the current view.
func (w *world) detect() arena.Detection {
	if !w.running() {
		return arena.Detection{}
	}
	w.publishBody()
	return w.detector.Detect(w.snap, w.selfID)
}

// collected applies the effect of a pickup the server confirmed. c is captured
// before the report since the removal broadcast may arrive ahead of the ack.
func (w *world) collected(c arena.CollectableSnapshot) {
	delete(w.snap.Collectables, c.ID)
	if w.alive {
		w.body = c.Effect.Apply(w.body)
		w.publishBody()
	}
}
