package main

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"snake-arena/arena"
)

func newLobby(t *testing.T, cfg arena.SessionConfig, players ...string) *Session {
	t.Helper()
	clock := clockwork.NewFakeClock()
	sess := NewSession("LOBBY1", cfg, arena.DefaultCollectableTable(), rand.New(rand.NewPCG(5, 6)), clock)
	for _, id := range players {
		require.NoError(t, sess.addPlayer(NewPlayer(id, arena.PlayerInfo{Name: id}, clock.Now())))
	}
	return sess
}

func countHosts(snap arena.SessionSnapshot) int {
	n := 0
	for _, p := range snap.Players {
		if p.Role == arena.RoleHost {
			n++
		}
	}
	return n
}

func TestAddPlayerCapacity(t *testing.T) {
	sess := newLobby(t, testConfig(func(c *arena.SessionConfig) { c.MaxPlayers = 2 }), "p1")
	require.Equal(t, 1, sess.PlayerCount())

	require.NoError(t, sess.addPlayer(NewPlayer("p2", arena.PlayerInfo{}, sess.CreatedAt)))
	require.Equal(t, 2, sess.PlayerCount())

	err := sess.addPlayer(NewPlayer("p3", arena.PlayerInfo{}, sess.CreatedAt))
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, 2, sess.PlayerCount())

	snap := sess.Snapshot()
	require.Equal(t, arena.RoleHost, snap.Players["p1"].Role)
	require.Equal(t, arena.RoleGuest, snap.Players["p2"].Role)
	require.Equal(t, arena.StatusReady, snap.Players["p2"].Status)
}

func TestAddPlayerAssignsColour(t *testing.T) {
	sess := newLobby(t, testConfig(nil))
	require.NoError(t, sess.addPlayer(NewPlayer("a", arena.PlayerInfo{Color: "not-a-colour"}, sess.CreatedAt)))
	require.NoError(t, sess.addPlayer(NewPlayer("b", arena.PlayerInfo{Color: "#ABCDEF"}, sess.CreatedAt)))

	a, _ := sess.Player("a")
	b, _ := sess.Player("b")
	require.Equal(t, palette[0], a.Color)
	require.Equal(t, "#abcdef", b.Color)
}

func TestRemoveHostPromotesEarliestJoiner(t *testing.T) {
	sess := newLobby(t, testConfig(nil), "p1", "p2", "p3")

	hostID, remaining, ok := sess.removePlayer("p1")
	require.True(t, ok)
	require.Equal(t, 2, remaining)
	require.Equal(t, "p2", hostID)
	require.Equal(t, 1, countHosts(sess.Snapshot()))

	hostID, _, _ = sess.removePlayer("p3")
	require.Equal(t, "p2", hostID)

	_, remaining, ok = sess.removePlayer("p3")
	require.False(t, ok)
	require.Equal(t, 1, remaining)
}

func TestPrepareSpawnsSeparatedSnakes(t *testing.T) {
	cfg := testConfig(func(c *arena.SessionConfig) { c.StartLength = 12 })
	sess := newLobby(t, cfg, "p1", "p2", "p3", "p4")

	round, err := sess.Prepare("p1")
	require.NoError(t, err)
	require.NotZero(t, round)
	require.Equal(t, arena.StateReady, sess.State())

	snap := sess.Snapshot()
	var heads []arena.Vec
	for _, p := range snap.Players {
		require.Equal(t, arena.StatusAlive, p.Status)
		require.Len(t, p.Snake.Segments, 12)
		require.Equal(t, cfg.StartSpeed, p.Snake.Speed)
		require.Equal(t, cfg.StartScale, p.Snake.Scale)
		for _, seg := range p.Snake.Segments {
			require.False(t, arena.OutOfBounds(seg.Position, cfg.StartScale, cfg.WorldSize), "segment outside the world")
		}
		heads = append(heads, p.Snake.Head())
	}
	for i := range heads {
		for j := i + 1; j < len(heads); j++ {
			require.GreaterOrEqual(t, arena.Distance(heads[i], heads[j]), spawnSeparation)
		}
	}
}

func TestPrepareGuards(t *testing.T) {
	sess := newLobby(t, testConfig(nil), "p1", "p2")

	_, err := sess.Prepare("p2")
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, arena.StateWaiting, sess.State())

	_, err = sess.Prepare("p1")
	require.NoError(t, err)
	_, err = sess.Prepare("p1")
	require.ErrorIs(t, err, ErrConflict)
}

func TestStaleRoundCannotStart(t *testing.T) {
	sess := newLobby(t, testConfig(nil), "p1")
	round, err := sess.Prepare("p1")
	require.NoError(t, err)

	require.True(t, sess.RollbackReady(round))
	require.Equal(t, arena.StateWaiting, sess.State())
	require.False(t, sess.Start(round))

	next, err := sess.Prepare("p1")
	require.NoError(t, err)
	require.NotEqual(t, round, next)
	require.False(t, sess.InRound(round))
	require.True(t, sess.Start(next))
	require.Equal(t, arena.StateRunning, sess.State())
}

func TestCollect(t *testing.T) {
	sess := newRunningSession(t, clockwork.NewFakeClock(), testConfig(nil), "p1", "p2")
	putCollectable(sess, "c1", arena.CollectableSpeedUp, arena.Vec{X: 500, Y: 500})
	putCollectable(sess, "c2", arena.CollectableGrowth, arena.Vec{X: 600, Y: 600})
	points := arena.DefaultCollectableTable().Lookup(arena.CollectableSpeedUp).Points

	_, _, err := sess.Collect("p1", "missing")
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, 2, sess.CollectableCount())

	item, score, err := sess.Collect("p1", "c1")
	require.NoError(t, err)
	require.Equal(t, "c1", item.ID)
	require.Equal(t, points, score)
	require.Equal(t, 1, sess.CollectableCount())
	_, stillThere := sess.Snapshot().Collectables["c2"]
	require.True(t, stillThere)

	// the loser of a race gets a conflict and no points
	_, score, err = sess.Collect("p2", "c1")
	require.ErrorIs(t, err, ErrConflict)
	require.Zero(t, score)
}

func TestCollectRequiresAliveInRunningMatch(t *testing.T) {
	sess := newRunningSession(t, clockwork.NewFakeClock(), testConfig(nil), "p1")
	putCollectable(sess, "c1", arena.CollectableGrowth, arena.Vec{X: 500, Y: 500})

	require.NoError(t, sess.Pause("p1"))
	_, _, err := sess.Collect("p1", "c1")
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, sess.Resume("p1"))

	_, err = sess.ReportCollision("p1", arena.CollisionWorld)
	require.NoError(t, err)
	_, _, err = sess.Collect("p1", "c1")
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, 1, sess.CollectableCount())
}

func TestReportCollisionDisabledFlag(t *testing.T) {
	cfg := testConfig(func(c *arena.SessionConfig) {
		c.WorldCollision = false
		c.ObstaclesEnabled = false
	})
	sess := newRunningSession(t, clockwork.NewFakeClock(), cfg, "p1")

	for _, typ := range []arena.CollisionType{arena.CollisionWorld, arena.CollisionObstacle} {
		out, err := sess.ReportCollision("p1", typ)
		require.NoError(t, err)
		require.False(t, out.Accepted, typ)
		p, _ := sess.Player("p1")
		require.Equal(t, arena.StatusAlive, p.Status)
	}

	_, err := sess.ReportCollision("p1", "SIDEWAYS")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReportCollisionSchedulesRespawn(t *testing.T) {
	cfg := testConfig(func(c *arena.SessionConfig) { c.RespawnDelay = 2.5 })
	sess := newRunningSession(t, clockwork.NewFakeClock(), cfg, "p1")

	out, err := sess.ReportCollision("p1", arena.CollisionSelf)
	require.NoError(t, err)
	require.True(t, out.Accepted)
	require.True(t, out.Respawn)
	require.Equal(t, 2500*time.Millisecond, out.RespawnAfter)
	require.False(t, out.GameOver)
	require.Nil(t, out.Obstacle)

	p, _ := sess.Player("p1")
	require.Equal(t, arena.StatusDead, p.Status)
	require.Equal(t, arena.StateRunning, sess.State())

	// dead players can't die again
	_, err = sess.ReportCollision("p1", arena.CollisionSelf)
	require.ErrorIs(t, err, ErrConflict)
}

func TestReportCollisionWithoutRespawnEndsMatch(t *testing.T) {
	cfg := testConfig(func(c *arena.SessionConfig) { c.RespawnEnabled = false })
	sess := newRunningSession(t, clockwork.NewFakeClock(), cfg, "p1", "p2")

	out, err := sess.ReportCollision("p1", arena.CollisionPlayer)
	require.NoError(t, err)
	require.True(t, out.Accepted)
	require.False(t, out.GameOver)
	require.Equal(t, arena.StateRunning, sess.State())

	out, err = sess.ReportCollision("p2", arena.CollisionPlayer)
	require.NoError(t, err)
	require.True(t, out.GameOver)
	require.Equal(t, arena.StateGameOver, sess.State())
}

func TestReportCollisionLeavesWreck(t *testing.T) {
	cfg := testConfig(func(c *arena.SessionConfig) { c.ObstaclesEnabled = true })
	sess := newRunningSession(t, clockwork.NewFakeClock(), cfg, "p1")
	before, _ := sess.Player("p1")

	out, err := sess.ReportCollision("p1", arena.CollisionObstacle)
	require.NoError(t, err)
	require.True(t, out.Accepted)
	require.NotNil(t, out.Obstacle)
	require.Equal(t, arena.ObstacleWreck, out.Obstacle.Type)
	require.Equal(t, before.Snake.Head(), out.Obstacle.Position)
	require.Len(t, sess.Snapshot().Obstacles, 1)
}

func TestRespawnGivesFreshSnake(t *testing.T) {
	cfg := testConfig(func(c *arena.SessionConfig) { c.StartLength = 8 })
	sess := newRunningSession(t, clockwork.NewFakeClock(), cfg, "p1", "p2")
	require.NoError(t, sess.ApplyMovement("p1", arena.SnakeState{
		Speed: 5, Scale: 2, Direction: arena.Vec{X: 0, Y: 1},
		Segments: arena.NewSnakeBody(arena.Vec{X: 900, Y: 900}, arena.Vec{X: 0, Y: 1}, 30, 8),
	}))

	_, ok := sess.Respawn("p1")
	require.False(t, ok, "alive players don't respawn")

	_, err := sess.ReportCollision("p1", arena.CollisionWorld)
	require.NoError(t, err)
	snap, ok := sess.Respawn("p1")
	require.True(t, ok)
	require.Equal(t, arena.StatusAlive, snap.Status)
	require.Len(t, snap.Snake.Segments, 8)
	require.Equal(t, cfg.StartSpeed, snap.Snake.Speed)
	require.Equal(t, cfg.StartScale, snap.Snake.Scale)

	other, _ := sess.Player("p2")
	for _, seg := range other.Snake.Segments {
		require.GreaterOrEqual(t, arena.Distance(seg.Position, snap.Snake.Head()), respawnSeparation)
	}
}

func TestRespawnOnlyWhileRunning(t *testing.T) {
	sess := newRunningSession(t, clockwork.NewFakeClock(), testConfig(nil), "p1")
	_, err := sess.ReportCollision("p1", arena.CollisionWorld)
	require.NoError(t, err)
	require.NoError(t, sess.Pause("p1"))

	_, ok := sess.Respawn("p1")
	require.False(t, ok)
	p, _ := sess.Player("p1")
	require.Equal(t, arena.StatusDead, p.Status)
}

func TestTickCountsOnlyWhileRunning(t *testing.T) {
	cfg := testConfig(func(c *arena.SessionConfig) { c.GameDuration = 10 })
	sess := newRunningSession(t, clockwork.NewFakeClock(), cfg, "p1")

	remaining, ended, counted := sess.Tick()
	require.Equal(t, 9, remaining)
	require.False(t, ended)
	require.True(t, counted)

	require.NoError(t, sess.Pause("p1"))
	remaining, _, counted = sess.Tick()
	require.False(t, counted)
	require.Equal(t, 9, remaining)
	require.NoError(t, sess.Resume("p1"))

	ends := 0
	for range 20 {
		if _, ended, _ := sess.Tick(); ended {
			ends++
		}
	}
	require.Equal(t, 1, ends)
	require.Equal(t, arena.StateGameOver, sess.State())
	require.Zero(t, sess.Remaining())
}

func TestPauseResumeGuards(t *testing.T) {
	sess := newLobby(t, testConfig(nil), "p1", "p2")
	require.ErrorIs(t, sess.Pause("p2"), ErrConflict)

	round, err := sess.Prepare("p1")
	require.NoError(t, err)
	require.True(t, sess.Start(round))

	require.ErrorIs(t, sess.Resume("p2"), ErrConflict)
	require.NoError(t, sess.Pause("p2"), "guests may pause")
	require.Equal(t, arena.StatePaused, sess.State())
	require.ErrorIs(t, sess.Pause("p1"), ErrConflict)
	require.ErrorIs(t, sess.Pause("stranger"), ErrNotFound)
	require.NoError(t, sess.Resume("p1"))
	require.Equal(t, arena.StateRunning, sess.State())
}

func TestResetReturnsToLobbyKeepingScores(t *testing.T) {
	cfg := testConfig(func(c *arena.SessionConfig) {
		c.ObstaclesEnabled = true
		c.GameDuration = 60
	})
	sess := newRunningSession(t, clockwork.NewFakeClock(), cfg, "p1", "p2")
	putCollectable(sess, "c1", arena.CollectableGrowth, arena.Vec{X: 300, Y: 300})
	putCollectable(sess, "c2", arena.CollectableGrowth, arena.Vec{X: 400, Y: 300})
	_, score, err := sess.Collect("p2", "c1")
	require.NoError(t, err)
	_, err = sess.ReportCollision("p1", arena.CollisionObstacle)
	require.NoError(t, err)
	sess.Tick()

	require.ErrorIs(t, sess.Reset("p2"), ErrUnauthorized)
	require.NoError(t, sess.Reset("p1"))

	snap := sess.Snapshot()
	require.Equal(t, arena.StateWaiting, snap.State)
	require.Empty(t, snap.Collectables)
	require.Empty(t, snap.Obstacles)
	require.Equal(t, 60, snap.RemainingTime)
	for _, p := range snap.Players {
		require.Equal(t, arena.StatusReady, p.Status)
	}
	require.Equal(t, score, snap.Players["p2"].Score)
}

func TestUpdateConfigOnlyInLobby(t *testing.T) {
	sess := newLobby(t, testConfig(nil), "p1", "p2", "p3")
	def := arena.DefaultSessionConfig()

	_, err := sess.UpdateConfig("p2", arena.SessionConfig{GameDuration: 30}, def)
	require.ErrorIs(t, err, ErrUnauthorized)

	cfg, err := sess.UpdateConfig("p1", arena.SessionConfig{GameDuration: 30, MaxPlayers: 2, WorldSize: 1}, def)
	require.NoError(t, err)
	require.Equal(t, 30, cfg.GameDuration)
	require.Equal(t, 3, cfg.MaxPlayers, "never below the current player count")
	require.Equal(t, arena.MinWorldSize, cfg.WorldSize)
	require.Equal(t, 30, sess.Remaining())

	_, err = sess.Prepare("p1")
	require.NoError(t, err)
	_, err = sess.UpdateConfig("p1", arena.SessionConfig{GameDuration: 40}, def)
	require.ErrorIs(t, err, ErrConflict)
}

func TestApplyMovement(t *testing.T) {
	sess := newRunningSession(t, clockwork.NewFakeClock(), testConfig(nil), "p1")

	err := sess.ApplyMovement("p1", arena.SnakeState{Speed: 2})
	require.ErrorIs(t, err, ErrInvalidRequest)

	body := arena.NewSnakeBody(arena.Vec{X: 1000, Y: 1000}, arena.Vec{X: 1, Y: 0}, arena.MaxSegments+20, 1)
	require.NoError(t, sess.ApplyMovement("p1", arena.SnakeState{
		Speed: 99, Scale: 0.01, Direction: arena.Vec{X: 0, Y: 5}, Segments: body,
	}))
	p, _ := sess.Player("p1")
	require.Equal(t, arena.MaxStartSpeed, p.Snake.Speed)
	require.Equal(t, arena.MinStartScale, p.Snake.Scale)
	require.Equal(t, arena.Vec{X: 0, Y: 1}, p.Snake.Direction)
	require.Len(t, p.Snake.Segments, arena.MaxSegments)

	require.NoError(t, sess.Pause("p1"))
	err = sess.ApplyMovement("p1", arena.SnakeState{Segments: body[:3]})
	require.True(t, errors.Is(err, ErrConflict))
}

func TestSpawnRespectsCapAndSpacing(t *testing.T) {
	sess := newRunningSession(t, clockwork.NewFakeClock(), testConfig(nil), "p1")
	sc := SpawnerConfig{Border: 50, MinDistance: 25, MaxCollectables: 5}

	for range 5 {
		c, o, err := sess.Spawn(sc)
		require.NoError(t, err)
		require.NotNil(t, c)
		require.Nil(t, o)
	}
	c, o, err := sess.Spawn(sc)
	require.NoError(t, err)
	require.Nil(t, c)
	require.Nil(t, o)

	snap := sess.Snapshot()
	require.Len(t, snap.Collectables, 5)
	var points []arena.Vec
	for _, seg := range snap.Players["p1"].Snake.Segments {
		points = append(points, seg.Position)
	}
	for _, c := range snap.Collectables {
		require.GreaterOrEqual(t, c.Position.X, sc.Border)
		require.LessOrEqual(t, c.Position.X, snap.Config.WorldSize-sc.Border)
		for _, p := range points {
			require.GreaterOrEqual(t, arena.Distance(c.Position, p), sc.MinDistance)
		}
		points = append(points, c.Position)
	}
}

func TestSpawnHazardOnlyWithObstacles(t *testing.T) {
	sc := SpawnerConfig{Border: 50, MinDistance: 25, MaxCollectables: 5, HazardChance: 1}

	plain := newRunningSession(t, clockwork.NewFakeClock(), testConfig(nil), "p1")
	c, o, err := plain.Spawn(sc)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Nil(t, o)

	hazards := newRunningSession(t, clockwork.NewFakeClock(), testConfig(func(c *arena.SessionConfig) { c.ObstaclesEnabled = true }), "p1")
	c, o, err = hazards.Spawn(sc)
	require.NoError(t, err)
	require.Nil(t, c)
	require.NotNil(t, o)
	require.Equal(t, arena.ObstacleRock, o.Type)
}

func TestSpawnOutsideRunningIsConflict(t *testing.T) {
	sess := newLobby(t, testConfig(nil), "p1")
	_, _, err := sess.Spawn(SpawnerConfig{MaxCollectables: 5})
	require.ErrorIs(t, err, ErrConflict)
}

func TestSummaryRanksByScore(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sess := newRunningSession(t, clock, testConfig(nil), "p1", "p2")
	putCollectable(sess, "c1", arena.CollectableDouble, arena.Vec{X: 300, Y: 300})
	_, _, err := sess.Collect("p2", "c1")
	require.NoError(t, err)
	clock.Advance(42 * time.Second)

	sum := sess.Summary()
	require.Equal(t, sess.ID, sum.SessionID)
	require.InDelta(t, 42, sum.Duration, 0.001)
	require.Equal(t, "p2", sum.Players[0].Name)
	require.Equal(t, "p1", sum.Players[1].Name)
}
