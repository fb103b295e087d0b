package arena

import "math"

// SpatialCellSize is ~2x the largest head radius at max scale.
const SpatialCellSize = 80.0

// Entity kinds stored in the grid.
const (
	KindSegment     byte = 's'
	KindCollectable byte = 'c'
	KindObstacle    byte = 'o'
)

// EntityRef identifies an entity in the grid
type EntityRef struct {
	Kind  byte   // KindSegment, KindCollectable or KindObstacle
	Owner string // player id for segments, entity id otherwise
	Idx   int    // segment index, 0 for other kinds
}

// SpatialGrid is a uniform grid sized to the world for broad-phase collision queries
type SpatialGrid struct {
	cols, rows int
	cells      [][]EntityRef
}

// NewSpatialGrid allocates a grid covering a square world of the given size.
func NewSpatialGrid(worldSize float64) *SpatialGrid {
	n := int(math.Ceil(worldSize/SpatialCellSize)) + 1
	if n < 1 {
		n = 1
	}
	return &SpatialGrid{cols: n, rows: n, cells: make([][]EntityRef, n*n)}
}

// Clear resets all cells (keeps allocated capacity)
func (g *SpatialGrid) Clear() {
	for i := range g.cells {
		g.cells[i] = g.cells[i][:0]
	}
}

// cellRange returns the clamped cell bounds of a bounding box.
func (g *SpatialGrid) cellRange(x, y, radius float64) (minCX, maxCX, minCY, maxCY int) {
	minCX = ClampInt(int(math.Floor((x-radius)/SpatialCellSize)), 0, g.cols-1)
	maxCX = ClampInt(int(math.Floor((x+radius)/SpatialCellSize)), 0, g.cols-1)
	minCY = ClampInt(int(math.Floor((y-radius)/SpatialCellSize)), 0, g.rows-1)
	maxCY = ClampInt(int(math.Floor((y+radius)/SpatialCellSize)), 0, g.rows-1)
	return
}

// Insert adds an entity reference at the given position
func (g *SpatialGrid) Insert(p Vec, ref EntityRef) {
	g.InsertCircle(p, 0, ref)
}

// InsertCircle adds an entity reference to all cells overlapping its bounding box
func (g *SpatialGrid) InsertCircle(p Vec, radius float64, ref EntityRef) {
	minCX, maxCX, minCY, maxCY := g.cellRange(p.X, p.Y, radius)
	for cy := minCY; cy <= maxCY; cy++ {
		for cx := minCX; cx <= maxCX; cx++ {
			idx := cy*g.cols + cx
			g.cells[idx] = append(g.cells[idx], ref)
		}
	}
}

// Query returns all entity refs in cells that overlap the given bounding box
func (g *SpatialGrid) Query(p Vec, radius float64) []EntityRef {
	return g.QueryBuf(p, radius, nil)
}

// QueryBuf appends results to buf and returns the extended slice, avoiding per-call allocation.
// An entity inserted as a circle may appear more than once.
func (g *SpatialGrid) QueryBuf(p Vec, radius float64, buf []EntityRef) []EntityRef {
	minCX, maxCX, minCY, maxCY := g.cellRange(p.X, p.Y, radius)
	for cy := minCY; cy <= maxCY; cy++ {
		for cx := minCX; cx <= maxCX; cx++ {
			buf = append(buf, g.cells[cy*g.cols+cx]...)
		}
	}
	return buf
}
