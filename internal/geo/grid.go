// ============================================================================
// geebatch Grid Partitioner
// ============================================================================
//
// Package: internal/geo
// File: grid.go
// Purpose: Tile a region into fixed-size cells, keeping only the cells whose
//          area overlaps the region.
//
// Stepping:
//   x ─ minX, minX+s, minX+2s, ... (last cell truncated at maxX)
//   y ─ minY, minY+s, minY+2s, ... (last cell truncated at maxY)
//   Cells are produced x-major: all rows of column 0, then column 1, ...
//   Step starts are computed as min + i*s, never by accumulation, so float
//   drift cannot add or drop a column.
//
// Edge policy:
//   A cell that only touches the region (shared edge or vertex) has a
//   zero-area intersection and is dropped.
//
// ============================================================================

package geo

import (
	"fmt"
	"math"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"

	"github.com/ChuLiYu/geebatch/pkg/types"
)

const (
	// stepTolerance absorbs float noise when counting steps, e.g. 0.7/0.1.
	stepTolerance = 1e-9

	// defaultAreaEpsilon is the fraction of a cell's area below which an
	// intersection counts as boundary contact.
	defaultAreaEpsilon = 1e-9

	minIDDecimals = 2
	maxIDDecimals = 10
)

// Intersector decides whether a grid cell overlaps a region with non-zero area.
type Intersector interface {
	Intersects(cell orb.Bound, region Region) bool
}

// PlanarIntersector clips the region to the cell and measures the remaining
// planar area.
type PlanarIntersector struct {
	// Epsilon is relative to the cell area. Zero means defaultAreaEpsilon.
	Epsilon float64
}

// Intersects implements Intersector.
func (pi PlanarIntersector) Intersects(cell orb.Bound, region Region) bool {
	if !cell.Intersects(region.bound) {
		return false
	}

	eps := pi.Epsilon
	if eps <= 0 {
		eps = defaultAreaEpsilon
	}
	tolerance := eps * (cell.Max[0] - cell.Min[0]) * (cell.Max[1] - cell.Min[1])

	var area float64
	for _, p := range region.polys {
		if !cell.Intersects(p.Bound()) {
			continue
		}
		// clip uses its input as scratch space
		clipped := clip.Polygon(cell, p.Clone())
		if len(clipped) == 0 {
			continue
		}
		area += math.Abs(planar.Area(clipped))
		if area > tolerance {
			return true
		}
	}
	return false
}

type options struct {
	intersector Intersector
}

// Option configures Partition.
type Option func(*options)

// WithIntersector replaces the default PlanarIntersector.
func WithIntersector(i Intersector) Option {
	return func(o *options) {
		if i != nil {
			o.intersector = i
		}
	}
}

// Partition tiles region into cells of cellSize coordinate units and returns
// the cells that intersect it. The result is deterministic for identical
// inputs.
func Partition(region Region, cellSize float64, opts ...Option) ([]types.Tile, error) {
	if cellSize <= 0 || math.IsNaN(cellSize) || math.IsInf(cellSize, 0) {
		return nil, fmt.Errorf("%w: cell size must be a positive number, got %v", types.ErrInvalidParameter, cellSize)
	}
	if region.IsEmpty() || region.area <= 0 {
		return nil, fmt.Errorf("%w: empty region", types.ErrInvalidRegion)
	}

	o := options{intersector: PlanarIntersector{}}
	for _, opt := range opts {
		opt(&o)
	}

	b := region.bound
	xs := stepStarts(b.Min[0], b.Max[0], cellSize)
	ys := stepStarts(b.Min[1], b.Max[1], cellSize)
	decimals := idDecimals(cellSize, b.Min[0], b.Min[1])

	tiles := make([]types.Tile, 0, len(xs)*len(ys))
	for _, x := range xs {
		maxX := math.Min(x+cellSize, b.Max[0])
		for _, y := range ys {
			maxY := math.Min(y+cellSize, b.Max[1])
			cell := orb.Bound{Min: orb.Point{x, y}, Max: orb.Point{maxX, maxY}}
			if !o.intersector.Intersects(cell, region) {
				continue
			}
			tiles = append(tiles, types.Tile{
				ID:   TileID(x, y, decimals),
				MinX: x,
				MinY: y,
				MaxX: maxX,
				MaxY: maxY,
			})
		}
	}
	return tiles, nil
}

// TileID formats the lower-left corner of a cell as "x_y".
func TileID(minX, minY float64, decimals int) string {
	return formatCoord(minX, decimals) + "_" + formatCoord(minY, decimals)
}

// TileBound returns the rectangle of a tile.
func TileBound(t types.Tile) orb.Bound {
	return orb.Bound{Min: orb.Point{t.MinX, t.MinY}, Max: orb.Point{t.MaxX, t.MaxY}}
}

func stepStarts(lo, hi, size float64) []float64 {
	n := int(math.Ceil((hi-lo)/size - stepTolerance))
	if n < 1 {
		n = 1
	}
	starts := make([]float64, n)
	for i := range starts {
		starts[i] = lo + float64(i)*size
	}
	return starts
}

// idDecimals returns enough decimals to print the cell size and the grid
// origin exactly, so every cell corner formats to a distinct id.
func idDecimals(cellSize, originX, originY float64) int {
	d := minIDDecimals
	for _, v := range []float64{cellSize, originX, originY} {
		d = max(d, decimalPlaces(v))
	}
	return d
}

// decimalPlaces is the fewest decimals that represent v, capped at
// maxIDDecimals.
func decimalPlaces(v float64) int {
	scale := 1.0
	for d := 0; d < maxIDDecimals; d++ {
		x := v * scale
		if math.Abs(x-math.Round(x)) <= 1e-9*math.Max(1, math.Abs(x)) {
			return d
		}
		scale *= 10
	}
	return maxIDDecimals
}

func formatCoord(v float64, decimals int) string {
	s := strconv.FormatFloat(v, 'f', decimals, 64)
	// avoid "-0.00" for values that round to zero
	if z := strconv.FormatFloat(0, 'f', decimals, 64); s == "-"+z {
		return z
	}
	return s
}
