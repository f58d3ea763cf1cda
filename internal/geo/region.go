package geo

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/ChuLiYu/geebatch/pkg/types"
)

// Region is an immutable polygon boundary used as partitioning input.
// The zero value is an empty region and is rejected by Partition.
type Region struct {
	polys orb.MultiPolygon
	bound orb.Bound
	area  float64
}

// NewRegion builds a Region from a polygonal geometry. Accepted inputs are
// orb.Polygon, orb.MultiPolygon, orb.Ring and orb.Bound. Unclosed rings are
// closed. A region with no rings or zero area is ErrInvalidRegion.
func NewRegion(g orb.Geometry) (Region, error) {
	var polys orb.MultiPolygon
	switch v := g.(type) {
	case orb.Polygon:
		polys = orb.MultiPolygon{v}
	case orb.MultiPolygon:
		polys = v
	case orb.Ring:
		polys = orb.MultiPolygon{orb.Polygon{v}}
	case orb.Bound:
		polys = orb.MultiPolygon{v.ToPolygon()}
	case nil:
		return Region{}, fmt.Errorf("%w: nil geometry", types.ErrInvalidRegion)
	default:
		return Region{}, fmt.Errorf("%w: unsupported geometry %s", types.ErrInvalidRegion, g.GeoJSONType())
	}

	normalized := make(orb.MultiPolygon, 0, len(polys))
	for i, p := range polys {
		if len(p) == 0 {
			return Region{}, fmt.Errorf("%w: polygon %d has no rings", types.ErrInvalidRegion, i)
		}
		np := make(orb.Polygon, 0, len(p))
		for j, r := range p {
			cr, err := closeRing(r)
			if err != nil {
				return Region{}, fmt.Errorf("%w: polygon %d ring %d: %v", types.ErrInvalidRegion, i, j, err)
			}
			np = append(np, cr)
		}
		normalized = append(normalized, np)
	}
	if len(normalized) == 0 {
		return Region{}, fmt.Errorf("%w: empty geometry", types.ErrInvalidRegion)
	}

	var area float64
	for _, p := range normalized {
		area += math.Abs(planar.Area(p))
	}
	if area <= 0 || math.IsNaN(area) || math.IsInf(area, 0) {
		return Region{}, fmt.Errorf("%w: region has zero area", types.ErrInvalidRegion)
	}

	return Region{
		polys: normalized,
		bound: normalized.Bound(),
		area:  area,
	}, nil
}

// Rectangle builds an axis-aligned rectangular region.
func Rectangle(minX, minY, maxX, maxY float64) (Region, error) {
	if minX >= maxX || minY >= maxY {
		return Region{}, fmt.Errorf("%w: degenerate rectangle [%v,%v]-[%v,%v]",
			types.ErrInvalidRegion, minX, minY, maxX, maxY)
	}
	return NewRegion(orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}})
}

// ParseRegion reads a GeoJSON Geometry, Feature or FeatureCollection and
// collects every Polygon and MultiPolygon it contains.
func ParseRegion(data []byte) (Region, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Region{}, fmt.Errorf("%w: %v", types.ErrInvalidRegion, err)
	}

	var geoms []orb.Geometry
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return Region{}, fmt.Errorf("%w: %v", types.ErrInvalidRegion, err)
		}
		for _, f := range fc.Features {
			geoms = append(geoms, f.Geometry)
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return Region{}, fmt.Errorf("%w: %v", types.ErrInvalidRegion, err)
		}
		geoms = append(geoms, f.Geometry)
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return Region{}, fmt.Errorf("%w: %v", types.ErrInvalidRegion, err)
		}
		geoms = append(geoms, g.Geometry())
	}

	var polys orb.MultiPolygon
	for _, g := range geoms {
		switch v := g.(type) {
		case orb.Polygon:
			polys = append(polys, v)
		case orb.MultiPolygon:
			polys = append(polys, v...)
		}
	}
	if len(polys) == 0 {
		return Region{}, fmt.Errorf("%w: no polygons in %q", types.ErrInvalidRegion, head.Type)
	}
	return NewRegion(polys)
}

// LoadRegion reads a GeoJSON region from disk.
func LoadRegion(path string) (Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Region{}, fmt.Errorf("failed to read region file: %w", err)
	}
	return ParseRegion(data)
}

// Bound returns the axis-aligned bounding box.
func (r Region) Bound() orb.Bound { return r.bound }

// Area returns the planar area in coordinate units squared.
func (r Region) Area() float64 { return r.area }

// Polygons returns a copy of the region geometry.
func (r Region) Polygons() orb.MultiPolygon { return r.polys.Clone() }

// IsEmpty reports whether r is the zero Region.
func (r Region) IsEmpty() bool { return len(r.polys) == 0 }

func closeRing(r orb.Ring) (orb.Ring, error) {
	if len(r) == 0 {
		return nil, fmt.Errorf("empty ring")
	}
	out := make(orb.Ring, len(r), len(r)+1)
	copy(out, r)
	if out[0] != out[len(out)-1] {
		out = append(out, out[0])
	}
	if len(out) < 4 {
		return nil, fmt.Errorf("ring needs at least 3 distinct points, got %d", len(out)-1)
	}
	return out, nil
}
