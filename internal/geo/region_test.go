package geo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/geebatch/pkg/types"
)

func TestNewRegion(t *testing.T) {
	t.Run("closes open ring", func(t *testing.T) {
		r, err := NewRegion(orb.Ring{{0, 0}, {4, 0}, {4, 4}, {0, 4}})
		require.NoError(t, err)
		assert.InDelta(t, 16.0, r.Area(), 1e-9)

		polys := r.Polygons()
		require.Len(t, polys, 1)
		ring := polys[0][0]
		assert.Equal(t, ring[0], ring[len(ring)-1])
	})

	t.Run("multipolygon sums area", func(t *testing.T) {
		mp := orb.MultiPolygon{
			orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}.ToPolygon(),
			orb.Bound{Min: orb.Point{5, 5}, Max: orb.Point{7, 7}}.ToPolygon(),
		}
		r, err := NewRegion(mp)
		require.NoError(t, err)
		assert.InDelta(t, 5.0, r.Area(), 1e-9)
		assert.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{7, 7}}, r.Bound())
	})

	t.Run("invalid geometries", func(t *testing.T) {
		cases := map[string]orb.Geometry{
			"nil":           nil,
			"point":         orb.Point{1, 1},
			"empty polygon": orb.Polygon{},
			"two points":    orb.Ring{{0, 0}, {1, 1}},
			"collinear":     orb.Ring{{0, 0}, {1, 1}, {2, 2}},
		}
		for name, g := range cases {
			_, err := NewRegion(g)
			assert.ErrorIs(t, err, types.ErrInvalidRegion, name)
		}
	})
}

func TestRectangle(t *testing.T) {
	r, err := Rectangle(-1, -2, 3, 4)
	require.NoError(t, err)
	assert.InDelta(t, 24.0, r.Area(), 1e-9)
	assert.False(t, r.IsEmpty())

	_, err = Rectangle(1, 0, 1, 5)
	assert.ErrorIs(t, err, types.ErrInvalidRegion)

	assert.True(t, Region{}.IsEmpty())
}

func TestParseRegion(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantArea float64
		wantErr  bool
	}{
		{
			name:     "geometry",
			input:    `{"type":"Polygon","coordinates":[[[0,0],[2,0],[2,2],[0,2],[0,0]]]}`,
			wantArea: 4,
		},
		{
			name: "feature",
			input: `{"type":"Feature","properties":{"name":"aoi"},
				"geometry":{"type":"Polygon","coordinates":[[[0,0],[3,0],[3,1],[0,1],[0,0]]]}}`,
			wantArea: 3,
		},
		{
			name: "feature collection skips points",
			input: `{"type":"FeatureCollection","features":[
				{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[9,9]}},
				{"type":"Feature","properties":{},"geometry":{"type":"MultiPolygon","coordinates":[
					[[[0,0],[1,0],[1,1],[0,1],[0,0]]],
					[[[2,2],[4,2],[4,4],[2,4],[2,2]]]]}}]}`,
			wantArea: 5,
		},
		{name: "points only", input: `{"type":"Point","coordinates":[1,2]}`, wantErr: true},
		{name: "not json", input: `polygon`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRegion([]byte(tt.input))
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrInvalidRegion)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.wantArea, r.Area(), 1e-9)
		})
	}
}

func TestLoadRegion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aoi.geojson")
	body := `{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	r, err := LoadRegion(path)
	require.NoError(t, err)

	tiles, err := Partition(r, 5)
	require.NoError(t, err)
	assert.Len(t, tiles, 4)

	_, err = LoadRegion(filepath.Join(t.TempDir(), "missing.geojson"))
	assert.Error(t, err)
}
