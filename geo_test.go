package enjambre

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversine(t *testing.T) {
	t.Run("central london", func(t *testing.T) {
		d := Haversine(LatLng{Lat: 51.505, Lng: -0.09}, LatLng{Lat: 51.515, Lng: -0.08})
		assert.InDelta(t, 1.31, d, 0.02)
	})

	t.Run("same point", func(t *testing.T) {
		p := LatLng{Lat: 40.4, Lng: -3.7}
		assert.Zero(t, Haversine(p, p))
	})

	t.Run("symmetric", func(t *testing.T) {
		a, b := LatLng{Lat: 40.4168, Lng: -3.7038}, LatLng{Lat: 41.3874, Lng: 2.1686}
		assert.InDelta(t, Haversine(a, b), Haversine(b, a), 1e-9)
		assert.InDelta(t, 505, Haversine(a, b), 5)
	})

	t.Run("one degree of latitude", func(t *testing.T) {
		d := Haversine(LatLng{Lat: 0, Lng: 0}, LatLng{Lat: 1, Lng: 0})
		assert.InDelta(t, 111.19, d, 0.05)
	})
}

func TestBoundsForRadius(t *testing.T) {
	t.Run("equator", func(t *testing.T) {
		b := BoundsForRadius(LatLng{}, 111)
		assert.InDelta(t, -1, b.MinLat, 1e-9)
		assert.InDelta(t, 1, b.MaxLat, 1e-9)
		assert.InDelta(t, -1, b.MinLng, 1e-9)
		assert.InDelta(t, 1, b.MaxLng, 1e-9)
	})

	t.Run("longitude widens with latitude", func(t *testing.T) {
		b := BoundsForRadius(LatLng{Lat: 60, Lng: 10}, 11.1)
		assert.InDelta(t, 0.1, b.MaxLat-60, 1e-9)
		assert.InDelta(t, 0.2, b.MaxLng-10, 1e-6)
	})

	t.Run("clamped to mercator range", func(t *testing.T) {
		b := BoundsForRadius(LatLng{Lat: 85, Lng: 179.9}, 500)
		assert.LessOrEqual(t, b.MaxLat, maxMercatorLat)
		assert.LessOrEqual(t, b.MaxLng, 180.0)
	})

	t.Run("contains center", func(t *testing.T) {
		c := LatLng{Lat: 51.505, Lng: -0.09}
		assert.True(t, BoundsForRadius(c, 2).Contains(c))
		assert.False(t, BoundsForRadius(c, 2).Contains(LatLng{Lat: 52, Lng: -0.09}))
	})
}

func TestTileForPoint(t *testing.T) {
	x, y := TileForPoint(LatLng{Lat: 51.505, Lng: -0.09}, 0)
	assert.Equal(t, 0, x)
	assert.Equal(t, 0, y)

	x, y = TileForPoint(LatLng{Lat: -10, Lng: 10}, 1)
	assert.Equal(t, 1, x)
	assert.Equal(t, 1, y)

	x, y = TileForPoint(LatLng{Lat: 51.505, Lng: -0.09}, 13)
	assert.Equal(t, 4093, x)
	assert.Equal(t, 2724, y)

	x, y = TileForPoint(LatLng{Lat: 89.9, Lng: 180}, 2)
	assert.Equal(t, 3, x)
	assert.Equal(t, 0, y)
}

func TestTileBounds(t *testing.T) {
	b := TileBounds(TileKey{Z: 1, X: 1, Y: 0})
	assert.InDelta(t, 0, b.MinLat, 1e-9)
	assert.InDelta(t, maxMercatorLat, b.MaxLat, 1e-6)
	assert.InDelta(t, 0, b.MinLng, 1e-9)
	assert.InDelta(t, 180, b.MaxLng, 1e-9)
}

func TestEnumerateTiles(t *testing.T) {
	b := BoundsForRadius(LatLng{Lat: 51.505, Lng: -0.09}, 1)
	keys := EnumerateTiles(b, 0, 14)
	require.NotEmpty(t, keys)

	seen := make(map[TileKey]bool)
	perZoom := make(map[int]int)
	for _, k := range keys {
		assert.False(t, seen[k], "duplicate tile %s", k)
		seen[k] = true
		perZoom[k.Z]++
		assert.True(t, TileBounds(k).Intersects(b), "tile %s outside bounds", k)
	}
	assert.Equal(t, 1, perZoom[0])
	for z := 0; z <= 14; z++ {
		assert.GreaterOrEqual(t, perZoom[z], 1, "zoom %d", z)
	}
	assert.GreaterOrEqual(t, perZoom[14], perZoom[10])
}
