package enjambre

import "math"

const (
	// EarthRadiusKm is the mean Earth radius used by Haversine.
	EarthRadiusKm = 6371.0
	kmPerDegree   = 111.0
	// maxMercatorLat is the latitude limit of Web-Mercator tiles.
	maxMercatorLat = 85.05112878
	// MaxZoom is the deepest zoom level tiles are enumerated for.
	MaxZoom = 22
)

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }

// Haversine returns the great-circle distance between a and b in kilometres.
func Haversine(a, b LatLng) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// BoundingBox is an axis-aligned lat/lng rectangle.
type BoundingBox struct {
	MinLat, MinLng, MaxLat, MaxLng float64
}

// Contains reports whether p lies inside the box, edges included.
func (b BoundingBox) Contains(p LatLng) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// Intersects reports whether the two boxes overlap.
func (b BoundingBox) Intersects(o BoundingBox) bool {
	return b.MinLat <= o.MaxLat && o.MinLat <= b.MaxLat && b.MinLng <= o.MaxLng && o.MinLng <= b.MaxLng
}

// BoundsForRadius approximates the box around center covering radiusKm:
// radiusKm/111 degrees of latitude and radiusKm/(111·cos(lat)) of longitude.
func BoundsForRadius(center LatLng, radiusKm float64) BoundingBox {
	dLat := radiusKm / kmPerDegree
	cos := math.Cos(toRad(center.Lat))
	dLng := 180.0
	if cos > 1e-9 {
		dLng = math.Min(radiusKm/(kmPerDegree*cos), 180)
	}
	return BoundingBox{
		MinLat: clamp(center.Lat-dLat, -maxMercatorLat, maxMercatorLat),
		MaxLat: clamp(center.Lat+dLat, -maxMercatorLat, maxMercatorLat),
		MinLng: clamp(center.Lng-dLng, -180, 180),
		MaxLng: clamp(center.Lng+dLng, -180, 180),
	}
}

// TileForPoint returns the x/y of the slippy-map tile containing p at zoom z.
func TileForPoint(p LatLng, z int) (x, y int) {
	n := math.Exp2(float64(z))
	lat := toRad(clamp(p.Lat, -maxMercatorLat, maxMercatorLat))
	fx := (p.Lng + 180) / 360 * n
	fy := (1 - math.Log(math.Tan(lat)+1/math.Cos(lat))/math.Pi) / 2 * n
	maxIdx := int(n) - 1
	return clampInt(int(math.Floor(fx)), 0, maxIdx), clampInt(int(math.Floor(fy)), 0, maxIdx)
}

// TileBounds returns the lat/lng box covered by k.
func TileBounds(k TileKey) BoundingBox {
	n := math.Exp2(float64(k.Z))
	lng := func(x int) float64 { return float64(x)/n*360 - 180 }
	lat := func(y int) float64 { return toDeg(math.Atan(math.Sinh(math.Pi * (1 - 2*float64(y)/n)))) }
	return BoundingBox{
		MinLat: lat(k.Y + 1),
		MaxLat: lat(k.Y),
		MinLng: lng(k.X),
		MaxLng: lng(k.X + 1),
	}
}

// TilesInBounds lists every tile at zoom z whose bounds intersect b.
func TilesInBounds(b BoundingBox, z int) []TileKey {
	minX, minY := TileForPoint(LatLng{Lat: b.MaxLat, Lng: b.MinLng}, z)
	maxX, maxY := TileForPoint(LatLng{Lat: b.MinLat, Lng: b.MaxLng}, z)
	keys := make([]TileKey, 0, (maxX-minX+1)*(maxY-minY+1))
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			keys = append(keys, TileKey{Z: z, X: x, Y: y})
		}
	}
	return keys
}

// CountTilesInBounds returns len(TilesInBounds(b, z)) without building the list.
func CountTilesInBounds(b BoundingBox, z int) int {
	minX, minY := TileForPoint(LatLng{Lat: b.MaxLat, Lng: b.MinLng}, z)
	maxX, maxY := TileForPoint(LatLng{Lat: b.MinLat, Lng: b.MaxLng}, z)
	return (maxX - minX + 1) * (maxY - minY + 1)
}

// EnumerateTiles lists the tiles covering b for every zoom in [minZoom, maxZoom].
func EnumerateTiles(b BoundingBox, minZoom, maxZoom int) []TileKey {
	var keys []TileKey
	for z := minZoom; z <= maxZoom; z++ {
		keys = append(keys, TilesInBounds(b, z)...)
	}
	return keys
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
