package quadtile

import "math"

// Coordinate bounds accepted by the API database
const (
	MinLat = -90.0
	MaxLat = 90.0
	MinLon = -180.0
	MaxLon = 180.0
)

// scale is the number of steps per axis (16 bits)
const scale = 65535

// Scale is the fixed-point factor for latitude/longitude columns
const Scale = 1e7

// XY returns the 16-bit grid coordinates of a point.
// Out-of-range coordinates are clamped to the valid range.
func XY(lat, lon float64) (x, y uint32) {
	if lat > MaxLat {
		lat = MaxLat
	}
	if lat < MinLat {
		lat = MinLat
	}
	if lon < MinLon {
		lon = MinLon
	}
	if lon > MaxLon {
		lon = MaxLon
	}

	x = uint32(math.Round((lon - MinLon) * scale / 360.0))
	y = uint32(math.Round((lat - MinLat) * scale / 180.0))
	return x, y
}

// ForXY interleaves the bits of x and y, x first, into a 32-bit quadtile
func ForXY(x, y uint32) int64 {
	var t int64
	for i := 0; i < 16; i++ {
		t <<= 1
		if x&0x8000 != 0 {
			t |= 1
		}
		x <<= 1

		t <<= 1
		if y&0x8000 != 0 {
			t |= 1
		}
		y <<= 1
	}
	return t
}

// ForPoint returns the quadtile stored in the tile column of node rows
func ForPoint(lat, lon float64) int64 {
	return ForXY(XY(lat, lon))
}

// ToFixed converts a coordinate in degrees to the database's fixed-point integer
func ToFixed(deg float64) int64 {
	return int64(math.Round(deg * Scale))
}

// FromFixed converts a fixed-point coordinate back to degrees
func FromFixed(v int64) float64 {
	return float64(v) / Scale
}
