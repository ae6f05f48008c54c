package catalog

import (
	"math"

	"github.com/gogpu/orbit"
)

// WGS84 ellipsoid, kilometres.
const (
	SemiMajorAxis = 6378.137
	SemiMinorAxis = 6356.7523142
)

const altitudeIterations = 20

// Altitude returns the geodetic height in kilometres of an Earth-centred
// position on the WGS84 ellipsoid. Latitude is refined by fixed-point
// iteration; sidereal time is not needed for height alone.
func Altitude(r orbit.Vec3) float64 {
	const (
		a  = SemiMajorAxis
		f  = (SemiMajorAxis - SemiMinorAxis) / SemiMajorAxis
		e2 = 2*f - f*f
	)
	p := math.Hypot(r.X, r.Y)
	if p < 1e-9 {
		return math.Abs(r.Z) - SemiMinorAxis
	}
	lat := math.Atan2(r.Z, p)
	c := 0.0
	for range altitudeIterations {
		sin := math.Sin(lat)
		c = 1 / math.Sqrt(1-e2*sin*sin)
		lat = math.Atan2(r.Z+a*c*e2*sin, p)
	}
	return p/math.Cos(lat) - a*c
}
