// Package geometry converts between a telescope's camera plane, a tangent
// ("nominal") plane on the sky shared by all telescopes, and the ground frame.
//
// The ground frame has x pointing north, y pointing west and z up. Azimuth is
// measured from north toward east.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Direction returns the unit vector pointing toward (alt, az).
func Direction(alt, az float64) r3.Vec {
	cosAlt := math.Cos(alt)
	return r3.Vec{
		X: cosAlt * math.Cos(az),
		Y: -cosAlt * math.Sin(az),
		Z: math.Sin(alt),
	}
}

// AltAz returns the altitude and azimuth of v, which need not be normalized.
// Azimuth is wrapped into [0, 2π).
func AltAz(v r3.Vec) (alt, az float64) {
	alt = math.Atan2(v.Z, math.Hypot(v.X, v.Y))
	az = math.Atan2(-v.Y, v.X)
	if az < 0 {
		az += 2 * math.Pi
	}
	return alt, az
}

// Frame is an orthonormal basis tangent to the sky at Axis. Up points toward
// increasing altitude and Right toward increasing azimuth.
type Frame struct {
	Axis  r3.Vec
	Up    r3.Vec
	Right r3.Vec
}

// NewFrame builds the tangent frame for a telescope pointing at (alt, az).
func NewFrame(alt, az float64) Frame {
	sinAlt, cosAlt := math.Sincos(alt)
	sinAz, cosAz := math.Sincos(az)
	return Frame{
		Axis:  Direction(alt, az),
		Up:    r3.Vec{X: -sinAlt * cosAz, Y: sinAlt * sinAz, Z: cosAlt},
		Right: r3.Vec{X: -sinAz, Y: -cosAz, Z: 0},
	}
}

// FrameAt builds the tangent frame centred on the direction of v.
func FrameAt(v r3.Vec) Frame {
	alt, az := AltAz(v)
	return NewFrame(alt, az)
}

// ToSphere maps tangent-plane offsets (in radians of gnomonic projection) to a
// unit direction.
func (f Frame) ToSphere(u, v float64) r3.Vec {
	p := r3.Add(f.Axis, r3.Add(r3.Scale(u, f.Up), r3.Scale(v, f.Right)))
	return r3.Scale(1/r3.Norm(p), p)
}

// FromSphere is the inverse of ToSphere. ok is false for directions at or
// behind the tangent plane's horizon.
func (f Frame) FromSphere(dir r3.Vec) (u, v float64, ok bool) {
	w := r3.Dot(dir, f.Axis)
	if w <= 0 {
		return 0, 0, false
	}
	return r3.Dot(dir, f.Up) / w, r3.Dot(dir, f.Right) / w, true
}

// AngularSeparation returns the angle between two directions in radians.
func AngularSeparation(a, b r3.Vec) float64 {
	return math.Atan2(r3.Norm(r3.Cross(a, b)), r3.Dot(a, b))
}
