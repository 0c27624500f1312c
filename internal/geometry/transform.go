package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"showerreco/internal/hillas"
)

// SkyLine is the great circle on which an image's major axis lies.
type SkyLine struct {
	Centroid r3.Vec // unit direction of the image centroid
	Axis     r3.Vec // unit tangent of the major axis at the centroid
	Normal   r3.Vec // unit normal of the great-circle plane
}

// CentroidAltAz returns the sky position of the image centroid.
func (s SkyLine) CentroidAltAz() (alt, az float64) {
	return AltAz(s.Centroid)
}

// ToSkyFrame maps an image's centroid and orientation from the camera plane
// of a telescope with the given pointing and focal length onto the sky.
// The camera x axis runs along the frame's Up vector and y along Right.
// Callers guarantee width > 0 and focalLength > 0.
func ToSkyFrame(m hillas.Moments, p hillas.Pointing, focalLength float64) SkyLine {
	f := NewFrame(p.Altitude, p.Azimuth)
	c := f.ToSphere(m.CenX/focalLength, m.CenY/focalLength)
	sinPsi, cosPsi := math.Sincos(m.Psi)
	t := r3.Add(r3.Scale(cosPsi, f.Up), r3.Scale(sinPsi, f.Right))

	axis := r3.Sub(t, r3.Scale(r3.Dot(t, c), c))
	axis = r3.Scale(1/r3.Norm(axis), axis)
	n := r3.Cross(c, axis)
	return SkyLine{
		Centroid: c,
		Axis:     axis,
		Normal:   r3.Scale(1/r3.Norm(n), n),
	}
}

// InFrame projects the great circle onto the tangent plane of f, where it is
// a straight line. ok is false when the circle lies on the plane's horizon.
func (s SkyLine) InFrame(f Frame) (Line2D, bool) {
	a := r2.Vec{X: r3.Dot(s.Normal, f.Up), Y: r3.Dot(s.Normal, f.Right)}
	return NewLine2D(a, -r3.Dot(s.Normal, f.Axis))
}

// ToGroundLine intersects the plane containing the telescope position and the
// image axis with the ground (z = 0). The plane is first rotated about its
// line of sight so that it contains the estimated shower direction exactly.
// ok is false when that plane is (nearly) horizontal or the direction lies
// along the plane normal.
func ToGroundLine(position, direction r3.Vec, s SkyLine) (Line2D, bool) {
	m := r3.Sub(s.Normal, r3.Scale(r3.Dot(s.Normal, direction), direction))
	nm := r3.Norm(m)
	if !(nm > 1e-12) {
		return Line2D{}, false
	}
	m = r3.Scale(1/nm, m)
	return NewLine2D(r2.Vec{X: m.X, Y: m.Y}, r3.Dot(m, position))
}

// ProjectToCamera maps a sky direction onto the camera plane of a telescope.
// ok is false for directions outside the telescope's forward hemisphere.
func ProjectToCamera(dir r3.Vec, p hillas.Pointing, focalLength float64) (x, y float64, ok bool) {
	f := NewFrame(p.Altitude, p.Azimuth)
	u, v, ok := f.FromSphere(r3.Scale(1/r3.Norm(dir), dir))
	if !ok {
		return 0, 0, false
	}
	return u * focalLength, v * focalLength, true
}
