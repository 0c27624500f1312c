package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Line2D is a straight line in normal form: Normal·q = Offset, |Normal| = 1.
type Line2D struct {
	Normal r2.Vec
	Offset float64
}

// NewLine2D returns the normalized line a·q = b. ok is false when a vanishes.
func NewLine2D(a r2.Vec, b float64) (Line2D, bool) {
	n := r2.Norm(a)
	if !(n > 1e-12) || math.IsInf(n, 0) || math.IsNaN(b) || math.IsInf(b, 0) {
		return Line2D{}, false
	}
	return Line2D{Normal: r2.Scale(1/n, a), Offset: b / n}, true
}

// Direction returns a unit vector along the line.
func (l Line2D) Direction() r2.Vec {
	return r2.Vec{X: -l.Normal.Y, Y: l.Normal.X}
}

// Distance returns the signed distance from q to the line.
func (l Line2D) Distance(q r2.Vec) float64 {
	return r2.Dot(l.Normal, q) - l.Offset
}

// Intersect returns the crossing point of two lines and the sine of their
// crossing angle. The sine is signed; callers compare its magnitude against a
// tolerance before trusting the point, which is NaN for exactly parallel lines.
func (l Line2D) Intersect(o Line2D) (r2.Vec, float64) {
	det := r2.Cross(l.Normal, o.Normal)
	if det == 0 {
		return r2.Vec{X: math.NaN(), Y: math.NaN()}, 0
	}
	return r2.Vec{
		X: (l.Offset*o.Normal.Y - o.Offset*l.Normal.Y) / det,
		Y: (l.Normal.X*o.Offset - o.Normal.X*l.Offset) / det,
	}, det
}
