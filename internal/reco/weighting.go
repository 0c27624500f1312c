package reco

import (
	"fmt"
	"math"

	"showerreco/internal/hillas"
)

// Weighting assigns a weight to a pair of crossing lines. Implementations
// must be symmetric in a and b, non-negative, finite for finite input, vanish
// as sinAngle goes to zero, and increase with both image sizes.
type Weighting interface {
	Name() string
	Weight(sinAngle float64, a, b hillas.Moments) float64
}

// SizeSine weights a pair by sin(crossing angle)·size_a·size_b.
type SizeSine struct{}

func (SizeSine) Name() string { return "size-sine" }

func (SizeSine) Weight(sinAngle float64, a, b hillas.Moments) float64 {
	return math.Abs(sinAngle) * a.Size * b.Size
}

// SizeSineElongation additionally favours elongated images, whose major
// axis is better defined: each size is scaled by 1 − width/length.
type SizeSineElongation struct{}

func (SizeSineElongation) Name() string { return "size-sine-elongation" }

func (SizeSineElongation) Weight(sinAngle float64, a, b hillas.Moments) float64 {
	return math.Abs(sinAngle) * a.Size * elongation(a) * b.Size * elongation(b)
}

func elongation(m hillas.Moments) float64 {
	if !(m.Length > 0) || m.Width >= m.Length {
		return 0
	}
	return 1 - m.Width/m.Length
}

// WeightingByName resolves a configured weighting scheme.
func WeightingByName(name string) (Weighting, error) {
	switch name {
	case "", "size-sine":
		return SizeSine{}, nil
	case "size-sine-elongation":
		return SizeSineElongation{}, nil
	default:
		return nil, fmt.Errorf("unknown weighting %q", name)
	}
}
