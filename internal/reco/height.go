package reco

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Axis is a reconstructed shower axis: it passes through Core (on the ground)
// and points toward Direction.
type Axis struct {
	Core      r3.Vec
	Direction r3.Vec
}

// View is what a height estimator may use from one telescope.
type View struct {
	Position r3.Vec
	Centroid r3.Vec // unit direction of the image centroid
	Size     float64
}

// HeightEstimator estimates the height of shower maximum. It runs after the
// direction and core are known and never influences them.
type HeightEstimator interface {
	Name() string
	EstimateHeight(axis Axis, views []View) float64
}

// NoHeight skips the estimate entirely.
type NoHeight struct{}

func (NoHeight) Name() string                        { return "none" }
func (NoHeight) EstimateHeight(Axis, []View) float64 { return math.NaN() }

// ConstantHeight reports a fixed value without computing anything.
type ConstantHeight struct {
	Value float64
}

func (ConstantHeight) Name() string                          { return "constant" }
func (c ConstantHeight) EstimateHeight(Axis, []View) float64 { return c.Value }

// Triangulated takes, for every telescope, the point on the shower axis
// closest to the ray through the image centroid, and returns the
// size-weighted mean height of those points.
type Triangulated struct{}

func (Triangulated) Name() string { return "triangulate" }

func (Triangulated) EstimateHeight(axis Axis, views []View) float64 {
	var sum, wsum float64
	for _, v := range views {
		w0 := r3.Sub(axis.Core, v.Position)
		b := r3.Dot(axis.Direction, v.Centroid)
		denom := 1 - b*b
		if denom < 1e-12 {
			continue
		}
		t := (b*r3.Dot(v.Centroid, w0) - r3.Dot(axis.Direction, w0)) / denom
		h := axis.Core.Z + t*axis.Direction.Z
		if math.IsNaN(h) || math.IsInf(h, 0) {
			continue
		}
		sum += v.Size * h
		wsum += v.Size
	}
	if wsum <= 0 {
		return math.NaN()
	}
	return sum / wsum
}

// HeightByName resolves a configured height estimator.
func HeightByName(name string, constant float64) (HeightEstimator, error) {
	switch name {
	case "", "none":
		return NoHeight{}, nil
	case "constant":
		return ConstantHeight{Value: constant}, nil
	case "triangulate":
		return Triangulated{}, nil
	default:
		return nil, fmt.Errorf("unknown height estimator %q", name)
	}
}
