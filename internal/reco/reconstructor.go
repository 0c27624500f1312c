// Package reco reconstructs the arrival direction and core position of an air
// shower from the Hillas ellipses recorded by several telescopes.
//
// Every image defines a great circle on the sky (the plane through the
// telescope containing the image's major axis). All circles are projected onto
// a common tangent plane, where they become straight lines; the weighted mean
// of their pairwise crossings is the shower direction. The same pairwise
// scheme applied to the traces of those planes on the ground gives the core.
package reco

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"showerreco/internal/geometry"
	"showerreco/internal/hillas"
	"showerreco/internal/instrument"
)

// DefaultParallelTolerance is the smallest |sin(crossing angle)| for which a
// pair of lines is combined.
const DefaultParallelTolerance = 1e-6

// Instrument gives read-only access to the static telescope geometry.
type Instrument interface {
	Telescope(id int64) (instrument.Telescope, bool)
}

// Reconstructor is stateless between calls and safe for concurrent use.
type Reconstructor struct {
	Instrument        Instrument
	Weighting         Weighting
	Height            HeightEstimator
	ParallelTolerance float64
}

// New returns a Reconstructor with the default weighting, no height estimate
// and the default parallel tolerance.
func New(inst Instrument) *Reconstructor {
	return &Reconstructor{
		Instrument:        inst,
		Weighting:         SizeSine{},
		Height:            NoHeight{},
		ParallelTolerance: DefaultParallelTolerance,
	}
}

type telescopeLine struct {
	id       int64
	moments  hillas.Moments
	pointing hillas.Pointing
	position r3.Vec
	sky      geometry.SkyLine
	line     geometry.Line2D
}

// Reconstruct estimates direction and core for one event. Events that do not
// offer at least one usable pair of telescopes in both the sky and ground
// stages yield the NaN sentinel; no error is ever returned for geometry.
func (r *Reconstructor) Reconstruct(ev hillas.ArrayEvent) Result {
	tels := r.admissible(ev)
	if len(tels) < 2 {
		res := NotReconstructed(ev.ID, StatusTooFewTelescopes)
		res.Telescopes = len(tels)
		return res
	}

	nominal := geometry.FrameAt(meanPointing(tels))
	skyLines := make([]telescopeLine, 0, len(tels))
	for _, t := range tels {
		l, ok := t.sky.InFrame(nominal)
		if !ok {
			continue
		}
		t.line = l
		skyLines = append(skyLines, t)
	}

	point, pairs, excluded, ok := r.combine(skyLines)
	if !ok {
		res := NotReconstructed(ev.ID, StatusNoSkyPairs)
		res.Telescopes = len(tels)
		res.ExcludedPairs = excluded
		return res
	}
	dir := nominal.ToSphere(point.X, point.Y)

	groundLines := make([]telescopeLine, 0, len(tels))
	for _, t := range tels {
		l, ok := geometry.ToGroundLine(t.position, dir, t.sky)
		if !ok {
			continue
		}
		t.line = l
		groundLines = append(groundLines, t)
	}
	core, _, groundExcluded, ok := r.combine(groundLines)
	excluded += groundExcluded
	if !ok {
		res := NotReconstructed(ev.ID, StatusNoGroundPairs)
		res.Telescopes = len(tels)
		res.Pairs = pairs
		res.ExcludedPairs = excluded
		return res
	}

	alt, az := geometry.AltAz(dir)
	res := Result{
		EventID:       ev.ID,
		Alt:           alt,
		Az:            az,
		CoreX:         core.X,
		CoreY:         core.Y,
		Telescopes:    len(tels),
		Pairs:         pairs,
		ExcludedPairs: excluded,
		Status:        StatusOK,
	}
	res.HMax = r.height().EstimateHeight(Axis{Core: r3.Vec{X: core.X, Y: core.Y}, Direction: dir}, views(tels))
	return res
}

// admissible filters and converts the event's telescopes, in id order.
func (r *Reconstructor) admissible(ev hillas.ArrayEvent) []telescopeLine {
	var out []telescopeLine
	for _, id := range ev.Admissible() {
		if r.Instrument == nil {
			break
		}
		tel, ok := r.Instrument.Telescope(id)
		if !ok || !(tel.FocalLength > 0) {
			continue
		}
		pos := tel.Pos()
		if !finiteVec(pos) {
			continue
		}
		obs := ev.Observations[id]
		sky := geometry.ToSkyFrame(obs.Moments, obs.Pointing, tel.FocalLength)
		if !finiteVec(sky.Normal) || !finiteVec(sky.Centroid) {
			continue
		}
		out = append(out, telescopeLine{
			id:       id,
			moments:  obs.Moments,
			pointing: obs.Pointing,
			position: pos,
			sky:      sky,
		})
	}
	normalizeSizes(out)
	return out
}

// normalizeSizes divides every size by the event maximum so that products
// of sizes in the weights stay within float64 range. Weights only matter
// relative to each other.
func normalizeSizes(tels []telescopeLine) {
	var peak float64
	for _, t := range tels {
		peak = math.Max(peak, t.moments.Size)
	}
	if !(peak > 0) || math.IsInf(peak, 0) {
		return
	}
	for i := range tels {
		tels[i].moments.Size /= peak
	}
}

// combine returns the weighted mean of all pairwise crossings. Pairs that are
// near parallel, or whose point or weight is not finite, are skipped and
// counted in excluded.
func (r *Reconstructor) combine(lines []telescopeLine) (mean r2.Vec, pairs, excluded int, ok bool) {
	tol := r.ParallelTolerance
	if !(tol > 0) {
		tol = DefaultParallelTolerance
	}
	w := r.weighting()

	var sum r2.Vec
	var wsum float64
	for i := 0; i < len(lines); i++ {
		for j := i + 1; j < len(lines); j++ {
			pt, sin := lines[i].line.Intersect(lines[j].line)
			if math.Abs(sin) < tol {
				excluded++
				continue
			}
			weight := w.Weight(math.Abs(sin), lines[i].moments, lines[j].moments)
			if !finite(weight, pt.X, pt.Y) || weight < 0 {
				excluded++
				continue
			}
			if weight == 0 {
				continue
			}
			sum = r2.Add(sum, r2.Scale(weight, pt))
			wsum += weight
			pairs++
		}
	}
	if pairs == 0 || !(wsum > 0) || math.IsInf(wsum, 0) {
		return r2.Vec{}, 0, excluded, false
	}
	mean = r2.Scale(1/wsum, sum)
	if !finite(mean.X, mean.Y) {
		return r2.Vec{}, 0, excluded, false
	}
	return mean, pairs, excluded, true
}

func (r *Reconstructor) weighting() Weighting {
	if r.Weighting == nil {
		return SizeSine{}
	}
	return r.Weighting
}

func (r *Reconstructor) height() HeightEstimator {
	if r.Height == nil {
		return NoHeight{}
	}
	return r.Height
}

// meanPointing is the normalized sum of the telescopes' pointing vectors,
// or the first telescope's pointing when the vectors cancel out.
func meanPointing(tels []telescopeLine) r3.Vec {
	var sum r3.Vec
	for _, t := range tels {
		sum = r3.Add(sum, geometry.Direction(t.pointing.Altitude, t.pointing.Azimuth))
	}
	if n := r3.Norm(sum); n > 1e-9 {
		return r3.Scale(1/n, sum)
	}
	return geometry.Direction(tels[0].pointing.Altitude, tels[0].pointing.Azimuth)
}

func views(tels []telescopeLine) []View {
	out := make([]View, len(tels))
	for i, t := range tels {
		out[i] = View{Position: t.position, Centroid: t.sky.Centroid, Size: t.moments.Size}
	}
	return out
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func finiteVec(v r3.Vec) bool {
	return finite(v.X, v.Y, v.Z)
}
