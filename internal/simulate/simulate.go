// Package simulate generates array events with known shower geometry. Each
// image is the projection of a straight shower axis into the camera, so an
// ideal reconstruction recovers the true direction and core exactly.
package simulate

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/spatial/r3"

	"showerreco/internal/eventio"
	"showerreco/internal/geometry"
	"showerreco/internal/hillas"
	"showerreco/internal/instrument"
)

// Truth is the generated shower geometry.
type Truth struct {
	Alt   float64
	Az    float64
	CoreX float64
	CoreY float64
}

// Direction returns the unit vector toward the true arrival direction.
func (t Truth) Direction() r3.Vec {
	return geometry.Direction(t.Alt, t.Az)
}

// Event is a generated array event together with its truth and per-telescope
// classifier scores.
type Event struct {
	hillas.ArrayEvent
	Truth  Truth
	Gamma  map[int64]float64
	Energy map[int64]float64
}

// Generator produces events for a fixed subarray and pointing.
type Generator struct {
	inst *instrument.Subarray

	// Configuration
	Pointing      hillas.Pointing
	MaxOffset     float64 // radians, true direction within this of the pointing
	CoreRadius    float64 // metres, cores uniform in a disc around the origin
	MaxImpact     float64 // metres, telescopes farther from the axis see nothing
	FieldOfView   float64 // radians, half-angle of the camera
	PsiNoise      float64 // radians, Gaussian sigma on psi
	CentroidNoise float64 // metres on the focal plane, Gaussian sigma on the centroid
	NearHeight    float64 // metres, axis point imaged at the camera's far end
	FarHeight     float64 // metres, axis point imaged at the camera's near end

	// Offsets are added to Pointing per telescope id (divergent pointing).
	Offsets map[int64]hillas.Pointing

	nextID int64
	rng    *rand.Rand
}

// New returns a noiseless generator pointing at 70° altitude, due north.
func New(inst *instrument.Subarray, seed int64) *Generator {
	return &Generator{
		inst:        inst,
		Pointing:    hillas.Pointing{Altitude: 70 * math.Pi / 180},
		MaxOffset:   2 * math.Pi / 180,
		CoreRadius:  300,
		MaxImpact:   1000,
		FieldOfView: 5 * math.Pi / 180,
		NearHeight:  6000,
		FarHeight:   15000,
		nextID:      1,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Next draws a random shower and images it.
func (g *Generator) Next() Event {
	truth := g.drawTruth()
	id := g.nextID
	g.nextID++
	ev := Event{
		ArrayEvent: g.Image(id, truth),
		Truth:      truth,
		Gamma:      make(map[int64]float64),
		Energy:     make(map[int64]float64),
	}
	logE := g.rng.NormFloat64()*0.5 - 0.3
	for _, tel := range ev.TelescopeIDs() {
		ev.Gamma[tel] = 0.5 + 0.5*g.rng.Float64()
		ev.Energy[tel] = math.Pow(10, logE+0.1*g.rng.NormFloat64())
	}
	return ev
}

// Events draws n events.
func (g *Generator) Events(n int) []Event {
	out := make([]Event, n)
	for i := range out {
		out[i] = g.Next()
	}
	return out
}

func (g *Generator) drawTruth() Truth {
	// uniform over the cap around the pointing
	cosMax := math.Cos(g.MaxOffset)
	offset := math.Acos(1 - g.rng.Float64()*(1-cosMax))
	phi := 2 * math.Pi * g.rng.Float64()
	f := geometry.NewFrame(g.Pointing.Altitude, g.Pointing.Azimuth)
	t := math.Tan(offset)
	dir := f.ToSphere(t*math.Cos(phi), t*math.Sin(phi))
	alt, az := geometry.AltAz(dir)

	r := g.CoreRadius * math.Sqrt(g.rng.Float64())
	theta := 2 * math.Pi * g.rng.Float64()
	return Truth{Alt: alt, Az: az, CoreX: r * math.Cos(theta), CoreY: r * math.Sin(theta)}
}

// Image projects the shower axis described by truth into every telescope of
// the subarray. Telescopes that would not see the shower are left out.
func (g *Generator) Image(id int64, truth Truth) hillas.ArrayEvent {
	ev := hillas.ArrayEvent{ID: id, Observations: make(map[int64]hillas.Observation)}
	dir := truth.Direction()
	if dir.Z <= 0 {
		return ev
	}
	core := r3.Vec{X: truth.CoreX, Y: truth.CoreY}
	near := r3.Add(core, r3.Scale(g.NearHeight/dir.Z, dir))
	far := r3.Add(core, r3.Scale(g.FarHeight/dir.Z, dir))

	for _, tid := range g.inst.IDs() {
		tel, _ := g.inst.Telescope(tid)
		pointing := g.TelescopePointing(tid)
		m, ok := g.image(tel, pointing, core, dir, near, far)
		if !ok {
			continue
		}
		ev.Observations[tid] = hillas.Observation{Moments: m, Pointing: pointing}
	}
	return ev
}

// TelescopePointing returns the pointing of telescope id, including its
// offset.
func (g *Generator) TelescopePointing(id int64) hillas.Pointing {
	off := g.Offsets[id]
	return hillas.Pointing{
		Altitude: g.Pointing.Altitude + off.Altitude,
		Azimuth:  g.Pointing.Azimuth + off.Azimuth,
	}
}

func (g *Generator) image(tel instrument.Telescope, pointing hillas.Pointing, core, dir, near, far r3.Vec) (hillas.Moments, bool) {
	pos := tel.Pos()
	rel := r3.Sub(pos, core)
	impact := r3.Norm(r3.Sub(rel, r3.Scale(r3.Dot(rel, dir), dir)))
	if g.MaxImpact > 0 && impact > g.MaxImpact {
		return hillas.Moments{}, false
	}
	f := tel.FocalLength
	x1, y1, ok1 := geometry.ProjectToCamera(r3.Sub(near, pos), pointing, f)
	x2, y2, ok2 := geometry.ProjectToCamera(r3.Sub(far, pos), pointing, f)
	if !ok1 || !ok2 {
		return hillas.Moments{}, false
	}
	cx, cy := (x1+x2)/2, (y1+y2)/2
	if g.FieldOfView > 0 && math.Hypot(cx, cy) > math.Tan(g.FieldOfView)*f {
		return hillas.Moments{}, false
	}
	dx, dy := x2-x1, y2-y1
	half := math.Hypot(dx, dy) / 2
	if half == 0 {
		// axis points straight into the camera; no orientation
		return hillas.Moments{}, false
	}
	m := hillas.Moments{
		Size:   2000 * math.Exp(-impact/300) * (1 + tel.MirrorArea/100),
		CenX:   cx,
		CenY:   cy,
		Length: half / 2,
		Width:  half / 6,
		Psi:    math.Atan2(dy, dx),
	}
	if g.PsiNoise > 0 {
		m.Psi += g.rng.NormFloat64() * g.PsiNoise
	}
	if g.CentroidNoise > 0 {
		m.CenX += g.rng.NormFloat64() * g.CentroidNoise
		m.CenY += g.rng.NormFloat64() * g.CentroidNoise
	}
	return m, true
}

// Rows flattens events into input table rows, telescopes in id order.
func Rows(events []Event) []eventio.Row {
	var rows []eventio.Row
	for _, ev := range events {
		for _, tid := range ev.TelescopeIDs() {
			obs := ev.Observations[tid]
			gamma, ok := ev.Gamma[tid]
			if !ok {
				gamma = math.NaN()
			}
			energy, ok := ev.Energy[tid]
			if !ok {
				energy = math.NaN()
			}
			rows = append(rows, eventio.Row{
				ArrayEventID:          ev.ID,
				TelescopeID:           tid,
				Moments:               obs.Moments,
				Pointing:              obs.Pointing,
				GammaPrediction:       gamma,
				GammaEnergyPrediction: energy,
			})
		}
	}
	return rows
}
