// Package hillas holds the per-telescope image parameters and pointing that
// feed stereo reconstruction, grouped into array events.
package hillas

import (
	"math"
	"sort"
)

// Moments are the second-moment ellipse parameters of one cleaned camera image.
// Lengths are in metres on the focal plane, Psi in radians measured from the
// camera x axis toward the y axis.
type Moments struct {
	Size   float64 `json:"size"`
	CenX   float64 `json:"cen_x"`
	CenY   float64 `json:"cen_y"`
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Psi    float64 `json:"psi"`
}

// Pointing is a telescope's pointing direction for one event, in radians.
type Pointing struct {
	Azimuth  float64 `json:"azimuth"`
	Altitude float64 `json:"altitude"`
}

// Observation is what a single triggered telescope contributes to an event.
type Observation struct {
	Moments  Moments  `json:"moments"`
	Pointing Pointing `json:"pointing"`
}

// ArrayEvent is one shower seen by one or more telescopes.
type ArrayEvent struct {
	ID           int64                 `json:"array_event_id"`
	Observations map[int64]Observation `json:"observations"`
}

// Finite reports whether every moment is a finite number.
func (m Moments) Finite() bool {
	return finite(m.Size, m.CenX, m.CenY, m.Length, m.Width, m.Psi)
}

// Degenerate reports whether the image cannot define a major axis.
func (m Moments) Degenerate() bool {
	return m.Size <= 0 || m.Width <= 0
}

// Finite reports whether both pointing angles are finite numbers.
func (p Pointing) Finite() bool {
	return finite(p.Azimuth, p.Altitude)
}

// Admissible reports whether the observation may contribute a direction line.
// Zero-size and zero-width images are excluded here rather than weighted to zero.
func (o Observation) Admissible() bool {
	return o.Moments.Finite() && o.Pointing.Finite() && !o.Moments.Degenerate()
}

// TelescopeIDs returns the event's telescope ids in ascending order.
func (e ArrayEvent) TelescopeIDs() []int64 {
	ids := make([]int64, 0, len(e.Observations))
	for id := range e.Observations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Admissible returns the ids of telescopes passing the image filter, sorted.
func (e ArrayEvent) Admissible() []int64 {
	var ids []int64
	for _, id := range e.TelescopeIDs() {
		if e.Observations[id].Admissible() {
			ids = append(ids, id)
		}
	}
	return ids
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
