package reco

import (
	"encoding/json"
	"math"
)

// Status explains the outcome of a reconstruction.
type Status string

const (
	StatusOK               Status = "ok"
	StatusTooFewTelescopes Status = "too_few_telescopes"
	StatusNoSkyPairs       Status = "no_sky_pairs"
	StatusNoGroundPairs    Status = "no_ground_pairs"
)

// Result is the reconstructed direction and core of one array event. Alt is
// the true altitude of the shower direction; see Prediction for the exposed
// output convention. When the geometry is insufficient every numeric field is
// NaN and Status names the reason.
type Result struct {
	EventID int64
	Alt     float64 // radians above the horizon
	Az      float64 // radians east of north, [0, 2π)
	CoreX   float64 // metres, ground frame
	CoreY   float64
	HMax    float64 // metres above ground, NaN unless a height estimator ran

	Telescopes    int // admissible telescopes
	Pairs         int // weighted sky pairs
	ExcludedPairs int // pairs dropped as parallel or non-finite, both stages
	Status        Status
}

// NotReconstructed returns the sentinel result for an event.
func NotReconstructed(eventID int64, status Status) Result {
	nan := math.NaN()
	return Result{
		EventID: eventID,
		Alt:     nan,
		Az:      nan,
		CoreX:   nan,
		CoreY:   nan,
		HMax:    nan,
		Status:  status,
	}
}

// Reconstructed reports whether all four direction and core fields are
// finite. A NaN anywhere means the event was not reconstructed.
func (r Result) Reconstructed() bool {
	for _, v := range []float64{r.Alt, r.Az, r.CoreX, r.CoreY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Prediction is the per-event output record.
//
// AltPrediction is π/2 − Alt, i.e. the zenith distance of the reconstructed
// direction. Downstream consumers expect this quantity under the name
// alt_prediction.
type Prediction struct {
	ArrayEventID    int64   `json:"array_event_id"`
	AltPrediction   float64 `json:"alt_prediction"`
	AzPrediction    float64 `json:"az_prediction"`
	CoreXPrediction float64 `json:"core_x_prediction"`
	CoreYPrediction float64 `json:"core_y_prediction"`
	HMaxPrediction  float64 `json:"h_max_prediction"`
}

// Prediction converts the result to the output convention.
func (r Result) Prediction() Prediction {
	return Prediction{
		ArrayEventID:    r.EventID,
		AltPrediction:   math.Pi/2 - r.Alt,
		AzPrediction:    r.Az,
		CoreXPrediction: r.CoreX,
		CoreYPrediction: r.CoreY,
		HMaxPrediction:  r.HMax,
	}
}

// MarshalJSON encodes non-finite values as null, which encoding/json cannot
// represent otherwise.
func (p Prediction) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ArrayEventID int64    `json:"array_event_id"`
		Alt          *float64 `json:"alt_prediction"`
		Az           *float64 `json:"az_prediction"`
		CoreX        *float64 `json:"core_x_prediction"`
		CoreY        *float64 `json:"core_y_prediction"`
		HMax         *float64 `json:"h_max_prediction"`
	}{
		ArrayEventID: p.ArrayEventID,
		Alt:          nullable(p.AltPrediction),
		Az:           nullable(p.AzPrediction),
		CoreX:        nullable(p.CoreXPrediction),
		CoreY:        nullable(p.CoreYPrediction),
		HMax:         nullable(p.HMaxPrediction),
	})
}

// UnmarshalJSON reads null back as NaN.
func (p *Prediction) UnmarshalJSON(data []byte) error {
	var raw struct {
		ArrayEventID int64    `json:"array_event_id"`
		Alt          *float64 `json:"alt_prediction"`
		Az           *float64 `json:"az_prediction"`
		CoreX        *float64 `json:"core_x_prediction"`
		CoreY        *float64 `json:"core_y_prediction"`
		HMax         *float64 `json:"h_max_prediction"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Prediction{
		ArrayEventID:    raw.ArrayEventID,
		AltPrediction:   orNaN(raw.Alt),
		AzPrediction:    orNaN(raw.Az),
		CoreXPrediction: orNaN(raw.CoreX),
		CoreYPrediction: orNaN(raw.CoreY),
		HMaxPrediction:  orNaN(raw.HMax),
	}
	return nil
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
