package reco

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"showerreco/internal/hillas"
	"showerreco/internal/instrument"
)

type stubInstrument map[int64]instrument.Telescope

func (s stubInstrument) Telescope(id int64) (instrument.Telescope, bool) {
	t, ok := s[id]
	return t, ok
}

var zenith = hillas.Pointing{Altitude: math.Pi / 2, Azimuth: 0}

// Two telescopes looking at the zenith with unit focal length. Image 1 lies
// on the line u = 0.1, image 2 on v = 0.2, so the shower comes from
// unit(-0.1, -0.2, 1) and hits the ground at (0, -30).
func handInstrument() stubInstrument {
	return stubInstrument{
		1: {ID: 1, Position: [3]float64{0, 50, 0}, FocalLength: 1},
		2: {ID: 2, Position: [3]float64{80, -30, 0}, FocalLength: 1},
		3: {ID: 3, Position: [3]float64{-40, 0, 0}, FocalLength: 1},
	}
}

func handEvent() hillas.ArrayEvent {
	return hillas.ArrayEvent{
		ID: 42,
		Observations: map[int64]hillas.Observation{
			1: {Moments: hillas.Moments{Size: 300, CenX: 0.1, CenY: 0, Length: 0.04, Width: 0.01, Psi: math.Pi / 2}, Pointing: zenith},
			2: {Moments: hillas.Moments{Size: 500, CenX: 0, CenY: 0.2, Length: 0.05, Width: 0.02, Psi: 0}, Pointing: zenith},
		},
	}
}

var resultOpts = cmp.Options{cmpopts.EquateApprox(0, 1e-9), cmpopts.EquateNaNs()}

func TestReconstructCoplanarPair(t *testing.T) {
	r := New(handInstrument())
	res := r.Reconstruct(handEvent())
	require.True(t, res.Reconstructed(), "status %s", res.Status)

	want := r3.Vec{X: -0.1, Y: -0.2, Z: 1}
	want = r3.Scale(1/r3.Norm(want), want)
	got := r3.Vec{
		X: math.Cos(res.Alt) * math.Cos(res.Az),
		Y: -math.Cos(res.Alt) * math.Sin(res.Az),
		Z: math.Sin(res.Alt),
	}
	assert.InDelta(t, 0, r3.Norm(r3.Sub(got, want)), 1e-9)
	assert.InDelta(t, math.Atan2(0.2, -0.1), res.Az, 1e-9)
	assert.InDelta(t, 0, res.CoreX, 1e-6)
	assert.InDelta(t, -30, res.CoreY, 1e-6)
	assert.Equal(t, int64(42), res.EventID)
	assert.Equal(t, 2, res.Telescopes)
	assert.Equal(t, 1, res.Pairs)
	assert.Equal(t, 0, res.ExcludedPairs)
	assert.Equal(t, StatusOK, res.Status)
	assert.True(t, math.IsNaN(res.HMax))
}

func TestPredictionAltIsZenithDistance(t *testing.T) {
	res := New(handInstrument()).Reconstruct(handEvent())
	p := res.Prediction()
	assert.InDelta(t, math.Atan(math.Sqrt(0.05)), p.AltPrediction, 1e-9)
	assert.InDelta(t, math.Pi/2-res.Alt, p.AltPrediction, 1e-15)
	assert.Equal(t, res.Az, p.AzPrediction)
	assert.Equal(t, res.CoreX, p.CoreXPrediction)
	assert.Equal(t, res.CoreY, p.CoreYPrediction)
}

func TestReconstructIgnoresDegenerateAndUnknownTelescopes(t *testing.T) {
	r := New(handInstrument())
	base := r.Reconstruct(handEvent())

	cases := map[string]hillas.Observation{
		"zero width": {Moments: hillas.Moments{Size: 900, CenX: 0.3, CenY: 0.1, Length: 0.05, Width: 0, Psi: 1}, Pointing: zenith},
		"zero size":  {Moments: hillas.Moments{Size: 0, CenX: 0.3, CenY: 0.1, Length: 0.05, Width: 0.01, Psi: 1}, Pointing: zenith},
		"nan psi":    {Moments: hillas.Moments{Size: 900, CenX: 0.3, CenY: 0.1, Length: 0.05, Width: 0.01, Psi: math.NaN()}, Pointing: zenith},
	}
	for name, obs := range cases {
		t.Run(name, func(t *testing.T) {
			ev := handEvent()
			ev.Observations[3] = obs
			got := r.Reconstruct(ev)
			if diff := cmp.Diff(base, got, resultOpts); diff != "" {
				t.Fatalf("result changed (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("unknown telescope", func(t *testing.T) {
		ev := handEvent()
		ev.Observations[99] = hillas.Observation{
			Moments:  hillas.Moments{Size: 900, CenX: 0.3, CenY: 0.1, Length: 0.05, Width: 0.01, Psi: 1},
			Pointing: zenith,
		}
		got := r.Reconstruct(ev)
		if diff := cmp.Diff(base, got, resultOpts); diff != "" {
			t.Fatalf("result changed (-want +got):\n%s", diff)
		}
	})
}

func TestReconstructTooFewTelescopes(t *testing.T) {
	r := New(handInstrument())
	for _, n := range []int{0, 1} {
		ev := handEvent()
		if n == 0 {
			ev.Observations = map[int64]hillas.Observation{}
		} else {
			delete(ev.Observations, 2)
		}
		res := r.Reconstruct(ev)
		if res.Reconstructed() {
			t.Fatalf("expected no reconstruction with %d telescopes", n)
		}
		for _, v := range []float64{res.Alt, res.Az, res.CoreX, res.CoreY} {
			if !math.IsNaN(v) {
				t.Fatalf("expected NaN with %d telescopes, got %v", n, res)
			}
		}
		if res.Status != StatusTooFewTelescopes {
			t.Fatalf("expected %s, got %s", StatusTooFewTelescopes, res.Status)
		}
		if res.Telescopes != n {
			t.Fatalf("expected %d telescopes, got %d", n, res.Telescopes)
		}
	}
}

func TestReconstructParallelPairs(t *testing.T) {
	r := New(handInstrument())
	parallel := hillas.Observation{
		Moments:  hillas.Moments{Size: 400, CenX: 0.3, CenY: 0, Length: 0.04, Width: 0.01, Psi: math.Pi / 2},
		Pointing: zenith,
	}

	t.Run("only parallel", func(t *testing.T) {
		ev := handEvent()
		delete(ev.Observations, 2)
		ev.Observations[3] = parallel
		res := r.Reconstruct(ev)
		assert.False(t, res.Reconstructed())
		assert.Equal(t, StatusNoSkyPairs, res.Status)
		assert.Equal(t, 1, res.ExcludedPairs)
		assert.True(t, math.IsNaN(res.Alt))
		assert.True(t, math.IsNaN(res.CoreY))
	})

	t.Run("one parallel pair among three", func(t *testing.T) {
		ev := handEvent()
		ev.Observations[3] = parallel
		res := r.Reconstruct(ev)
		require.True(t, res.Reconstructed(), "status %s", res.Status)
		assert.Equal(t, 2, res.Pairs)
		assert.GreaterOrEqual(t, res.ExcludedPairs, 1)
		for _, v := range []float64{res.Alt, res.Az, res.CoreX, res.CoreY} {
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		}
	})

	t.Run("tolerance", func(t *testing.T) {
		ev := handEvent()
		delete(ev.Observations, 2)
		// crosses image 1 at (0.1, 0.4) at an angle of 1e-3
		tilted := parallel
		tilted.Moments.CenX = 0.1002
		tilted.Moments.CenY = 0.2
		tilted.Moments.Psi = math.Pi/2 + 1e-3
		ev.Observations[3] = tilted

		loose := New(handInstrument())
		loose.ParallelTolerance = 1e-2
		assert.Equal(t, StatusNoSkyPairs, loose.Reconstruct(ev).Status)

		res := r.Reconstruct(ev)
		require.Equal(t, StatusOK, res.Status)
		assert.Equal(t, 1, res.Pairs)
		assert.InDelta(t, math.Atan(math.Hypot(0.1, 0.4)), res.Prediction().AltPrediction, 1e-6)
	})
}

func TestReconstructIsInvariantToTelescopeNumbering(t *testing.T) {
	inst := handInstrument()
	swapped := stubInstrument{
		1: {ID: 1, Position: inst[2].Position, FocalLength: 1},
		2: {ID: 2, Position: inst[1].Position, FocalLength: 1},
		3: inst[3],
	}

	ev := handEvent()
	ev.Observations[3] = hillas.Observation{
		Moments:  hillas.Moments{Size: 250, CenX: -0.05, CenY: 0.1, Length: 0.03, Width: 0.01, Psi: 0.7},
		Pointing: zenith,
	}
	sev := hillas.ArrayEvent{ID: ev.ID, Observations: map[int64]hillas.Observation{
		1: ev.Observations[2],
		2: ev.Observations[1],
		3: ev.Observations[3],
	}}

	a := New(inst).Reconstruct(ev)
	b := New(swapped).Reconstruct(sev)
	if diff := cmp.Diff(a, b, resultOpts); diff != "" {
		t.Fatalf("numbering changed the result (-a +b):\n%s", diff)
	}
}

func TestReconstructIsRepeatable(t *testing.T) {
	r := New(handInstrument())
	ev := handEvent()
	ev.Observations[3] = hillas.Observation{
		Moments:  hillas.Moments{Size: 250, CenX: -0.05, CenY: 0.1, Length: 0.03, Width: 0.01, Psi: 0.7},
		Pointing: zenith,
	}
	first := r.Reconstruct(ev)
	for i := 0; i < 20; i++ {
		// map iteration order varies between calls
		if diff := cmp.Diff(first, r.Reconstruct(ev), cmpopts.EquateNaNs()); diff != "" {
			t.Fatalf("expected identical results (-first +got):\n%s", diff)
		}
	}
}

func TestReconstructIsScaleInvariantInSize(t *testing.T) {
	r := New(handInstrument())
	ev := handEvent()
	ev.Observations[3] = hillas.Observation{
		Moments:  hillas.Moments{Size: 250, CenX: -0.05, CenY: 0.1, Length: 0.03, Width: 0.01, Psi: 0.7},
		Pointing: zenith,
	}
	base := r.Reconstruct(ev)
	require.True(t, base.Reconstructed(), "status %s", base.Status)

	// extreme factors would overflow or underflow a raw size product
	for _, factor := range []float64{7, 1e-170, 1e170} {
		scaled := hillas.ArrayEvent{ID: ev.ID, Observations: map[int64]hillas.Observation{}}
		for id, obs := range ev.Observations {
			obs.Moments.Size *= factor
			scaled.Observations[id] = obs
		}
		if diff := cmp.Diff(base, r.Reconstruct(scaled), resultOpts); diff != "" {
			t.Fatalf("scaling sizes by %g changed the result (-want +got):\n%s", factor, diff)
		}
	}
}

func TestMeanPointing(t *testing.T) {
	tilted := hillas.Pointing{Altitude: 1.2, Azimuth: 0.3}
	got := meanPointing([]telescopeLine{{pointing: zenith}, {pointing: tilted}})
	assert.InDelta(t, 1, r3.Norm(got), 1e-12)

	// opposite horizons cancel; the first telescope's pointing is used
	east := hillas.Pointing{Altitude: 0, Azimuth: math.Pi / 2}
	west := hillas.Pointing{Altitude: 0, Azimuth: -math.Pi / 2}
	got = meanPointing([]telescopeLine{{pointing: east}, {pointing: west}})
	assert.InDelta(t, 0, got.X, 1e-12)
	assert.InDelta(t, -1, got.Y, 1e-12)
	assert.InDelta(t, 0, got.Z, 1e-12)
}

func TestReconstructWithoutInstrument(t *testing.T) {
	res := (&Reconstructor{}).Reconstruct(handEvent())
	if res.Status != StatusTooFewTelescopes {
		t.Fatalf("expected %s, got %s", StatusTooFewTelescopes, res.Status)
	}
}

func TestReconstructRunsHeightEstimator(t *testing.T) {
	r := New(handInstrument())
	r.Height = ConstantHeight{Value: -1}
	res := r.Reconstruct(handEvent())
	assert.Equal(t, -1.0, res.HMax)
	assert.Equal(t, -1.0, res.Prediction().HMaxPrediction)

	r.Height = Triangulated{}
	res = r.Reconstruct(handEvent())
	assert.False(t, math.IsNaN(res.HMax))
}

func TestPredictionJSONUsesNullForNaN(t *testing.T) {
	p := NotReconstructed(7, StatusNoSkyPairs).Prediction()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"array_event_id":7,"alt_prediction":null,"az_prediction":null,"core_x_prediction":null,"core_y_prediction":null,"h_max_prediction":null}`, string(data))

	var back Prediction
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, int64(7), back.ArrayEventID)
	assert.True(t, math.IsNaN(back.AltPrediction))
	assert.True(t, math.IsNaN(back.HMaxPrediction))

	ok := New(handInstrument()).Reconstruct(handEvent()).Prediction()
	data, err = json.Marshal(ok)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &back))
	assert.InDelta(t, ok.AltPrediction, back.AltPrediction, 1e-15)
	assert.InDelta(t, ok.CoreYPrediction, back.CoreYPrediction, 1e-12)
}
