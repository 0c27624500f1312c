package reco

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"showerreco/internal/hillas"
)

func batchEvents(n int) []hillas.ArrayEvent {
	events := make([]hillas.ArrayEvent, n)
	for i := range events {
		ev := handEvent()
		ev.ID = int64(i + 1)
		if i%3 == 2 {
			delete(ev.Observations, 2)
		}
		events[i] = ev
	}
	return events
}

func TestBatchMatchesSequentialOrder(t *testing.T) {
	r := New(handInstrument())
	events := batchEvents(25)

	got, err := Batch(context.Background(), r, events, 4)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("expected %d results, got %d", len(events), len(got))
	}
	want := make([]Result, len(events))
	for i, ev := range events {
		want[i] = r.Reconstruct(ev)
	}
	if diff := cmp.Diff(want, got, resultOpts); diff != "" {
		t.Fatalf("batch differs from sequential (-want +got):\n%s", diff)
	}
}

func TestBatchZeroWorkers(t *testing.T) {
	got, err := Batch(context.Background(), New(handInstrument()), batchEvents(3), 0)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(got) != 3 || got[0].EventID != 1 || got[2].EventID != 3 {
		t.Fatalf("unexpected results %+v", got)
	}
}

func TestBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := Batch(ctx, New(handInstrument()), batchEvents(10), 2)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected no results, got %d", len(got))
	}
}

func TestSummarize(t *testing.T) {
	results := []Result{
		{EventID: 1, Status: StatusOK, ExcludedPairs: 1},
		NotReconstructed(2, StatusTooFewTelescopes),
		NotReconstructed(3, StatusTooFewTelescopes),
		NotReconstructed(4, StatusNoSkyPairs),
	}
	results[3].ExcludedPairs = 2
	s := Summarize(results)
	if s.Events != 4 || s.Reconstructed != 1 || s.ExcludedPairs != 3 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if s.Failed[StatusTooFewTelescopes] != 2 || s.Failed[StatusNoSkyPairs] != 1 {
		t.Fatalf("unexpected failures %v", s.Failed)
	}
}

func TestWeightingContract(t *testing.T) {
	a := hillas.Moments{Size: 200, Length: 0.04, Width: 0.01}
	b := hillas.Moments{Size: 800, Length: 0.06, Width: 0.03}
	for _, w := range []Weighting{SizeSine{}, SizeSineElongation{}} {
		t.Run(w.Name(), func(t *testing.T) {
			if w.Weight(0.3, a, b) != w.Weight(0.3, b, a) {
				t.Fatalf("expected symmetric weight")
			}
			if w.Weight(-0.3, a, b) != w.Weight(0.3, a, b) {
				t.Fatalf("expected weight to depend on |sin|")
			}
			if got := w.Weight(0, a, b); got != 0 {
				t.Fatalf("expected zero weight at zero angle, got %v", got)
			}
			if w.Weight(0.3, a, b) <= 0 {
				t.Fatalf("expected positive weight")
			}
			bigger := a
			bigger.Size *= 2
			if w.Weight(0.3, bigger, b) <= w.Weight(0.3, a, b) {
				t.Fatalf("expected weight to grow with size")
			}
		})
	}

	round := hillas.Moments{Size: 500, Length: 0.02, Width: 0.02}
	if got := (SizeSineElongation{}).Weight(1, round, b); got != 0 {
		t.Fatalf("expected round image to carry no weight, got %v", got)
	}
}

func TestWeightingByName(t *testing.T) {
	for name, want := range map[string]string{"": "size-sine", "size-sine": "size-sine", "size-sine-elongation": "size-sine-elongation"} {
		w, err := WeightingByName(name)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", name, err)
		}
		if w.Name() != want {
			t.Fatalf("expected %s, got %s", want, w.Name())
		}
	}
	if _, err := WeightingByName("bogus"); err == nil {
		t.Fatalf("expected error for unknown weighting")
	}
}

func TestHeightByName(t *testing.T) {
	h, err := HeightByName("constant", -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := h.EstimateHeight(Axis{}, nil); got != -1 {
		t.Fatalf("expected -1, got %v", got)
	}
	h, _ = HeightByName("", 0)
	if !math.IsNaN(h.EstimateHeight(Axis{}, nil)) {
		t.Fatalf("expected NaN from default estimator")
	}
	if h, _ = HeightByName("triangulate", 0); h.Name() != "triangulate" {
		t.Fatalf("expected triangulate, got %s", h.Name())
	}
	if _, err := HeightByName("bogus", 0); err == nil {
		t.Fatalf("expected error for unknown height estimator")
	}
}
