// Package aggregate reduces per-telescope classifier outputs to per-event
// mean and standard deviation.
package aggregate

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"showerreco/internal/eventio"
)

// Output column names.
const (
	ColGammaMean       = "gamma_prediction_mean"
	ColGammaStd        = "gamma_prediction_std"
	ColGammaEnergyMean = "gamma_energy_prediction_mean"
	ColGammaEnergyStd  = "gamma_energy_prediction_std"
)

// MeanStd is the sample mean and the n−1 standard deviation of a group.
// Std is NaN for fewer than two values and both are NaN for none.
type MeanStd struct {
	Mean float64
	Std  float64
	N    int
}

// Accumulator collects values per event. NaN values are skipped.
type Accumulator struct {
	values map[int64][]float64
}

func NewAccumulator() *Accumulator {
	return &Accumulator{values: make(map[int64][]float64)}
}

func (a *Accumulator) Add(eventID int64, v float64) {
	if math.IsNaN(v) {
		if _, ok := a.values[eventID]; !ok {
			a.values[eventID] = nil
		}
		return
	}
	a.values[eventID] = append(a.values[eventID], v)
}

// Result summarizes the values of one event.
func (a *Accumulator) Result(eventID int64) MeanStd {
	return summarize(a.values[eventID])
}

// Results summarizes every event seen by Add.
func (a *Accumulator) Results() map[int64]MeanStd {
	out := make(map[int64]MeanStd, len(a.values))
	for id, vals := range a.values {
		out[id] = summarize(vals)
	}
	return out
}

func summarize(vals []float64) MeanStd {
	switch len(vals) {
	case 0:
		return MeanStd{Mean: math.NaN(), Std: math.NaN()}
	case 1:
		return MeanStd{Mean: vals[0], Std: math.NaN(), N: 1}
	}
	mean, std := stat.MeanStdDev(vals, nil)
	return MeanStd{Mean: mean, Std: std, N: len(vals)}
}

// Columns returns the mean and std output columns for the classifier
// predictions present in t.
func Columns(t *eventio.Table) []eventio.Column {
	var cols []eventio.Column
	if t.HasGamma {
		acc := NewAccumulator()
		for _, r := range t.Rows {
			acc.Add(r.ArrayEventID, r.GammaPrediction)
		}
		cols = append(cols, split(acc.Results(), ColGammaMean, ColGammaStd)...)
	}
	if t.HasEnergy {
		acc := NewAccumulator()
		for _, r := range t.Rows {
			acc.Add(r.ArrayEventID, r.GammaEnergyPrediction)
		}
		cols = append(cols, split(acc.Results(), ColGammaEnergyMean, ColGammaEnergyStd)...)
	}
	return cols
}

func split(res map[int64]MeanStd, meanName, stdName string) []eventio.Column {
	mean := eventio.Column{Name: meanName, Values: make(map[int64]float64, len(res))}
	std := eventio.Column{Name: stdName, Values: make(map[int64]float64, len(res))}
	for id, ms := range res {
		mean.Values[id] = ms.Mean
		std.Values[id] = ms.Std
	}
	return []eventio.Column{mean, std}
}
