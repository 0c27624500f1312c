package eventio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"showerreco/internal/reco"
)

// Output column names.
const (
	ColAltPrediction   = "alt_prediction"
	ColAzPrediction    = "az_prediction"
	ColCoreXPrediction = "core_x_prediction"
	ColCoreYPrediction = "core_y_prediction"
	ColHMaxPrediction  = "h_max_prediction"
)

// Column is an extra per-event output column. Events missing from Values are
// written as NaN.
type Column struct {
	Name   string
	Values map[int64]float64
}

// WriteOptions selects optional output columns.
type WriteOptions struct {
	HMax  bool
	Extra []Column
}

// WritePredictionsFile creates path and writes preds to it.
func WritePredictionsFile(path string, preds []reco.Prediction, opts WriteOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WritePredictions(f, preds, opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WritePredictions writes one row per prediction, in the given order.
func WritePredictions(w io.Writer, preds []reco.Prediction, opts WriteOptions) error {
	cw := csv.NewWriter(w)
	header := []string{ColArrayEventID, ColAltPrediction, ColAzPrediction, ColCoreXPrediction, ColCoreYPrediction}
	if opts.HMax {
		header = append(header, ColHMaxPrediction)
	}
	for _, c := range opts.Extra {
		header = append(header, c.Name)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, p := range preds {
		rec := []string{
			strconv.FormatInt(p.ArrayEventID, 10),
			formatFloat(p.AltPrediction),
			formatFloat(p.AzPrediction),
			formatFloat(p.CoreXPrediction),
			formatFloat(p.CoreYPrediction),
		}
		if opts.HMax {
			rec = append(rec, formatFloat(p.HMaxPrediction))
		}
		for _, c := range opts.Extra {
			v, ok := c.Values[p.ArrayEventID]
			if !ok {
				rec = append(rec, "NaN")
				continue
			}
			rec = append(rec, formatFloat(v))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadPredictionsFile opens and parses a predictions table.
func ReadPredictionsFile(path string) ([]reco.Prediction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	preds, err := ReadPredictions(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return preds, nil
}

// ReadPredictions parses a table written by WritePredictions. Extra columns
// are ignored; h_max_prediction is NaN when absent.
func ReadPredictions(r io.Reader) ([]reco.Prediction, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty input")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	for _, name := range []string{ColArrayEventID, ColAltPrediction, ColAzPrediction, ColCoreXPrediction, ColCoreYPrediction} {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}
	hmaxIdx, hasHMax := index[ColHMaxPrediction]

	var preds []reco.Prediction
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		p := parser{rec: rec, index: index}
		pred := reco.Prediction{
			ArrayEventID:    p.int(ColArrayEventID),
			AltPrediction:   p.float(ColAltPrediction),
			AzPrediction:    p.float(ColAzPrediction),
			CoreXPrediction: p.float(ColCoreXPrediction),
			CoreYPrediction: p.float(ColCoreYPrediction),
			HMaxPrediction:  math.NaN(),
		}
		if hasHMax {
			pred.HMaxPrediction = p.floatAt(hmaxIdx, ColHMaxPrediction)
		}
		if p.err != nil {
			return nil, fmt.Errorf("line %d: %w", line, p.err)
		}
		preds = append(preds, pred)
	}
	return preds, nil
}
