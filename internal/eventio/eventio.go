// Package eventio reads per-telescope moment tables and writes per-event
// predictions as CSV.
package eventio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"showerreco/internal/hillas"
)

// Column names of the input table.
const (
	ColArrayEventID          = "array_event_id"
	ColTelescopeID           = "telescope_id"
	ColIntensity             = "intensity"
	ColX                     = "x"
	ColY                     = "y"
	ColLength                = "length"
	ColWidth                 = "width"
	ColPsi                   = "psi"
	ColPointingAzimuth       = "pointing_azimuth"
	ColPointingAltitude      = "pointing_altitude"
	ColGammaPrediction       = "gamma_prediction"
	ColGammaEnergyPrediction = "gamma_energy_prediction"
)

var requiredColumns = []string{
	ColArrayEventID, ColTelescopeID, ColIntensity, ColX, ColY,
	ColLength, ColWidth, ColPsi, ColPointingAzimuth, ColPointingAltitude,
}

// ErrMissingColumn is returned when the header lacks a required column.
var ErrMissingColumn = errors.New("missing column")

// Row is one (array event, telescope) line of the input table. Optional
// classifier columns are NaN when absent.
type Row struct {
	ArrayEventID          int64
	TelescopeID           int64
	Moments               hillas.Moments
	Pointing              hillas.Pointing
	GammaPrediction       float64
	GammaEnergyPrediction float64
}

// Table is a parsed input file.
type Table struct {
	Rows      []Row
	HasGamma  bool
	HasEnergy bool
}

// ReadFile opens and parses path.
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Read parses a header-led CSV table. Columns may appear in any order and
// unknown columns are ignored. Empty numeric cells become NaN.
func Read(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
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
	for _, name := range requiredColumns {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}
	gammaIdx, hasGamma := index[ColGammaPrediction]
	energyIdx, hasEnergy := index[ColGammaEnergyPrediction]

	t := &Table{HasGamma: hasGamma, HasEnergy: hasEnergy}
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
		row := Row{
			ArrayEventID: p.int(ColArrayEventID),
			TelescopeID:  p.int(ColTelescopeID),
			Moments: hillas.Moments{
				Size:   p.float(ColIntensity),
				CenX:   p.float(ColX),
				CenY:   p.float(ColY),
				Length: p.float(ColLength),
				Width:  p.float(ColWidth),
				Psi:    p.float(ColPsi),
			},
			Pointing: hillas.Pointing{
				Azimuth:  p.float(ColPointingAzimuth),
				Altitude: p.float(ColPointingAltitude),
			},
			GammaPrediction:       math.NaN(),
			GammaEnergyPrediction: math.NaN(),
		}
		if hasGamma {
			row.GammaPrediction = p.floatAt(gammaIdx, ColGammaPrediction)
		}
		if hasEnergy {
			row.GammaEnergyPrediction = p.floatAt(energyIdx, ColGammaEnergyPrediction)
		}
		if p.err != nil {
			return nil, fmt.Errorf("line %d: %w", line, p.err)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Events groups rows by array event id, in ascending id order. A telescope
// listed twice for the same event keeps its last row.
func (t *Table) Events() []hillas.ArrayEvent {
	var events []hillas.ArrayEvent
	pos := make(map[int64]int)
	for _, row := range t.Rows {
		i, ok := pos[row.ArrayEventID]
		if !ok {
			i = len(events)
			pos[row.ArrayEventID] = i
			events = append(events, hillas.ArrayEvent{
				ID:           row.ArrayEventID,
				Observations: make(map[int64]hillas.Observation),
			})
		}
		events[i].Observations[row.TelescopeID] = hillas.Observation{Moments: row.Moments, Pointing: row.Pointing}
	}
	sort.Slice(events, func(a, b int) bool { return events[a].ID < events[b].ID })
	return events
}

type parser struct {
	rec   []string
	index map[string]int
	err   error
}

func (p *parser) cell(i int) string {
	if i >= len(p.rec) {
		return ""
	}
	return strings.TrimSpace(p.rec[i])
}

func (p *parser) int(name string) int64 {
	if p.err != nil {
		return 0
	}
	s := p.cell(p.index[name])
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// ids written by float-typed writers, e.g. "12.0"
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != math.Trunc(f) {
			p.err = fmt.Errorf("column %s: invalid integer %q", name, s)
			return 0
		}
		v = int64(f)
	}
	return v
}

func (p *parser) float(name string) float64 {
	return p.floatAt(p.index[name], name)
}

func (p *parser) floatAt(i int, name string) float64 {
	if p.err != nil {
		return 0
	}
	s := p.cell(i)
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = fmt.Errorf("column %s: invalid number %q", name, s)
		return 0
	}
	return v
}

// WriteRows writes rows in the input table layout.
func WriteRows(w io.Writer, rows []Row, withGamma, withEnergy bool) error {
	cw := csv.NewWriter(w)
	header := append([]string(nil), requiredColumns...)
	if withGamma {
		header = append(header, ColGammaPrediction)
	}
	if withEnergy {
		header = append(header, ColGammaEnergyPrediction)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			strconv.FormatInt(r.ArrayEventID, 10),
			strconv.FormatInt(r.TelescopeID, 10),
			formatFloat(r.Moments.Size),
			formatFloat(r.Moments.CenX),
			formatFloat(r.Moments.CenY),
			formatFloat(r.Moments.Length),
			formatFloat(r.Moments.Width),
			formatFloat(r.Moments.Psi),
			formatFloat(r.Pointing.Azimuth),
			formatFloat(r.Pointing.Altitude),
		}
		if withGamma {
			rec = append(rec, formatFloat(r.GammaPrediction))
		}
		if withEnergy {
			rec = append(rec, formatFloat(r.GammaEnergyPrediction))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
