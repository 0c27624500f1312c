// Package report renders reconstructed predictions: an interactive sky map
// (HTML) and a ground map of core positions (PNG).
package report

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"showerreco/internal/instrument"
	"showerreco/internal/reco"
)

// File names written by Render.
const (
	SkyMapFile  = "skymap.html"
	CoreMapFile = "cores.png"
)

// ErrNoPredictions is returned when none of the predictions is finite.
var ErrNoPredictions = errors.New("no reconstructed events to plot")

const deg = 180 / math.Pi

// SkyMap writes an HTML scatter of reconstructed directions, azimuth against
// zenith distance in degrees.
func SkyMap(w io.Writer, title string, preds []reco.Prediction) error {
	data := make([]opts.ScatterData, 0, len(preds))
	for _, p := range preds {
		if !finite(p.AltPrediction, p.AzPrediction) {
			continue
		}
		data = append(data, opts.ScatterData{
			Value: []interface{}{p.AzPrediction * deg, p.AltPrediction * deg, p.ArrayEventID},
		})
	}
	if len(data) == 0 {
		return ErrNoPredictions
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Shower directions", Width: "900px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("events=%d of %d", len(data), len(preds))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "azimuth (deg)", NameLocation: "middle", NameGap: 25, Min: "dataMin", Max: "dataMax"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "zenith distance (deg)", NameLocation: "middle", NameGap: 35, Min: "dataMin", Max: "dataMax"}),
	)
	scatter.AddSeries("events", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))
	return scatter.Render(w)
}

// CorePlot builds the ground map of reconstructed cores, with telescope
// positions when inst is not nil.
func CorePlot(title string, preds []reco.Prediction, inst *instrument.Subarray) (*plot.Plot, error) {
	pts := make(plotter.XYs, 0, len(preds))
	for _, p := range preds {
		if !finite(p.CoreXPrediction, p.CoreYPrediction) {
			continue
		}
		pts = append(pts, plotter.XY{X: p.CoreXPrediction, Y: p.CoreYPrediction})
	}
	if len(pts) == 0 {
		return nil, ErrNoPredictions
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "x, north (m)"
	p.Y.Label.Text = "y, west (m)"
	p.Add(plotter.NewGrid())

	cores, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, fmt.Errorf("core scatter: %w", err)
	}
	cores.GlyphStyle.Radius = vg.Points(1.5)
	cores.GlyphStyle.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	p.Add(cores)
	p.Legend.Add("cores", cores)

	if inst != nil && inst.Len() > 0 {
		tels := make(plotter.XYs, 0, inst.Len())
		for _, id := range inst.IDs() {
			t, _ := inst.Telescope(id)
			tels = append(tels, plotter.XY{X: t.Position[0], Y: t.Position[1]})
		}
		ts, err := plotter.NewScatter(tels)
		if err != nil {
			return nil, fmt.Errorf("telescope scatter: %w", err)
		}
		ts.GlyphStyle.Shape = draw.TriangleGlyph{}
		ts.GlyphStyle.Radius = vg.Points(4)
		ts.GlyphStyle.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
		p.Add(ts)
		p.Legend.Add("telescopes", ts)
	}
	return p, nil
}

// CoreMap writes the core plot as PNG to w.
func CoreMap(w io.Writer, title string, preds []reco.Prediction, inst *instrument.Subarray) error {
	p, err := CorePlot(title, preds, inst)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// Render writes SkyMapFile and CoreMapFile into dir and returns their paths.
func Render(dir, title string, preds []reco.Prediction, inst *instrument.Subarray) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var sky bytes.Buffer
	if err := SkyMap(&sky, title, preds); err != nil {
		return nil, err
	}
	skyPath := filepath.Join(dir, SkyMapFile)
	if err := os.WriteFile(skyPath, sky.Bytes(), 0o644); err != nil {
		return nil, err
	}

	p, err := CorePlot(title, preds, inst)
	if err != nil {
		return nil, err
	}
	corePath := filepath.Join(dir, CoreMapFile)
	if err := p.Save(8*vg.Inch, 8*vg.Inch, corePath); err != nil {
		return nil, fmt.Errorf("save core map: %w", err)
	}
	return []string{skyPath, corePath}, nil
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
