// Package monitor renders training-run diagnostics from the metrics
// store: static PNG loss curves for quick inspection and an HTML report
// with interactive charts.
package monitor

import (
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/rotavision/rotadet/internal/loss"
	"github.com/rotavision/rotadet/internal/traindb"
)

// WriteLossCurves writes the run's loss and learning-rate curves as
// PNGs under dir. It creates the directory if needed and returns the
// written file paths.
func WriteLossCurves(dir, runID string, epochs []traindb.EpochPoint) ([]string, error) {
	if len(epochs) == 0 {
		return nil, fmt.Errorf("monitor: run %s has no epoch metrics", runID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	lossPts := make(plotter.XYs, len(epochs))
	lrPts := make(plotter.XYs, len(epochs))
	for i, e := range epochs {
		lossPts[i].X = float64(e.Epoch)
		lossPts[i].Y = e.MeanTotal
		lrPts[i].X = float64(e.Epoch)
		lrPts[i].Y = e.LR
	}

	var written []string
	lossFile := filepath.Join(dir, "loss.png")
	if err := saveLine(lossFile, "Training Loss", "epoch", "mean total loss",
		lossPts, color.RGBA{R: 220, G: 60, B: 60, A: 255}); err != nil {
		return nil, err
	}
	written = append(written, lossFile)

	lrFile := filepath.Join(dir, "lr.png")
	if err := saveLine(lrFile, "Learning Rate", "epoch", "lr",
		lrPts, color.RGBA{R: 60, G: 120, B: 220, A: 255}); err != nil {
		return nil, err
	}
	written = append(written, lrFile)
	return written, nil
}

// WriteTermCurves writes the per-term step-level loss breakdown as a
// single PNG under dir.
func WriteTermCurves(dir, runID string, steps []traindb.StepPoint) (string, error) {
	if len(steps) == 0 {
		return "", fmt.Errorf("monitor: run %s has no step metrics", runID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	p := plot.New()
	p.Title.Text = "Loss Terms"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())
	p.Legend.Top = true

	series := []struct {
		name  string
		value func(*loss.Terms) float64
		color color.RGBA
	}{
		{"class", func(t *loss.Terms) float64 { return t.Class }, color.RGBA{R: 220, G: 60, B: 60, A: 255}},
		{"iou", func(t *loss.Terms) float64 { return t.IoU }, color.RGBA{R: 60, G: 120, B: 220, A: 255}},
		{"angle", func(t *loss.Terms) float64 { return t.Angle }, color.RGBA{R: 60, G: 170, B: 90, A: 255}},
		{"dfl", func(t *loss.Terms) float64 { return t.DFL }, color.RGBA{R: 200, G: 150, B: 40, A: 255}},
	}
	for _, s := range series {
		pts := make(plotter.XYs, len(steps))
		for i := range steps {
			pts[i].X = float64(i)
			pts[i].Y = s.value(&steps[i].Terms)
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return "", fmt.Errorf("building %s series: %w", s.name, err)
		}
		line.Color = s.color
		p.Add(line)
		p.Legend.Add(s.name, line)
	}

	path := filepath.Join(dir, "terms.png")
	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return "", fmt.Errorf("saving %s: %w", path, err)
	}
	return path, nil
}

func saveLine(path, title, xLabel, yLabel string, pts plotter.XYs, c color.Color) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("building line for %s: %w", path, err)
	}
	line.Color = c
	p.Add(line, plotter.NewGrid())

	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}

// WriteReport renders an interactive HTML report for one run: the
// epoch loss curve, the learning-rate schedule and the per-term step
// breakdown.
func WriteReport(w io.Writer, runID string, epochs []traindb.EpochPoint, steps []traindb.StepPoint) error {
	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("Training Report %s", runID)

	if len(epochs) > 0 {
		page.AddCharts(epochChart(runID, epochs), lrChart(epochs))
	}
	if len(steps) > 0 {
		page.AddCharts(termChart(steps))
	}

	if err := page.Render(w); err != nil {
		return fmt.Errorf("rendering report for run %s: %w", runID, err)
	}
	return nil
}

func epochChart(runID string, epochs []traindb.EpochPoint) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Mean Total Loss", Subtitle: fmt.Sprintf("run=%s epochs=%d", runID, len(epochs))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "epoch"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "loss"}),
	)

	x := make([]string, len(epochs))
	y := make([]opts.LineData, len(epochs))
	for i, e := range epochs {
		x[i] = fmt.Sprintf("%d", e.Epoch)
		y[i] = opts.LineData{Value: e.MeanTotal}
	}
	line.SetXAxis(x).AddSeries("total", y)
	return line
}

func lrChart(epochs []traindb.EpochPoint) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Learning Rate"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "epoch"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "lr"}),
	)

	x := make([]string, len(epochs))
	y := make([]opts.LineData, len(epochs))
	for i, e := range epochs {
		x[i] = fmt.Sprintf("%d", e.Epoch)
		y[i] = opts.LineData{Value: e.LR}
	}
	line.SetXAxis(x).AddSeries("lr", y)
	return line
}

func termChart(steps []traindb.StepPoint) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Loss Terms", Subtitle: fmt.Sprintf("steps=%d", len(steps))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "step"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "loss"}),
	)

	x := make([]string, len(steps))
	cls := make([]opts.LineData, len(steps))
	iou := make([]opts.LineData, len(steps))
	angle := make([]opts.LineData, len(steps))
	for i, s := range steps {
		x[i] = fmt.Sprintf("%d", i)
		cls[i] = opts.LineData{Value: s.Terms.Class}
		iou[i] = opts.LineData{Value: s.Terms.IoU}
		angle[i] = opts.LineData{Value: s.Terms.Angle}
	}
	line.SetXAxis(x).
		AddSeries("class", cls).
		AddSeries("iou", iou).
		AddSeries("angle", angle)
	return line
}
