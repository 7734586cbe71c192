// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"

	mg "github.com/erkkah/margaid"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// Names of the plot files written by SavePlots.
const (
	LossPlotFile     = "loss.png"
	AccuracyPlotFile = "accuracy.png"
	CurvesSVGFile    = "curves.svg"
)

// curve is one named series of (epoch, value) points.
type curve struct {
	name   string
	values func(e *EpochStats) float64
}

var (
	lossCurves = []curve{
		{"Train", func(e *EpochStats) float64 { return e.TrainLoss }},
		{"Test", func(e *EpochStats) float64 { return e.TestLoss }},
	}
	accuracyCurves = []curve{
		{"Train", func(e *EpochStats) float64 { return e.TrainAcc }},
		{"Test", func(e *EpochStats) float64 { return e.TestAcc }},
	}
)

// finite reports whether v can be plotted.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// numPoints returns the number of finite values of the curves.
func (s *Stats) numPoints(curves []curve) int {
	var n int
	for _, c := range curves {
		for _, e := range s.Epochs {
			if finite(c.values(e)) {
				n++
			}
		}
	}
	return n
}

// SavePlots draws the loss and accuracy curves per epoch into dir: two PNG files (LossPlotFile and
// AccuracyPlotFile) and one SVG with both (CurvesSVGFile).
//
// Values that are not available (NaN) or diverged (Inf) are left out of the curves.
func (s *Stats) SavePlots(dir string) error {
	if len(s.Epochs) == 0 {
		return errors.New("no epochs to plot")
	}
	if s.numPoints(lossCurves)+s.numPoints(accuracyCurves) == 0 {
		klog.Warningf("No finite loss or accuracy values to plot in %q", dir)
		return nil
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "creating plots directory %q", dir)
	}
	if err := s.savePNG(filepath.Join(dir, LossPlotFile), "Loss", lossCurves); err != nil {
		return err
	}
	if err := s.savePNG(filepath.Join(dir, AccuracyPlotFile), "Accuracy", accuracyCurves); err != nil {
		return err
	}
	svg, err := s.curvesSVG(640, 360)
	if err != nil {
		return err
	}
	filePath := filepath.Join(dir, CurvesSVGFile)
	return errors.Wrapf(os.WriteFile(filePath, []byte(svg), 0644), "writing %q", filePath)
}

func (s *Stats) savePNG(filePath, title string, curves []curve) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: %s", s.Model, title)
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = title
	p.Add(plotter.NewGrid())
	for ii, c := range curves {
		xys := make(plotter.XYs, 0, len(s.Epochs))
		for _, e := range s.Epochs {
			if v := c.values(e); finite(v) {
				xys = append(xys, plotter.XY{X: float64(e.Epoch), Y: v})
			}
		}
		if len(xys) == 0 {
			continue
		}
		line, points, err := plotter.NewLinePoints(xys)
		if err != nil {
			return errors.Wrapf(err, "plotting %s %s", c.name, title)
		}
		line.Color = plotutil.Color(ii)
		points.Color = plotutil.Color(ii)
		p.Add(line, points)
		p.Legend.Add(c.name, line, points)
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "saving plot to %q", filePath)
	}
	return nil
}

// curvesSVG renders the test accuracy and the train and test losses in one SVG diagram.
func (s *Stats) curvesSVG(width, height int) (string, error) {
	var allSeries []*mg.Series
	allPoints := mg.NewSeries()
	add := func(name string, values func(e *EpochStats) float64) {
		series := mg.NewSeries(mg.Titled(name))
		var numValues int
		for _, e := range s.Epochs {
			if y := values(e); finite(y) {
				v := mg.MakeValue(float64(e.Epoch), y)
				series.Add(v)
				allPoints.Add(v)
				numValues++
			}
		}
		if numValues > 0 {
			allSeries = append(allSeries, series)
		}
	}
	for _, c := range lossCurves {
		add(c.name+" loss", c.values)
	}
	for _, c := range accuracyCurves {
		add(c.name+" accuracy", c.values)
	}

	diagram := mg.New(width, height,
		mg.WithAutorange(mg.XAxis, allSeries...),
		mg.WithProjection(mg.XAxis, mg.Lin),
		mg.WithAutorange(mg.YAxis, allSeries...),
		mg.WithProjection(mg.YAxis, mg.Lin),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, series := range allSeries {
		diagram.Line(series, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Epochs")
	diagram.Axis(allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, "")
	diagram.Frame()
	diagram.Title(s.Model)
	diagram.Legend(mg.BottomLeft)
	buf := bytes.NewBuffer(nil)
	if err := diagram.Render(buf); err != nil {
		return "", errors.Wrapf(err, "failed to render curves of %q", s.Model)
	}
	return buf.String(), nil
}
