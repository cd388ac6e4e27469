package results

import (
	"fmt"
	"image/color"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/deepdive/internal/refine"
)

var (
	solvedColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	truthColor  = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// PlotTrajectory renders the solved and reference paths in the horizontal
// plane as a PNG.
func PlotTrajectory(w io.Writer, traj []refine.TrajectoryPoint, title string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	solved := make(plotter.XYs, 0, len(traj))
	truth := make(plotter.XYs, 0, len(traj))
	for _, tp := range traj {
		solved = append(solved, plotter.XY{X: tp.Pose[0], Y: tp.Pose[1]})
		if tp.HasTruth {
			truth = append(truth, plotter.XY{X: tp.Truth[0], Y: tp.Truth[1]})
		}
	}

	if len(solved) > 0 {
		line, err := plotter.NewLine(solved)
		if err != nil {
			return fmt.Errorf("solved path: %w", err)
		}
		line.Color = solvedColor
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add("solved", line)
	}
	if len(truth) > 0 {
		line, err := plotter.NewLine(truth)
		if err != nil {
			return fmt.Errorf("truth path: %w", err)
		}
		line.Color = truthColor
		line.Width = vg.Points(1)
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		p.Legend.Add("truth", line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("render trajectory: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

var axisNames = [6]string{"x", "y", "z", "rx", "ry", "rz"}

// TrajectoryChart renders an interactive HTML chart of each pose component
// of the solved trajectory against the reference.
func TrajectoryChart(w io.Writer, traj []refine.TrajectoryPoint, title string) error {
	line := charts.NewLine()
	subtitle := fmt.Sprintf("epochs=%d", len(traj))
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "1200px", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)

	xs := make([]string, len(traj))
	var solved, truth [6][]opts.LineData
	if len(traj) > 0 {
		start := traj[0].Time
		for i, tp := range traj {
			xs[i] = strconv.FormatFloat(tp.Time.Sub(start).Seconds(), 'f', 2, 64)
			for a := 0; a < 6; a++ {
				solved[a] = append(solved[a], opts.LineData{Value: tp.Pose[a]})
				if tp.HasTruth {
					truth[a] = append(truth[a], opts.LineData{Value: tp.Truth[a]})
				} else {
					truth[a] = append(truth[a], opts.LineData{Value: "-"})
				}
			}
		}
	}
	line.SetXAxis(xs)
	for a := 0; a < 6; a++ {
		line.AddSeries(axisNames[a], solved[a])
		line.AddSeries("truth "+axisNames[a], truth[a])
	}
	return line.Render(w)
}
