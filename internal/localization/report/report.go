// Package report renders PNG summaries of a stored localization run.
package report

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
	"github.com/banshee-data/dynamic-localization/internal/localization/storage/sqlite"
	"github.com/banshee-data/dynamic-localization/internal/monitoring"
)

var logger = monitoring.For("report")

var (
	trajectoryColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	startColor      = color.RGBA{R: 53, G: 183, B: 121, A: 255}
	rmseColor       = color.RGBA{R: 68, G: 1, B: 84, A: 255}
	outlierColor    = color.RGBA{R: 255, G: 82, B: 82, A: 255}
)

// PlotTrajectory draws the XY path of the poses in map coordinates.
func PlotTrajectory(poses []geometry.Pose, path string) error {
	if len(poses) == 0 {
		return fmt.Errorf("report: no poses to plot")
	}
	pts := make(plotter.XYs, len(poses))
	for i, p := range poses {
		pts[i] = plotter.XY{X: p.Translation.X, Y: p.Translation.Y}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Trajectory (%d poses)", len(poses))
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = trajectoryColor
	line.Width = vg.Points(1.5)
	p.Add(line)
	p.Legend.Add("path", line)

	start, err := plotter.NewScatter(pts[:1])
	if err != nil {
		return err
	}
	start.Color = startColor
	start.Radius = vg.Points(4)
	p.Add(start)
	p.Legend.Add("start", start)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save trajectory plot: %w", err)
	}
	return nil
}

// PlotQuality draws inlier RMSE and outlier percentage against cycle index.
// Cycles that never reached outlier classification are skipped.
func PlotQuality(cycles []sqlite.CycleRecord, path string) error {
	rmse := make(plotter.XYs, 0, len(cycles))
	outliers := make(plotter.XYs, 0, len(cycles))
	for i, c := range cycles {
		if c.Inliers+c.Outliers == 0 {
			continue
		}
		if c.RMSE >= 0 {
			rmse = append(rmse, plotter.XY{X: float64(i), Y: c.RMSE})
		}
		if c.OutlierPercentage >= 0 {
			outliers = append(outliers, plotter.XY{X: float64(i), Y: 100 * c.OutlierPercentage})
		}
	}
	if len(rmse) == 0 && len(outliers) == 0 {
		return fmt.Errorf("report: no registered cycles to plot")
	}

	pRMSE := plot.New()
	pRMSE.Title.Text = "Inlier RMSE"
	pRMSE.X.Label.Text = "cycle"
	pRMSE.Y.Label.Text = "RMSE (m)"
	pOut := plot.New()
	pOut.Title.Text = "Outliers"
	pOut.X.Label.Text = "cycle"
	pOut.Y.Label.Text = "outliers (%)"

	for _, s := range []struct {
		p   *plot.Plot
		xys plotter.XYs
		c   color.Color
	}{{pRMSE, rmse, rmseColor}, {pOut, outliers, outlierColor}} {
		s.p.Add(plotter.NewGrid())
		if len(s.xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(s.xys)
		if err != nil {
			return err
		}
		line.Color = s.c
		line.Width = vg.Points(1)
		s.p.Add(line)
	}

	// Two stacked panels in one image.
	img := vgimg.New(14*vg.Inch, 8*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadX: vg.Millimeter, PadY: 4 * vg.Millimeter, PadTop: vg.Millimeter, PadBottom: vg.Millimeter}
	canvases := plot.Align([][]*plot.Plot{{pRMSE}, {pOut}}, tiles, dc)
	pRMSE.Draw(canvases[0][0])
	pOut.Draw(canvases[1][0])

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save quality plot: %w", err)
	}
	defer f.Close()
	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(f); err != nil {
		return fmt.Errorf("save quality plot: %w", err)
	}
	return f.Close()
}

// Summary aggregates a run's cycles.
type Summary struct {
	RunID         string                      `json:"run_id"`
	Cycles        int                         `json:"cycles"`
	Accepted      int                         `json:"accepted"`
	StatusCounts  map[localization.Status]int `json:"status_counts"`
	MeanRMSE      float64                     `json:"mean_rmse"`
	StdDevRMSE    float64                     `json:"stddev_rmse"`
	MeanOutliers  float64                     `json:"mean_outlier_pct"`
	MeanCycleMs   float64                     `json:"mean_cycle_ms"`
	MaxCycleMs    float64                     `json:"max_cycle_ms"`
	PathLength    float64                     `json:"path_length_m"`
	Trajectory    string                      `json:"trajectory_png,omitempty"`
	QualityReport string                      `json:"quality_png,omitempty"`
}

// Summarize computes run statistics over cycles and accepted poses.
func Summarize(runID string, cycles []sqlite.CycleRecord, poses []geometry.Pose) Summary {
	s := Summary{RunID: runID, Cycles: len(cycles), StatusCounts: make(map[localization.Status]int)}
	var rmse, outliers, durations []float64
	for _, c := range cycles {
		s.StatusCounts[c.Status]++
		if c.Status.Accepted() {
			s.Accepted++
			if c.RMSE >= 0 {
				rmse = append(rmse, c.RMSE)
			}
			if c.OutlierPercentage >= 0 {
				outliers = append(outliers, c.OutlierPercentage)
			}
		}
		if c.Status.Admitted() {
			durations = append(durations, c.DurationMs)
			if c.DurationMs > s.MaxCycleMs {
				s.MaxCycleMs = c.DurationMs
			}
		}
	}
	if len(rmse) > 0 {
		s.MeanRMSE, s.StdDevRMSE = stat.MeanStdDev(rmse, nil)
	}
	if len(outliers) > 0 {
		s.MeanOutliers = stat.Mean(outliers, nil)
	}
	if len(durations) > 0 {
		s.MeanCycleMs = stat.Mean(durations, nil)
	}
	for i := 1; i < len(poses); i++ {
		s.PathLength += geometry.TranslationDistance(poses[i-1], poses[i])
	}
	return s
}

// Generate writes trajectory.png and quality.png for runID into dir and
// returns the run summary. An empty runID selects the latest run.
func Generate(store *sqlite.Store, runID, dir string) (Summary, error) {
	if runID == "" {
		id, err := store.LatestRunID()
		if err != nil {
			return Summary{}, err
		}
		runID = id
	}
	cycles, err := store.RunCycles(runID)
	if err != nil {
		return Summary{}, err
	}
	records, err := store.AcceptedPoses(runID)
	if err != nil {
		return Summary{}, err
	}
	poses := make([]geometry.Pose, len(records))
	for i, r := range records {
		poses[i] = r.Pose.Pose
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Summary{}, err
	}
	s := Summarize(runID, cycles, poses)
	if len(poses) > 0 {
		s.Trajectory = filepath.Join(dir, "trajectory.png")
		if err := PlotTrajectory(poses, s.Trajectory); err != nil {
			return s, err
		}
	}
	s.QualityReport = filepath.Join(dir, "quality.png")
	if err := PlotQuality(cycles, s.QualityReport); err != nil {
		logger.Diagf("skipping quality plot for run %q: %v", runID, err)
		s.QualityReport = ""
	}
	return s, nil
}
