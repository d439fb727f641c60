package monitor

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/cogip/shmlidar/internal/lidar"
)

// PlotSize is the side of the square scan plots.
const PlotSize = 8 * vg.Inch

// ScanXYs converts points to sensor-frame Cartesian coordinates in metres.
func ScanXYs(points []lidar.Point) plotter.XYs {
	xys := make(plotter.XYs, 0, len(points))
	for _, p := range points {
		if p.Range <= 0 {
			continue
		}
		x, y := lidar.PolarToCartesian(p.Range/1000.0, p.Angle)
		xys = append(xys, plotter.XY{X: x, Y: y})
	}
	return xys
}

// NewScanPlot builds a square scatter plot of a rotation seen from above,
// with the sensor at the origin.
func NewScanPlot(points []lidar.Point, title string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	xys := ScanXYs(points)
	if len(xys) > 0 {
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return nil, fmt.Errorf("scatter: %w", err)
		}
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(1.5)
		sc.GlyphStyle.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
		p.Add(sc)
	}

	origin, err := plotter.NewScatter(plotter.XYs{{X: 0, Y: 0}})
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	origin.GlyphStyle.Shape = draw.CrossGlyph{}
	origin.GlyphStyle.Radius = vg.Points(4)
	origin.GlyphStyle.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	p.Add(origin)

	// Symmetric axes keep the aspect ratio of the room.
	limit := 1.0
	for _, xy := range xys {
		limit = max(limit, abs(xy.X)*1.05, abs(xy.Y)*1.05)
	}
	p.X.Min, p.X.Max = -limit, limit
	p.Y.Min, p.Y.Max = -limit, limit
	return p, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// WriteScanPNG renders a rotation as a PNG image to w.
func WriteScanPNG(w io.Writer, points []lidar.Point, title string) error {
	p, err := NewScanPlot(points, title)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(PlotSize, PlotSize, "png")
	if err != nil {
		return fmt.Errorf("png writer: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// SaveScanPNG renders a rotation to a PNG file.
func SaveScanPNG(path string, points []lidar.Point, title string) error {
	p, err := NewScanPlot(points, title)
	if err != nil {
		return err
	}
	if err := p.Save(PlotSize, PlotSize, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}
