package monitor

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/cogip/shmlidar/internal/lidar"
)

// RenderPolarHTML writes an echarts page plotting points seen from above,
// coloured by intensity. maxPoints bounds the payload by striding.
func RenderPolarHTML(w io.Writer, points []lidar.Point, subtitle string, maxPoints int) error {
	stride := 1
	if maxPoints > 0 && len(points) > maxPoints {
		stride = int(math.Ceil(float64(len(points)) / float64(maxPoints)))
	}

	data := make([]opts.ScatterData, 0, len(points)/stride+1)
	maxAbs := 0.0
	maxIntensity := 0.0
	for i := 0; i < len(points); i += stride {
		p := points[i]
		if p.Range <= 0 {
			continue
		}
		x, y := lidar.PolarToCartesian(p.Range, p.Angle)
		maxAbs = max(maxAbs, math.Abs(x), math.Abs(y))
		maxIntensity = max(maxIntensity, p.Intensity)
		data = append(data, opts.ScatterData{Value: []interface{}{x, y, p.Intensity}})
	}

	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}
	if maxIntensity == 0 {
		maxIntensity = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Lidar scan", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Last published scan", Subtitle: fmt.Sprintf("%s points=%d stride=%d", subtitle, len(data), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (mm)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (mm)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxIntensity),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#3e4989", "#26828e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries("scan", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	return scatter.Render(w)
}
