// Package render draws the sweep report as PNG charts.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"maps"
	"slices"
	"strconv"

	"github.com/ethpandaops/sweepoor/pkg/report"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/brewer"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

const (
	width  = 10 * vg.Inch
	height = 6 * vg.Inch

	secondsPerHour = 3600
)

var glyphs = []draw.GlyphDrawer{
	draw.CircleGlyph{},
	draw.BoxGlyph{},
	draw.TriangleGlyph{},
	draw.PyramidGlyph{},
	draw.RingGlyph{},
	draw.SquareGlyph{},
}

// Scaling renders wall time against node count on log-log axes, one line
// per group. Groups without data are listed in the legend only.
func Scaling(rep report.Report) ([]byte, error) {
	p := newPlot("VASP scaling performance", "Number of nodes", "Time (hours)")

	colors, err := paletteColors()
	if err != nil {
		return nil, err
	}

	kpointIdx := make(map[string]int, 4)
	nodes := make(map[int]struct{}, 8)
	yMin, yMax := 0.0, 0.0

	for i, series := range rep.OrderedSeries() {
		g := series.Group

		if _, ok := kpointIdx[g.KPoints]; !ok {
			kpointIdx[g.KPoints] = len(kpointIdx)
		}

		xys := make(plotter.XYs, 0, len(series.Points))
		for _, pt := range series.Points {
			if pt.WallTime <= 0 {
				continue
			}

			hours := pt.WallTime / secondsPerHour
			xys = append(xys, plotter.XY{X: float64(pt.Nodes), Y: hours})
			nodes[pt.Nodes] = struct{}{}

			if yMin == 0 || hours < yMin {
				yMin = hours
			}

			yMax = max(yMax, hours)
		}

		line, points, err := plotter.NewLinePoints(xys)
		if err != nil {
			return nil, fmt.Errorf("building series %s: %w", g, err)
		}

		c := colors[i%len(colors)]
		line.Color = c
		line.Width = vg.Points(1.5)
		points.Color = c
		points.Shape = glyphs[kpointIdx[g.KPoints]%len(glyphs)]
		points.Radius = vg.Points(3)

		if g.Device == sweep.DeviceGPU {
			line.Dashes = []vg.Length{vg.Points(6), vg.Points(3)}
		}

		if len(xys) == 0 {
			p.Legend.Add(g.String()+" (no data)", line, points)

			continue
		}

		p.Add(line, points)
		p.Legend.Add(g.String(), line, points)
	}

	if len(nodes) > 0 {
		ticks := make([]plot.Tick, 0, len(nodes))
		for _, n := range slices.Sorted(maps.Keys(nodes)) {
			ticks = append(ticks, plot.Tick{Value: float64(n), Label: strconv.Itoa(n)})
		}

		// Explicit ranges keep log axes away from zero for single points.
		p.X.Scale = plot.LogScale{}
		p.X.Tick.Marker = plot.ConstantTicks(ticks)
		p.X.Min = ticks[0].Value * 0.8
		p.X.Max = ticks[len(ticks)-1].Value * 1.25

		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
		p.Y.Min = yMin * 0.8
		p.Y.Max = yMax * 1.25
	} else {
		p.Title.Text += " (no data)"
	}

	return encode(p)
}

// Comparison renders grouped bars of each functional per (kpoints, device)
// at the report's comparison node count. Without any measurement it renders
// an empty chart titled "no data".
func Comparison(rep report.Report) ([]byte, error) {
	p := newPlot(
		fmt.Sprintf("Functional comparison at %d node(s)", rep.ComparisonNodes),
		"", "Time (hours)",
	)

	hasData := false
	for _, row := range rep.Comparison {
		if len(row.WallTimes) > 0 {
			hasData = true

			break
		}
	}

	if !hasData {
		p.Title.Text = "no data"

		return encode(p)
	}

	colors, err := paletteColors()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(rep.Comparison))
	for _, row := range rep.Comparison {
		names = append(names, string(row.Device)+" "+row.KPoints)
	}

	barWidth := vg.Points(20)
	spacing := vg.Points(2)
	groupWidth := (barWidth + spacing) * vg.Length(len(rep.Functionals)-1)

	for i, f := range rep.Functionals {
		values := make(plotter.Values, len(rep.Comparison))
		for j, row := range rep.Comparison {
			values[j] = row.WallTimes[f] / secondsPerHour
		}

		bars, err := plotter.NewBarChart(values, barWidth)
		if err != nil {
			return nil, fmt.Errorf("building bars for %s: %w", f, err)
		}

		bars.Color = colors[i%len(colors)]
		bars.LineStyle.Width = vg.Points(0.5)
		bars.Offset = (barWidth+spacing)*vg.Length(i) - groupWidth/2

		p.Add(bars)
		p.Legend.Add(string(f), bars)
	}

	p.NominalX(names...)

	return encode(p)
}

func newPlot(title, xLabel, yLabel string) *plot.Plot {
	p := plot.New()

	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.Padding = vg.Millimeter
	p.BackgroundColor = color.White

	p.Add(plotter.NewGrid())

	return p
}

func paletteColors() ([]color.Color, error) {
	pal, err := brewer.GetPalette(brewer.TypeQualitative, "Set1", 9)
	if err != nil {
		return nil, fmt.Errorf("loading palette: %w", err)
	}

	return pal.Colors(), nil
}

func encode(p *plot.Plot) ([]byte, error) {
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return nil, fmt.Errorf("creating png writer: %w", err)
	}

	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}

	return buf.Bytes(), nil
}
