package viz

import (
	"github.com/guptarohit/asciigraph"
)

// Default colors for history plots.
var (
	ColorMax  = asciigraph.Red
	ColorMean = asciigraph.Blue
	ColorMAE  = asciigraph.Green
)

// Series is one named line of a history plot.
type Series struct {
	Name   string
	Values []float64
	Color  asciigraph.AnsiColor
}

// PlotHistory draws one or more per-iteration series on a shared axis.
// Returns "" when there is nothing to draw.
func PlotHistory(caption string, series ...Series) string {
	var data [][]float64
	var colors []asciigraph.AnsiColor
	var names []string
	for _, s := range series {
		if len(s.Values) == 0 {
			continue
		}
		vals := s.Values
		if len(vals) == 1 {
			// a single point renders as a flat segment
			vals = []float64{vals[0], vals[0]}
		}
		data = append(data, vals)
		colors = append(colors, s.Color)
		names = append(names, s.Name)
	}
	if len(data) == 0 {
		return ""
	}
	return asciigraph.PlotMany(data,
		asciigraph.Height(10),
		asciigraph.Precision(1),
		asciigraph.SeriesColors(colors...),
		asciigraph.SeriesLegends(names...),
		asciigraph.Caption(caption),
	)
}
