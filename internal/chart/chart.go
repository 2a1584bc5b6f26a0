// Package chart renders a bar chart of total taxable gains per tax
// year, a quick visual summary alongside the tabular output.
package chart

import (
	"fmt"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/uk-cgt/cgtcalc/internal/aggregator"
)

// GainsByYear renders a bar chart of each year's total capital gains and
// saves it as a PNG at path.
func GainsByYear(totals []aggregator.YearTotal, path string) error {
	sorted := make([]aggregator.YearTotal, len(totals))
	copy(sorted, totals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Year < sorted[j].Year })

	values := make(plotter.Values, len(sorted))
	labels := make([]string, len(sorted))
	for i, t := range sorted {
		f, _ := t.TotalCapitalGains.Float64()
		values[i] = f
		labels[i] = fmt.Sprintf("%d/%d", t.Year, (t.Year+1)%100)
	}

	p := plot.New()
	p.Title.Text = "Total chargeable gains by tax year"
	p.Y.Label.Text = "GBP"

	bars, err := plotter.NewBarChart(values, vg.Points(24))
	if err != nil {
		return fmt.Errorf("building bar chart: %w", err)
	}
	bars.LineStyle.Width = vg.Length(0)

	p.Add(bars)
	p.NominalX(labels...)

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("saving chart to %s: %w", path, err)
	}
	return nil
}
