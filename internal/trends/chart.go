package trends

import (
	"bytes"
	"fmt"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// RenderChart draws a trend's history as a standalone HTML line chart, with
// min/max mark points and dashed lines at the reference bounds.
func RenderChart(t Trend) ([]byte, error) {
	if len(t.DataPoints) == 0 {
		return nil, fmt.Errorf("render chart: %s has no data points", t.Parameter)
	}

	xAxis := make([]string, 0, len(t.DataPoints))
	yData := make([]opts.LineData, 0, len(t.DataPoints))
	for _, p := range t.DataPoints {
		xAxis = append(xAxis, p.Date.Format("Jan 2, 2006"))
		yData = append(yData, opts.LineData{Value: p.Value, Name: string(p.Status)})
	}

	yAxis := opts.YAxis{Name: t.Unit}
	if t.Range.Low != nil && t.Range.High != nil {
		// keep both reference lines and every point in view
		lo, hi := *t.Range.Low, *t.Range.High
		pad := (hi - lo) * 0.1
		yAxis.Min = min(lo-pad, t.Stats.Min)
		yAxis.Max = max(hi+pad, t.Stats.Max)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    t.Parameter,
			Subtitle: fmt.Sprintf("%s, %+.1f%%", t.Direction, t.ChangePercent),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithYAxisOpts(yAxis),
	)

	seriesOpts := []charts.SeriesOpts{
		charts.WithLineChartOpts(opts.LineChart{
			Smooth:     opts.Bool(true),
			ShowSymbol: opts.Bool(true),
		}),
		charts.WithMarkPointNameTypeItemOpts(
			opts.MarkPointNameTypeItem{Name: "Max", Type: "max"},
			opts.MarkPointNameTypeItem{Name: "Min", Type: "min"},
		),
	}

	var refLines []interface{}
	if t.Range.Low != nil {
		refLines = append(refLines, opts.MarkLineNameYAxisItem{Name: "Ref Low", YAxis: *t.Range.Low})
	}
	if t.Range.High != nil {
		refLines = append(refLines, opts.MarkLineNameYAxisItem{Name: "Ref High", YAxis: *t.Range.High})
	}
	if len(refLines) > 0 {
		seriesOpts = append(seriesOpts, func(s *charts.SingleSeries) {
			s.MarkLines = &opts.MarkLines{
				Data: refLines,
				MarkLineStyle: opts.MarkLineStyle{
					Symbol: []string{"none", "none"},
					LineStyle: &opts.LineStyle{
						Color: "rgba(128, 128, 128, 0.6)",
						Type:  "dashed",
						Width: 1.5,
					},
				},
			}
		})
	}

	line.SetXAxis(xAxis).
		AddSeries(t.Parameter, yData).
		SetSeriesOptions(seriesOpts...)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		return nil, fmt.Errorf("render chart: %w", err)
	}
	return buf.Bytes(), nil
}
