package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/dynamic-localization/internal/httputil"
	"github.com/banshee-data/dynamic-localization/internal/localization"
)

// EchartsAssetsHost serves the echarts javascript. Point it at a local copy
// on robots without internet access.
var EchartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// missing renders as a gap in echarts line series.
const missing = "-"

func (ws *WebServer) handleCharts(w http.ResponseWriter, r *http.Request) {
	if ws.recorder == nil {
		httputil.ServiceUnavailable(w, "no recorder attached")
		return
	}
	records := ws.recorder.Records()
	if len(records) == 0 {
		httputil.NotFound(w, "no diagnostics recorded yet")
		return
	}

	page := components.NewPage()
	page.SetAssetsHost(EchartsAssetsHost)
	page.PageTitle = "Localization"
	page.AddCharts(qualityChart(records), modeChart(records), statusChart(records))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func cycleAxis(records []localization.Diagnostics) []string {
	x := make([]string, len(records))
	for i, d := range records {
		x[i] = d.CycleTime.Format("15:04:05.000")
	}
	return x
}

// qualityChart plots inlier RMSE and outlier percentage of every cycle
// that got as far as outlier classification.
func qualityChart(records []localization.Diagnostics) *charts.Line {
	rmse := make([]opts.LineData, len(records))
	outliers := make([]opts.LineData, len(records))
	for i, d := range records {
		rmse[i] = opts.LineData{Value: missing}
		outliers[i] = opts.LineData{Value: missing}
		if d.Inliers+d.Outliers == 0 {
			continue
		}
		if d.InlierRMSE >= 0 {
			rmse[i] = opts.LineData{Value: d.InlierRMSE}
		}
		if d.OutlierPercentage >= 0 {
			outliers[i] = opts.LineData{Value: 100 * d.OutlierPercentage}
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: EchartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Registration quality", Subtitle: fmt.Sprintf("%d cycles", len(records))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(cycleAxis(records)).
		AddSeries("inlier RMSE (m)", rmse).
		AddSeries("outliers (%)", outliers)
	return line
}

// modeChart is a timeline of the tracking mode: 0 initial, 1 tracking,
// 2 recovery.
func modeChart(records []localization.Diagnostics) *charts.Scatter {
	index := make(map[localization.TrackingMode]int)
	names := make([]string, 0, 3)
	for i, m := range localization.Modes() {
		index[m] = i
		names = append(names, strconv.Itoa(i)+"="+string(m))
	}

	x := cycleAxis(records)
	accepted := make([]opts.ScatterData, 0, len(records))
	other := make([]opts.ScatterData, 0, len(records))
	for i, d := range records {
		m, ok := index[d.Mode]
		if !ok {
			continue
		}
		p := opts.ScatterData{Value: []interface{}{x[i], m, string(d.Status)}}
		if d.Status.Accepted() {
			accepted = append(accepted, p)
		} else {
			other = append(other, p)
		}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "260px", AssetsHost: EchartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Tracking mode", Subtitle: fmt.Sprint(names)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 2, Name: "mode"}),
	)
	scatter.SetXAxis(x).
		AddSeries("accepted", accepted, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}), charts.WithItemStyleOpts(opts.ItemStyle{Color: "#35b779"})).
		AddSeries("not accepted", other, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}), charts.WithItemStyleOpts(opts.ItemStyle{Color: "#ff5252"}))
	return scatter
}

// statusChart counts the recorded statuses.
func statusChart(records []localization.Diagnostics) *charts.Bar {
	counts := make(map[localization.Status]int)
	for _, d := range records {
		counts[d.Status]++
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	y := make([]opts.BarData, len(statuses))
	for i, s := range statuses {
		y[i] = opts.BarData{Value: counts[localization.Status(s)]}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px", AssetsHost: EchartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Statuses"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(statuses).
		AddSeries("cycles", y, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))
	return bar
}
