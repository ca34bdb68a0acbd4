// Package report renders training curves as standalone HTML pages.
package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// DefaultWindow matches the agent's average-reward window.
const DefaultWindow = 100

// WriteRewardCurve renders per-episode rewards and their trailing mean over
// window episodes as an HTML line chart.
func WriteRewardCurve(w io.Writer, title string, rewards []float64, window int) error {
	if window <= 0 {
		window = DefaultWindow
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    title,
			Subtitle: fmt.Sprintf("%d episodes, trailing mean over %d", len(rewards), window),
		}),
		charts.WithInitializationOpts(opts.Initialization{
			Theme: "shine",
		}),
		charts.WithXAxisOpts(opts.XAxis{Name: "episode"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "reward"}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)

	episodes := make([]string, len(rewards))
	raw := make([]opts.LineData, len(rewards))
	mean := make([]opts.LineData, len(rewards))
	for i, r := range rewards {
		episodes[i] = strconv.Itoa(i + 1)
		raw[i] = opts.LineData{Value: r}
	}
	for i, m := range TrailingMean(rewards, window) {
		mean[i] = opts.LineData{Value: m}
	}

	line.SetXAxis(episodes).
		AddSeries("reward", raw).
		AddSeries("trailing mean", mean)

	page := components.NewPage()
	page.AddCharts(line)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("failed to render reward curve: %w", err)
	}
	return nil
}

// TrailingMean returns, for each index, the mean of the last window values
// up to and including it.
func TrailingMean(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		n := i + 1
		if n > window {
			n = window
		}
		out[i] = sum / float64(n)
	}
	return out
}
