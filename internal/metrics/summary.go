package metrics

import (
	"github.com/montanaflynn/stats"

	"github.com/ternarybob/scrutor/internal/cache"
)

// FanoutSummary condenses the recent fan-out telemetry into percentiles
// for the status endpoint.
type FanoutSummary struct {
	Samples    int     `json:"samples"`
	BytesP50   float64 `json:"bytes_p50"`
	BytesP95   float64 `json:"bytes_p95"`
	BytesP99   float64 `json:"bytes_p99"`
	SecondsP50 float64 `json:"seconds_p50"`
	SecondsP95 float64 `json:"seconds_p95"`
	SecondsP99 float64 `json:"seconds_p99"`
}

// Summarize computes payload size and handling time percentiles over the
// retained telemetry window. An empty window yields a zero summary.
func Summarize(samples []cache.TimeBytesSample) FanoutSummary {
	out := FanoutSummary{Samples: len(samples)}
	if len(samples) == 0 {
		return out
	}

	sizes := make(stats.Float64Data, len(samples))
	times := make(stats.Float64Data, len(samples))
	for i, s := range samples {
		sizes[i] = float64(s.Bytes)
		times[i] = s.Seconds
	}

	out.BytesP50, _ = stats.Median(sizes)
	out.BytesP95, _ = stats.Percentile(sizes, 95)
	out.BytesP99, _ = stats.Percentile(sizes, 99)
	out.SecondsP50, _ = stats.Median(times)
	out.SecondsP95, _ = stats.Percentile(times, 95)
	out.SecondsP99, _ = stats.Percentile(times, 99)
	return out
}
