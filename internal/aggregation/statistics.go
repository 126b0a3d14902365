package aggregation

import (
	"math"
	"slices"

	"github.com/aristosando/tabcarbon/internal/protocol"
	"github.com/aristosando/tabcarbon/internal/types"
)

// Median of values; even-length inputs average the two central elements.
// values is not modified.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}

	return sorted[mid]
}

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// StdDev is the population standard deviation.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	mean := Mean(values)

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}

	return math.Sqrt(sq / float64(len(values)))
}

func cpuStatistics(samples []types.CPUSample) protocol.TabStatistics {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.CPUUsageDelta
	}

	stats := protocol.TabStatistics{
		Median:      Median(values),
		Mean:        Mean(values),
		StdDev:      StdDev(values),
		Min:         slices.Min(values),
		Max:         slices.Max(values),
		SampleCount: len(values),
	}
	for _, v := range values {
		stats.TotalCPUTime += v
	}

	return stats
}

func addNetworkStatistics(stats *protocol.TabStatistics, entries []types.NetworkEntry, mimeCounts map[string]int) {
	for _, e := range entries {
		stats.RequestCount++
		stats.TotalRequestBytes += e.RequestSize
		stats.TotalResponseBytes += e.ResponseSize
		stats.TotalSendTime += e.Timings.Send
		stats.TotalWaitTime += e.Timings.Wait
		stats.TotalReceiveTime += e.Timings.Receive
		stats.TotalTime += e.Timings.Total
	}

	if stats.RequestCount > 0 {
		stats.AvgTimePerRequest = stats.TotalTime / float64(stats.RequestCount)
	}
	if stats.TotalTime > 0 {
		stats.BytesPerMs = float64(stats.TotalRequestBytes+stats.TotalResponseBytes) / stats.TotalTime
	}

	stats.DominantMimeType = dominant(mimeCounts)
}

// dominant returns the most frequent key; ties go to the lexicographically
// smallest one.
func dominant(counts map[string]int) string {
	best, bestCount := "", 0
	for k, n := range counts {
		if n > bestCount || (n == bestCount && k < best) {
			best, bestCount = k, n
		}
	}

	return best
}
