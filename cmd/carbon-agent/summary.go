package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/aristosando/tabcarbon/internal/protocol"
	"github.com/aristosando/tabcarbon/internal/types"
	"github.com/aristosando/tabcarbon/internal/workload"
)

func printScenarios(w io.Writer, scenarios []workload.Scenario) {
	fmt.Fprintln(w, "Available scenarios:")
	for _, name := range workload.Names(scenarios) {
		fmt.Fprintf(w, "  - %s\n", name)
	}
}

func printSummary(w io.Writer, results []*workload.Result, report *protocol.FinalReport) {
	fmt.Fprintln(w, "=== Scenario Summary ===")
	fmt.Fprintln(w)

	for _, r := range results {
		fmt.Fprintf(w, "Scenario: %s\n", r.Scenario)
		fmt.Fprintf(w, "  Duration: %v\n", r.Duration().Round(time.Millisecond))
		fmt.Fprintf(w, "  Success: %v\n", r.Success)
		if r.Error != nil {
			fmt.Fprintf(w, "  Error: %v\n", r.Error)
		}

		if len(r.Metrics) > 0 {
			fmt.Fprintln(w, "  Metrics:")
			for _, key := range sortedKeys(r.Metrics) {
				fmt.Fprintf(w, "    %s: %v\n", key, r.Metrics[key])
			}
		}
		fmt.Fprintln(w)
	}

	if report == nil {
		fmt.Fprintln(w, "No final report received.")
		return
	}

	fmt.Fprintln(w, "=== Tabs ===")
	fmt.Fprintln(w)

	stats := report.AggregatedCPUUsage.Payload
	ids := make([]types.TabID, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		s := stats[id]
		title := s.Title
		if title == "" {
			title = string(id)
		}

		fmt.Fprintf(w, "Tab: %s\n", title)
		fmt.Fprintf(w, "  CPU samples: %d, total %v, median %v\n",
			s.SampleCount, nanos(s.TotalCPUTime), nanos(s.Median))
		if s.RequestCount > 0 {
			fmt.Fprintf(w, "  Requests: %s, sent %s, received %s\n",
				humanize.Comma(int64(s.RequestCount)),
				humanize.Bytes(uint64(s.TotalRequestBytes)),
				humanize.Bytes(uint64(s.TotalResponseBytes)),
			)
			if s.DominantMimeType != "" {
				fmt.Fprintf(w, "  Mostly: %s\n", s.DominantMimeType)
			}
		}
		fmt.Fprintln(w)
	}

	emissions := report.CO2Emissions.Payload
	fmt.Fprintln(w, "=== Emissions ===")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Device: %s\n", emission(emissions.Device))
	fmt.Fprintf(w, "Network: %s\n", emission(emissions.Network))
}

func nanos(v float64) time.Duration {
	return time.Duration(v).Round(time.Microsecond)
}

func emission(e protocol.EmissionReport) string {
	if e.Unavailable {
		return "unavailable"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", humanize.FormatFloat("#,###.####", e.Actual), e.Unit)
	if e.Stale {
		b.WriteString(" (stale)")
	}

	regions := make([]string, 0, len(e.PerRegion))
	for region := range e.PerRegion {
		regions = append(regions, region)
	}
	slices.Sort(regions)
	for _, region := range regions {
		fmt.Fprintf(&b, "\n  %s: %s", region, humanize.FormatFloat("#,###.####", e.PerRegion[region]))
	}

	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
