package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristosando/tabcarbon/internal/protocol"
	"github.com/aristosando/tabcarbon/internal/types"
	"github.com/aristosando/tabcarbon/internal/workload"
)

func TestParseFlags(t *testing.T) {
	f, err := parseFlags([]string{"--headless", "--host=process", "--scenario", "idle,motionmark", "--duration", "30s", "--", "--window-size=800,600", "mute-audio"})
	require.NoError(t, err)

	assert.True(t, f.headless)
	assert.Equal(t, "process", f.hostKind)
	assert.Equal(t, "idle,motionmark", f.include)
	assert.Equal(t, 30*time.Second, f.duration)
	assert.Equal(t, []string{"--window-size=800,600", "mute-audio"}, f.chrome)
}

func TestParseFlags_Defaults(t *testing.T) {
	f, err := parseFlags(nil)
	require.NoError(t, err)

	assert.Equal(t, "chrome", f.hostKind)
	assert.Equal(t, "idle", f.include)
	assert.Equal(t, workload.DefaultDuration, f.duration)
	assert.Empty(t, f.chrome)
}

func TestParseFlags_RejectsUnknownHost(t *testing.T) {
	_, err := parseFlags([]string{"--host=firefox"})
	require.Error(t, err)
}

func TestChromeOptions_AppendsExtraFlags(t *testing.T) {
	base := len(chromeOptions(false, nil))

	assert.Len(t, chromeOptions(true, []string{"--window-size=800,600", "mute-audio"}), base+2)
}

func TestPrintScenarios(t *testing.T) {
	var out bytes.Buffer
	printScenarios(&out, workload.All(workload.Options{}))

	assert.Contains(t, out.String(), "  - idle\n")
	assert.Contains(t, out.String(), "  - random-navigate\n")
}

func TestPrintSummary(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	results := []*workload.Result{
		{Scenario: "idle", StartTime: start, EndTime: start.Add(time.Minute), Success: true, Metrics: map[string]any{"title": "Uxntal"}},
		{Scenario: "motionmark", StartTime: start, EndTime: start, Error: errors.New("page crashed")},
	}
	report := &protocol.FinalReport{
		AggregatedCPUUsage: protocol.Section[map[types.TabID]protocol.TabStatistics]{
			Payload: map[types.TabID]protocol.TabStatistics{
				"T1": {
					Title:              "Uxntal",
					SampleCount:        3,
					TotalCPUTime:       6e9,
					Median:             2e9,
					RequestCount:       1200,
					TotalResponseBytes: 2_500_000,
					DominantMimeType:   "text/html",
				},
			},
		},
		CO2Emissions: protocol.Section[protocol.Emissions]{
			Payload: protocol.Emissions{
				Device:  protocol.EmissionReport{Actual: 1234.5, Unit: "mgCO2", PerRegion: map[string]float64{"London": 1000}},
				Network: protocol.EmissionReport{Unavailable: true},
			},
		},
	}

	var out bytes.Buffer
	printSummary(&out, results, report)
	text := out.String()

	assert.Contains(t, text, "Scenario: idle\n  Duration: 1m0s\n  Success: true\n")
	assert.Contains(t, text, "    title: Uxntal\n")
	assert.Contains(t, text, "  Error: page crashed\n")
	assert.Contains(t, text, "Tab: Uxntal\n  CPU samples: 3, total 6s, median 2s\n")
	assert.Contains(t, text, "Requests: 1,200, sent 0 B, received 2.5 MB")
	assert.Contains(t, text, "Device: 1,234.5000 mgCO2\n  London: 1,000.0000")
	assert.Contains(t, text, "Network: unavailable")
}

func TestPrintSummary_WithoutReport(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, nil, nil)

	assert.Contains(t, out.String(), "No final report received.")
}
