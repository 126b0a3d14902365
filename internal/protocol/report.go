package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/aristosando/tabcarbon/internal/types"
)

// TabStatistics summarises one tab's CPU samples and network round trips.
type TabStatistics struct {
	Title        string  `json:"title,omitempty"`
	Median       float64 `json:"median"`
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"stddev"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	SampleCount  int     `json:"sampleCount"`
	TotalCPUTime float64 `json:"totalCpuTime"`

	RequestCount       int     `json:"requestCount"`
	TotalRequestBytes  int64   `json:"totalRequestSize"`
	TotalResponseBytes int64   `json:"totalResponseSize"`
	TotalSendTime      float64 `json:"totalSendTime"`
	TotalWaitTime      float64 `json:"totalWaitTime"`
	TotalReceiveTime   float64 `json:"totalReceiveTime"`
	TotalTime          float64 `json:"totalTime"`
	AvgTimePerRequest  float64 `json:"avgTimePerRequest"`
	BytesPerMs         float64 `json:"bytesPerMs"`
	DominantMimeType   string  `json:"dominantMimeType,omitempty"`
}

// EmissionReport is recomputed on every request and never stored.
type EmissionReport struct {
	Actual      float64            `json:"actual"`
	PerRegion   map[string]float64 `json:"perRegion"`
	Unit        string             `json:"unit,omitempty"`
	Unavailable bool               `json:"unavailable,omitempty"`
	Stale       bool               `json:"stale,omitempty"`
}

type Emissions struct {
	Device  EmissionReport `json:"device"`
	Network EmissionReport `json:"network"`
}

type Section[T any] struct {
	Payload T `json:"payload"`
}

// FinalReport is sent once, in reply to PREPARE_TO_CLOSE.
type FinalReport struct {
	AggregatedCPUUsage Section[map[types.TabID]TabStatistics] `json:"AGGREGATED_CPU_USAGE"`
	CO2Emissions       Section[Emissions]                     `json:"CO2_EMISSIONS"`
}

// Inbound is a server-to-client frame: either a plain acknowledgement or the
// final report.
type Inbound struct {
	Ack    string
	Report *FinalReport
}

func ParseInbound(data []byte) Inbound {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err == nil {
			if _, ok := probe["AGGREGATED_CPU_USAGE"]; ok {
				var report FinalReport
				if err := json.Unmarshal(trimmed, &report); err == nil {
					return Inbound{Report: &report}
				}
			}
		}
	}

	return Inbound{Ack: string(data)}
}
