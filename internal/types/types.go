// Package types holds the telemetry values shared by the browser-side agent and
// the aggregation server.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TabID identifies a browser tab for the lifetime of that tab. Browsers report
// numeric ids, CDP reports opaque strings; both decode into a TabID.
type TabID string

func (id *TabID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("tab id: %w", err)
		}
		*id = TabID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("tab id: %w", err)
	}
	*id = TabID(n.String())
	return nil
}

func (id TabID) String() string {
	return string(id)
}

// TabInfo describes the tab a CPU sample was taken from.
type TabInfo struct {
	TabID         TabID  `json:"tabId"`
	Title         string `json:"title,omitempty"`
	PID           int32  `json:"pid,omitempty"`
	OuterWindowID string `json:"outerWindowID,omitempty"`
}

// CPUSample is the CPU time (ns) a tab consumed during one sampling interval.
type CPUSample struct {
	CPUUsageDelta float64   `json:"cpuUsageDelta"`
	Timestamp     time.Time `json:"timestamp"`
}

// Timings are in milliseconds, as reported by HAR.
type Timings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
	Total   float64 `json:"total"`
}

// NetworkEntry is one completed request/response round trip.
type NetworkEntry struct {
	Method       string  `json:"method"`
	URL          string  `json:"url"`
	RequestSize  int64   `json:"requestSize"`
	ResponseSize int64   `json:"responseSize"`
	MimeType     string  `json:"mimeType"`
	Timings      Timings `json:"timings"`
}

// ParseWindowPID extracts the pid from window ids of the form "pid:<n>".
func ParseWindowPID(windowID string) (int32, bool) {
	const prefix = "pid:"
	if len(windowID) <= len(prefix) || windowID[:len(prefix)] != prefix {
		return 0, false
	}

	pid, err := strconv.ParseInt(windowID[len(prefix):], 10, 32)
	if err != nil {
		return 0, false
	}

	return int32(pid), true
}

// ProcessWindowID is the inverse of ParseWindowPID.
func ProcessWindowID(pid int32) string {
	return "pid:" + strconv.FormatInt(int64(pid), 10)
}
