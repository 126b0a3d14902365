package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/aristosando/tabcarbon/internal/types"
)

const ActionRequestFinished = "requestFinished"

// NetworkData reports one finished request of a tab.
type NetworkData struct {
	TabID   types.TabID `json:"tabId"`
	Action  string      `json:"action"`
	Metrics HAREntry    `json:"networkTransferMetrics"`
}

func (NetworkData) MessageType() Type { return TypeNetworkData }

// UnmarshalJSON also accepts the devtools panel form, where the HAR entry is a
// JSON string under "request".
func (n *NetworkData) UnmarshalJSON(data []byte) error {
	var raw struct {
		TabID   types.TabID     `json:"tabId"`
		Action  string          `json:"action"`
		Metrics json.RawMessage `json:"networkTransferMetrics"`
		Request *string         `json:"request"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	n.TabID = raw.TabID
	n.Action = raw.Action
	n.Metrics = HAREntry{}

	switch {
	case len(raw.Metrics) > 0 && string(raw.Metrics) != "null":
		if err := json.Unmarshal(raw.Metrics, &n.Metrics); err != nil {
			return fmt.Errorf("networkTransferMetrics: %w", err)
		}
	case raw.Request != nil:
		if err := json.Unmarshal([]byte(*raw.Request), &n.Metrics); err != nil {
			return fmt.Errorf("request: %w", err)
		}
	}

	return nil
}

// HAREntry is the subset of a HAR 1.2 entry the aggregation needs.
type HAREntry struct {
	StartedDateTime string      `json:"startedDateTime,omitempty"`
	Request         HARRequest  `json:"request"`
	Response        HARResponse `json:"response"`
	Timings         HARTimings  `json:"timings"`
	Time            float64     `json:"time"`
}

type HARRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	HTTPVersion string `json:"httpVersion,omitempty"`
	HeadersSize int64  `json:"headersSize"`
	BodySize    int64  `json:"bodySize"`
}

type HARResponse struct {
	Status      int        `json:"status"`
	HeadersSize int64      `json:"headersSize"`
	BodySize    int64      `json:"bodySize"`
	Content     HARContent `json:"content"`
}

type HARContent struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// HARTimings uses -1 for phases that do not apply.
type HARTimings struct {
	Blocked float64 `json:"blocked"`
	DNS     float64 `json:"dns"`
	Connect float64 `json:"connect"`
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
	SSL     float64 `json:"ssl"`
}

func (e HAREntry) ToNetworkEntry() types.NetworkEntry {
	responseBody := nonNegative(e.Response.BodySize)
	if responseBody == 0 {
		responseBody = nonNegative(e.Response.Content.Size)
	}

	timings := types.Timings{
		Send:    nonNegativeF(e.Timings.Send),
		Wait:    nonNegativeF(e.Timings.Wait),
		Receive: nonNegativeF(e.Timings.Receive),
		Total:   nonNegativeF(e.Time),
	}
	if timings.Total == 0 {
		timings.Total = nonNegativeF(e.Timings.Blocked) + nonNegativeF(e.Timings.DNS) +
			nonNegativeF(e.Timings.Connect) + timings.Send + timings.Wait + timings.Receive
	}

	return types.NetworkEntry{
		Method:       e.Request.Method,
		URL:          e.Request.URL,
		RequestSize:  nonNegative(e.Request.HeadersSize) + nonNegative(e.Request.BodySize),
		ResponseSize: nonNegative(e.Response.HeadersSize) + responseBody,
		MimeType:     e.Response.Content.MimeType,
		Timings:      timings,
	}
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func nonNegativeF(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
