// Package protocol defines the JSON messages exchanged between tabs, the agent
// and the aggregation server. Every frame is an envelope {type, from?, payload}
// whose payload shape is fixed by its type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristosando/tabcarbon/internal/types"
)

type Type string

const (
	TypeCPUUsage             Type = "CPU_USAGE"
	TypeNetworkData          Type = "NETWORK_DATA"
	TypePrepareToClose       Type = "PREPARE_TO_CLOSE"
	TypeTrackingState        Type = "TRACKING_STATE"
	TypeToggleTracking       Type = "TOGGLE_TRACKING"
	TypeRequestTrackingState Type = "REQUEST_TRACKING_STATE"
	TypeReport               Type = "REPORT"
)

type Source string

const (
	FromBackground Source = "background"
	FromContent    Source = "content"
	FromSidebar    Source = "sidebar"
	FromDevtools   Source = "devtools"
)

var ErrUnknownType = errors.New("unknown message type")

// Payload is implemented by every message body.
type Payload interface {
	MessageType() Type
}

// CPUUsage carries one sampler tick. Timestamp is the tick time in Unix
// milliseconds; zero when the sender did not set it.
type CPUUsage struct {
	TabInfo   types.TabInfo `json:"tabInfo"`
	CPUUsage  float64       `json:"cpuUsage"`
	Timestamp int64         `json:"timestamp,omitempty"`
}

func (CPUUsage) MessageType() Type { return TypeCPUUsage }

// SampledAt returns the tick time, or fallback when none was sent.
func (c CPUUsage) SampledAt(fallback time.Time) time.Time {
	if c.Timestamp <= 0 {
		return fallback
	}
	return time.UnixMilli(c.Timestamp)
}

type PrepareToClose struct{}

func (PrepareToClose) MessageType() Type { return TypePrepareToClose }

type TrackingState struct {
	State bool `json:"state"`
}

func (TrackingState) MessageType() Type { return TypeTrackingState }

type ToggleTracking struct {
	Enabled bool `json:"enabled"`
}

func (ToggleTracking) MessageType() Type { return TypeToggleTracking }

type RequestTrackingState struct{}

func (RequestTrackingState) MessageType() Type { return TypeRequestTrackingState }

// Report carries the server's final report back to tabs and panels.
type Report struct {
	FinalReport
}

func (Report) MessageType() Type { return TypeReport }

type Message struct {
	From    Source
	Payload Payload
}

func New(from Source, payload Payload) Message {
	return Message{From: from, Payload: payload}
}

func (m Message) Type() Type {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.MessageType()
}

type envelope struct {
	Type    Type            `json:"type"`
	From    Source          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, errors.New("message has no payload")
	}

	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", m.Type(), err)
	}

	return json.Marshal(envelope{Type: m.Type(), From: m.From, Payload: payload})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	var payload Payload
	switch env.Type {
	case TypeCPUUsage:
		payload = &CPUUsage{}
	case TypeNetworkData:
		payload = &NetworkData{}
	case TypePrepareToClose:
		payload = &PrepareToClose{}
	case TypeTrackingState:
		payload = &TrackingState{}
	case TypeToggleTracking:
		payload = &ToggleTracking{}
	case TypeRequestTrackingState:
		payload = &RequestTrackingState{}
	case TypeReport:
		payload = &Report{}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}

	m.From = env.From
	m.Payload = deref(payload)
	return nil
}

// deref stores payloads by value so callers can type-switch on the plain struct.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *CPUUsage:
		return *v
	case *NetworkData:
		return *v
	case *PrepareToClose:
		return *v
	case *TrackingState:
		return *v
	case *ToggleTracking:
		return *v
	case *RequestTrackingState:
		return *v
	case *Report:
		return *v
	}
	return p
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
