package chromehost

import (
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/aristosando/tabcarbon/internal/protocol"
	"github.com/aristosando/tabcarbon/internal/types"
)

type pendingRequest struct {
	started  time.Time
	request  protocol.HARRequest
	response protocol.HARResponse
	timing   *network.ResourceTiming
}

// requestTracker assembles HAR entries for one tab from Network domain events.
type requestTracker struct {
	tabID types.TabID

	mu      sync.Mutex
	pending map[network.RequestID]*pendingRequest
}

func newRequestTracker(tabID types.TabID) *requestTracker {
	return &requestTracker{
		tabID:   tabID,
		pending: make(map[network.RequestID]*pendingRequest),
	}
}

// handle consumes one CDP event and returns a finished request, if any.
func (t *requestTracker) handle(ev any) (protocol.NetworkData, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return protocol.NetworkData{}, false
		}
		p := &pendingRequest{
			request: protocol.HARRequest{
				Method:      e.Request.Method,
				URL:         e.Request.URL,
				HeadersSize: headersSize(e.Request.Headers),
				BodySize:    0,
			},
			response: protocol.HARResponse{HeadersSize: -1, BodySize: -1},
		}
		if e.Timestamp != nil {
			p.started = e.Timestamp.Time()
		}
		t.pending[e.RequestID] = p

	case *network.EventResponseReceived:
		p, ok := t.pending[e.RequestID]
		if !ok || e.Response == nil {
			return protocol.NetworkData{}, false
		}
		p.response.Status = int(e.Response.Status)
		p.response.HeadersSize = headersSize(e.Response.Headers)
		p.response.Content = protocol.HARContent{
			Size:     int64(e.Response.EncodedDataLength),
			MimeType: e.Response.MimeType,
		}
		p.timing = e.Response.Timing

	case *network.EventLoadingFailed:
		delete(t.pending, e.RequestID)

	case *network.EventLoadingFinished:
		p, ok := t.pending[e.RequestID]
		if !ok {
			return protocol.NetworkData{}, false
		}
		delete(t.pending, e.RequestID)

		var finished time.Time
		if e.Timestamp != nil {
			finished = e.Timestamp.Time()
		}

		return protocol.NetworkData{
			TabID:   t.tabID,
			Action:  protocol.ActionRequestFinished,
			Metrics: p.entry(finished, int64(e.EncodedDataLength)),
		}, true
	}

	return protocol.NetworkData{}, false
}

func (p *pendingRequest) entry(finished time.Time, encodedLength int64) protocol.HAREntry {
	total := 0.0
	if !p.started.IsZero() && finished.After(p.started) {
		total = float64(finished.Sub(p.started)) / float64(time.Millisecond)
	}

	timings := protocol.HARTimings{Blocked: -1, DNS: -1, Connect: -1, SSL: -1, Send: 0, Wait: 0, Receive: total}
	if p.timing != nil {
		timings.Send = positive(p.timing.SendEnd - p.timing.SendStart)
		timings.Wait = positive(p.timing.ReceiveHeadersEnd - p.timing.SendEnd)
		timings.Receive = positive(total - p.timing.ReceiveHeadersEnd)
	}

	response := p.response
	body := encodedLength
	if response.HeadersSize > 0 {
		body -= response.HeadersSize
	}
	response.BodySize = max(body, 0)

	entry := protocol.HAREntry{
		Request:  p.request,
		Response: response,
		Timings:  timings,
		Time:     total,
	}
	if !p.started.IsZero() {
		entry.StartedDateTime = p.started.UTC().Format(time.RFC3339Nano)
	}

	return entry
}

func headersSize(h network.Headers) int64 {
	var n int64
	for k, v := range h {
		// "name: value\r\n"
		n += int64(len(k) + len(fmt.Sprint(v)) + 4)
	}
	return n
}

func positive(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
