// Package mediator owns the agent's tracking state. It starts and stops the
// sampler and the transport, and routes messages between tabs, the inspector
// and the server.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristosando/tabcarbon/internal/bus"
	"github.com/aristosando/tabcarbon/internal/host"
	"github.com/aristosando/tabcarbon/internal/logger"
	"github.com/aristosando/tabcarbon/internal/ports"
	"github.com/aristosando/tabcarbon/internal/protocol"
	"github.com/aristosando/tabcarbon/internal/sampler"
	"github.com/aristosando/tabcarbon/internal/types"
)

const (
	// TopicTrackingState fans a TRACKING_STATE message out to the active tab
	// and the inspector.
	TopicTrackingState = "tracking-state"

	DefaultRetryAttempts = 5
	DefaultRetryDelay    = time.Second

	reportBuffer = 4
)

type Bus interface {
	On(topic string, handler bus.Handler) *bus.Subscription
	Off(sub *bus.Subscription)
	Publish(ctx context.Context, topic string, payload any) []bus.Result
}

type Ports interface {
	Send(ctx context.Context, id types.TabID, msg protocol.Message) error
	Broadcast(ctx context.Context, msg protocol.Message) int
}

type Tabs interface {
	ActiveTab(ctx context.Context) (host.Tab, bool, error)
}

type Sampler interface {
	Start(ctx context.Context, spikeThreshold float64) *sampler.Handle
}

type Transport interface {
	Connect(ctx context.Context, clientID string) error
	Send(msg protocol.Message) error
	// Disconnect sends the close intent, waits briefly for the report and
	// closes the connection.
	Disconnect(ctx context.Context) error
	OnMessage(fn func(protocol.Inbound))
}

type Deps struct {
	Bus       Bus
	Ports     Ports
	Tabs      Tabs
	Sampler   Sampler
	Transport Transport
	ClientID  string
	Logger    *zap.Logger
}

// ToggleResult reports which steps of a toggle succeeded, so a partial failure
// can be shown without undoing the rest.
type ToggleResult struct {
	ContentNotified    bool `json:"contentNotified"`
	DevtoolsNotified   bool `json:"devtoolsNotified"`
	TransportConnected bool `json:"transportConnected"`
	MonitoringStarted  bool `json:"monitoringStarted"`
}

type notifyTarget int

const (
	targetContent notifyTarget = iota
	targetDevtools
)

type notification struct {
	target notifyTarget
	ok     bool
}

type Mediator struct {
	bus       Bus
	ports     Ports
	tabs      Tabs
	sampler   Sampler
	transport Transport
	clientID  string
	logger    *zap.Logger

	spikeThreshold float64
	retryAttempts  int
	retryDelay     time.Duration

	reports chan protocol.FinalReport

	mu      sync.Mutex
	active  bool
	last    ToggleResult
	monitor *sampler.Handle
	subs    []*bus.Subscription
}

type Option func(*Mediator)

func WithSpikeThreshold(threshold float64) Option {
	return func(m *Mediator) { m.spikeThreshold = threshold }
}

// WithRetry sets how often, and how far apart, a tab that has no receiver yet
// is retried after the first attempt.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(m *Mediator) {
		if attempts >= 0 {
			m.retryAttempts = attempts
		}
		if delay > 0 {
			m.retryDelay = delay
		}
	}
}

func New(deps Deps, opts ...Option) *Mediator {
	m := &Mediator{
		bus:           deps.Bus,
		ports:         deps.Ports,
		tabs:          deps.Tabs,
		sampler:       deps.Sampler,
		transport:     deps.Transport,
		clientID:      deps.ClientID,
		logger:        deps.Logger.With(logger.WithClientID(deps.ClientID)),
		retryAttempts: DefaultRetryAttempts,
		retryDelay:    DefaultRetryDelay,
		reports:       make(chan protocol.FinalReport, reportBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.bus.On(TopicTrackingState, m.notifyActiveTab)
	m.bus.On(TopicTrackingState, m.notifyInspector)
	m.transport.OnMessage(m.handleInbound)

	return m
}

// Active reports the current tracking state.
func (m *Mediator) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.active
}

// Reports delivers every final report received from the server.
func (m *Mediator) Reports() <-chan protocol.FinalReport {
	return m.reports
}

// Toggle switches tracking on or off. Toggling to the current state returns the
// previous result and changes nothing. The only error is a transport that
// cannot be opened, in which case tracking stays off.
func (m *Mediator) Toggle(ctx context.Context, enabled bool) (ToggleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if enabled == m.active {
		return m.last, nil
	}

	if enabled {
		return m.start(ctx)
	}

	return m.stop(ctx), nil
}

func (m *Mediator) start(ctx context.Context) (ToggleResult, error) {
	result := m.publishState(ctx, true)

	m.monitor = m.sampler.Start(context.WithoutCancel(ctx), m.spikeThreshold)
	result.MonitoringStarted = true

	if err := m.transport.Connect(ctx, m.clientID); err != nil {
		m.monitor.Cancel()
		m.monitor = nil
		m.publishState(ctx, false)

		m.logger.Error("tracking not started, transport unavailable", zap.Error(err))

		return ToggleResult{
			ContentNotified:  result.ContentNotified,
			DevtoolsNotified: result.DevtoolsNotified,
		}, fmt.Errorf("connect transport: %w", err)
	}
	result.TransportConnected = true

	m.subs = []*bus.Subscription{
		m.bus.On(sampler.TopicCPUSpike, m.forwardSpike),
		m.bus.On(sampler.TopicBackgroundCPUSpike, m.forwardSpike),
		m.bus.On(host.TopicNetworkData, m.forwardNetwork),
	}

	m.active = true
	m.last = result

	m.logger.Info("tracking started",
		zap.Bool("content_notified", result.ContentNotified),
		zap.Bool("devtools_notified", result.DevtoolsNotified),
	)

	return result, nil
}

func (m *Mediator) stop(ctx context.Context) ToggleResult {
	if m.monitor != nil {
		m.monitor.Cancel()
		m.monitor = nil
	}

	for _, sub := range m.subs {
		m.bus.Off(sub)
	}
	m.subs = nil

	result := m.publishState(ctx, false)

	if err := m.transport.Disconnect(ctx); err != nil {
		m.logger.Warn("transport disconnect failed", zap.Error(err))
	}

	m.active = false
	m.last = result

	m.logger.Info("tracking stopped")

	return result
}

func trackingMessage(state bool) protocol.Message {
	return protocol.New(protocol.FromBackground, protocol.TrackingState{State: state})
}

// publishState fans the state out and folds the per-target outcomes into the
// notification flags.
func (m *Mediator) publishState(ctx context.Context, state bool) ToggleResult {
	var result ToggleResult
	for _, r := range m.bus.Publish(ctx, TopicTrackingState, trackingMessage(state)) {
		n, ok := r.Value.(notification)
		if r.Err != nil || !ok {
			continue
		}
		switch n.target {
		case targetContent:
			result.ContentNotified = n.ok
		case targetDevtools:
			result.DevtoolsNotified = n.ok
		}
	}
	return result
}

func (m *Mediator) notifyActiveTab(ctx context.Context, payload any) (any, error) {
	msg, _ := payload.(protocol.Message)
	out := notification{target: targetContent}

	tab, ok, err := m.tabs.ActiveTab(ctx)
	if err != nil {
		m.logger.Debug("active tab lookup failed", zap.Error(err))
		return out, nil
	}
	if !ok || !isWebPage(tab.URL) {
		m.logger.Debug("no active web page to notify")
		return out, nil
	}

	if err := m.ports.Send(ctx, tab.ID, msg); err != nil {
		m.logger.Debug("active tab not notified", logger.WithTabID(string(tab.ID)), zap.Error(err))
		return out, nil
	}

	out.ok = true
	return out, nil
}

func (m *Mediator) notifyInspector(ctx context.Context, payload any) (any, error) {
	msg, _ := payload.(protocol.Message)
	out := notification{target: targetDevtools}

	if err := m.ports.Send(ctx, ports.InspectorID, msg); err != nil {
		m.logger.Debug("inspector not notified", zap.Error(err))
		return out, nil
	}

	out.ok = true
	return out, nil
}

func isWebPage(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

func (m *Mediator) forwardSpike(_ context.Context, payload any) (any, error) {
	spike, ok := payload.(sampler.SpikeEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected spike payload %T", payload)
	}

	usage := protocol.CPUUsage{
		TabInfo:  spike.TabInfo,
		CPUUsage: spike.CPUUsageDelta,
	}
	if !spike.Timestamp.IsZero() {
		usage.Timestamp = spike.Timestamp.UnixMilli()
	}

	err := m.transport.Send(protocol.New(protocol.FromBackground, usage))

	return nil, err
}

func (m *Mediator) forwardNetwork(_ context.Context, payload any) (any, error) {
	data, ok := payload.(protocol.NetworkData)
	if !ok {
		return nil, fmt.Errorf("unexpected network payload %T", payload)
	}

	return nil, m.transport.Send(protocol.New(protocol.FromDevtools, data))
}

// OnTabUpdated re-sends the tracking state to a tab that finished navigating.
// A tab without a receiver yet is retried with a fixed delay, then given up.
func (m *Mediator) OnTabUpdated(ctx context.Context, id types.TabID) {
	if !m.Active() {
		return
	}

	if err := m.sendWithRetry(ctx, id, trackingMessage(true)); err != nil {
		m.logger.Warn("tracking state not delivered to tab", logger.WithTabID(string(id)), zap.Error(err))
	}
}

func (m *Mediator) sendWithRetry(ctx context.Context, id types.TabID, msg protocol.Message) error {
	var err error
	for attempt := 0; attempt <= m.retryAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(m.retryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		err = m.ports.Send(ctx, id, msg)
		if !retryable(err) {
			return err
		}
	}

	return fmt.Errorf("gave up after %d retries: %w", m.retryAttempts, err)
}

func retryable(err error) bool {
	return errors.Is(err, ports.ErrNoReceiver) || errors.Is(err, ports.ErrNotRegistered)
}

// HandleChannelMessage handles a message a tab, the sidebar or the inspector
// sent to the agent.
func (m *Mediator) HandleChannelMessage(ctx context.Context, from types.TabID, msg protocol.Message) {
	switch p := msg.Payload.(type) {
	case protocol.RequestTrackingState:
		if err := m.ports.Send(ctx, from, trackingMessage(m.Active())); err != nil {
			m.logger.Debug("tracking state reply failed", logger.WithTabID(string(from)), zap.Error(err))
		}

	case protocol.ToggleTracking:
		result, err := m.Toggle(ctx, p.Enabled)
		if err != nil {
			m.logger.Error("toggle failed", zap.Error(err))
			return
		}
		m.logger.Debug("toggled", zap.Any("result", result))

	case protocol.NetworkData:
		m.bus.Publish(ctx, host.TopicNetworkData, p)

	default:
		m.logger.Warn("unexpected channel message",
			logger.WithTabID(string(from)),
			logger.WithMessageType(string(msg.Type())),
		)
	}
}

func (m *Mediator) handleInbound(in protocol.Inbound) {
	if in.Report == nil {
		m.logger.Debug("server ack", zap.String("ack", in.Ack))
		return
	}

	delivered := m.ports.Broadcast(context.Background(), protocol.New(protocol.FromBackground, protocol.Report{FinalReport: *in.Report}))
	m.logger.Info("final report received", zap.Int("delivered", delivered))

	select {
	case m.reports <- *in.Report:
	default:
		m.logger.Warn("final report dropped, nobody is reading")
	}
}
