package mediator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aristosando/tabcarbon/internal/bus"
	"github.com/aristosando/tabcarbon/internal/host"
	"github.com/aristosando/tabcarbon/internal/ports"
	"github.com/aristosando/tabcarbon/internal/protocol"
	"github.com/aristosando/tabcarbon/internal/sampler"
	"github.com/aristosando/tabcarbon/internal/types"
)

type fakeChannel struct {
	mu       sync.Mutex
	received []protocol.Message
	failures int
	err      error
	attempts atomic.Int32
	done     chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{done: make(chan struct{})}
}

func (c *fakeChannel) Send(_ context.Context, msg protocol.Message) error {
	c.attempts.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failures > 0 {
		c.failures--
		return c.err
	}
	c.received = append(c.received, msg)
	return nil
}

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.received...)
}

type fakeTabs struct {
	tab host.Tab
	ok  bool
}

func (f fakeTabs) ActiveTab(context.Context) (host.Tab, bool, error) {
	return f.tab, f.ok, nil
}

type emptySource struct{}

func (emptySource) ProcessTree(context.Context) (host.Snapshot, error) {
	return host.Snapshot{}, nil
}

func (emptySource) Tabs(context.Context) ([]host.Tab, error) { return nil, nil }

func (emptySource) ActiveTab(context.Context) (host.Tab, bool, error) {
	return host.Tab{}, false, nil
}

type fakeTransport struct {
	mu          sync.Mutex
	connectErr  error
	connects    int
	disconnects int
	sent        []protocol.Message
	onMessage   func(protocol.Inbound)
}

func (f *fakeTransport) Connect(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Send(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.disconnects++
	return nil
}

func (f *fakeTransport) OnMessage(fn func(protocol.Inbound)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onMessage = fn
}

func (f *fakeTransport) deliver(in protocol.Inbound) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()

	fn(in)
}

func (f *fakeTransport) messages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.sent...)
}

type fixture struct {
	bus       *bus.Bus
	ports     *ports.Registry
	transport *fakeTransport
	mediator  *Mediator
}

func newFixture(t *testing.T, tabs fakeTabs, opts ...Option) *fixture {
	t.Helper()

	b := bus.New()
	registry := ports.New(zap.NewNop())
	transport := &fakeTransport{}

	m := New(Deps{
		Bus:       b,
		Ports:     registry,
		Tabs:      tabs,
		Sampler:   sampler.New(emptySource{}, b, zap.NewNop(), sampler.WithInterval(10*time.Millisecond)),
		Transport: transport,
		ClientID:  "client-1",
		Logger:    zap.NewNop(),
	}, opts...)

	t.Cleanup(func() {
		_, _ = m.Toggle(context.Background(), false)
	})

	return &fixture{bus: b, ports: registry, transport: transport, mediator: m}
}

func webTab() fakeTabs {
	return fakeTabs{tab: host.Tab{ID: "T1", URL: "https://example.org"}, ok: true}
}

func trackingStates(msgs []protocol.Message) []bool {
	var out []bool
	for _, msg := range msgs {
		if s, ok := msg.Payload.(protocol.TrackingState); ok {
			out = append(out, s.State)
		}
	}
	return out
}

func TestToggle_OnWithoutInspector(t *testing.T) {
	f := newFixture(t, webTab())
	tab := newFakeChannel()
	f.ports.Register("T1", tab)

	result, err := f.mediator.Toggle(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, ToggleResult{
		ContentNotified:    true,
		DevtoolsNotified:   false,
		TransportConnected: true,
		MonitoringStarted:  true,
	}, result)
	assert.True(t, f.mediator.Active())
	assert.Equal(t, []bool{true}, trackingStates(tab.messages()))
}

func TestToggle_NonWebTabIsNotNotified(t *testing.T) {
	f := newFixture(t, fakeTabs{tab: host.Tab{ID: "T1", URL: "chrome://settings"}, ok: true})
	tab := newFakeChannel()
	inspector := newFakeChannel()
	f.ports.Register("T1", tab)
	f.ports.Register(ports.InspectorID, inspector)

	result, err := f.mediator.Toggle(context.Background(), true)
	require.NoError(t, err)

	assert.False(t, result.ContentNotified)
	assert.True(t, result.DevtoolsNotified)
	assert.Empty(t, tab.messages())
}

func TestToggle_SameStateIsNoop(t *testing.T) {
	f := newFixture(t, webTab())

	first, err := f.mediator.Toggle(context.Background(), true)
	require.NoError(t, err)

	second, err := f.mediator.Toggle(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.transport.connects)

	_, err = f.mediator.Toggle(context.Background(), false)
	require.NoError(t, err)
	_, err = f.mediator.Toggle(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.transport.disconnects)
}

func TestToggle_Off(t *testing.T) {
	f := newFixture(t, webTab())
	tab := newFakeChannel()
	f.ports.Register("T1", tab)

	_, err := f.mediator.Toggle(context.Background(), true)
	require.NoError(t, err)

	result, err := f.mediator.Toggle(context.Background(), false)
	require.NoError(t, err)

	assert.True(t, result.ContentNotified)
	assert.False(t, result.TransportConnected)
	assert.False(t, result.MonitoringStarted)
	assert.False(t, f.mediator.Active())
	assert.Equal(t, []bool{true, false}, trackingStates(tab.messages()))
	assert.Equal(t, 1, f.transport.disconnects)

	assert.Zero(t, f.bus.Subscribers(sampler.TopicCPUSpike))
	assert.Zero(t, f.bus.Subscribers(host.TopicNetworkData))
}

func TestToggle_TransportFailureStaysIdle(t *testing.T) {
	f := newFixture(t, webTab())
	f.transport.connectErr = errors.New("connection refused")
	tab := newFakeChannel()
	f.ports.Register("T1", tab)

	result, err := f.mediator.Toggle(context.Background(), true)
	require.Error(t, err)

	assert.False(t, result.TransportConnected)
	assert.False(t, result.MonitoringStarted)
	assert.True(t, result.ContentNotified)
	assert.False(t, f.mediator.Active())
	assert.Equal(t, []bool{true, false}, trackingStates(tab.messages()))
	assert.Zero(t, f.bus.Subscribers(sampler.TopicCPUSpike))
}

func TestMediator_ForwardsSpikesAndNetworkData(t *testing.T) {
	f := newFixture(t, webTab())

	spike := sampler.SpikeEvent{CPUUsageDelta: 4e8, TabInfo: types.TabInfo{TabID: "T1", Title: "Example"}}

	// Not tracking yet.
	f.bus.Publish(context.Background(), sampler.TopicCPUSpike, spike)
	assert.Empty(t, f.transport.messages())

	_, err := f.mediator.Toggle(context.Background(), true)
	require.NoError(t, err)

	f.bus.Publish(context.Background(), sampler.TopicCPUSpike, spike)
	f.bus.Publish(context.Background(), sampler.TopicBackgroundCPUSpike, spike)
	f.mediator.HandleChannelMessage(context.Background(), ports.InspectorID,
		protocol.New(protocol.FromDevtools, protocol.NetworkData{TabID: "T1", Action: protocol.ActionRequestFinished}))

	sent := f.transport.messages()
	require.Len(t, sent, 3)

	usage, ok := sent[0].Payload.(protocol.CPUUsage)
	require.True(t, ok)
	assert.Equal(t, 4e8, usage.CPUUsage)
	assert.Equal(t, types.TabID("T1"), usage.TabInfo.TabID)
	assert.Equal(t, protocol.FromBackground, sent[0].From)

	_, ok = sent[2].Payload.(protocol.NetworkData)
	require.True(t, ok)
	assert.Equal(t, protocol.FromDevtools, sent[2].From)
}

func TestOnTabUpdated_GivesUpAfterRetries(t *testing.T) {
	f := newFixture(t, webTab(), WithRetry(5, time.Millisecond))

	_, err := f.mediator.Toggle(context.Background(), true)
	require.NoError(t, err)

	tab := newFakeChannel()
	tab.failures = 100
	tab.err = ports.ErrNoReceiver
	f.ports.Register("T2", tab)

	f.mediator.OnTabUpdated(context.Background(), "T2")

	assert.Equal(t, int32(6), tab.attempts.Load())
	assert.Empty(t, tab.messages())
}

func TestOnTabUpdated_RetriesUntilReceiverExists(t *testing.T) {
	f := newFixture(t, webTab(), WithRetry(5, time.Millisecond))

	_, err := f.mediator.Toggle(context.Background(), true)
	require.NoError(t, err)

	tab := newFakeChannel()
	tab.failures = 2
	tab.err = ports.ErrNoReceiver
	f.ports.Register("T2", tab)

	f.mediator.OnTabUpdated(context.Background(), "T2")

	assert.Equal(t, int32(3), tab.attempts.Load())
	assert.Equal(t, []bool{true}, trackingStates(tab.messages()))
}

func TestOnTabUpdated_OtherErrorsAreNotRetried(t *testing.T) {
	f := newFixture(t, webTab(), WithRetry(5, time.Millisecond))

	_, err := f.mediator.Toggle(context.Background(), true)
	require.NoError(t, err)

	tab := newFakeChannel()
	tab.failures = 100
	tab.err = ports.ErrClosed
	f.ports.Register("T2", tab)

	f.mediator.OnTabUpdated(context.Background(), "T2")

	assert.Equal(t, int32(1), tab.attempts.Load())
}

func TestOnTabUpdated_IdleDoesNothing(t *testing.T) {
	f := newFixture(t, webTab(), WithRetry(5, time.Millisecond))

	tab := newFakeChannel()
	f.ports.Register("T2", tab)

	f.mediator.OnTabUpdated(context.Background(), "T2")

	assert.Zero(t, tab.attempts.Load())
}

func TestMediator_BroadcastsReport(t *testing.T) {
	f := newFixture(t, webTab())

	tab := newFakeChannel()
	inspector := newFakeChannel()
	f.ports.Register("T1", tab)
	f.ports.Register(ports.InspectorID, inspector)

	f.transport.deliver(protocol.Inbound{Ack: "Echo: {}"})
	assert.Empty(t, tab.messages())

	report := protocol.FinalReport{
		AggregatedCPUUsage: protocol.Section[map[types.TabID]protocol.TabStatistics]{
			Payload: map[types.TabID]protocol.TabStatistics{"T1": {SampleCount: 3}},
		},
	}
	f.transport.deliver(protocol.Inbound{Report: &report})

	for _, ch := range []*fakeChannel{tab, inspector} {
		msgs := ch.messages()
		require.Len(t, msgs, 1)
		got, ok := msgs[0].Payload.(protocol.Report)
		require.True(t, ok)
		assert.Equal(t, 3, got.AggregatedCPUUsage.Payload["T1"].SampleCount)
	}

	select {
	case got := <-f.mediator.Reports():
		assert.Equal(t, 3, got.AggregatedCPUUsage.Payload["T1"].SampleCount)
	case <-time.After(time.Second):
		t.Fatal("report not delivered")
	}
}

func TestHandleChannelMessage_RequestTrackingState(t *testing.T) {
	f := newFixture(t, webTab())
	sidebar := newFakeChannel()
	f.ports.Register("sidebar", sidebar)

	f.mediator.HandleChannelMessage(context.Background(), "sidebar",
		protocol.New(protocol.FromSidebar, protocol.RequestTrackingState{}))

	f.mediator.HandleChannelMessage(context.Background(), "sidebar",
		protocol.New(protocol.FromSidebar, protocol.ToggleTracking{Enabled: true}))
	assert.True(t, f.mediator.Active())

	f.mediator.HandleChannelMessage(context.Background(), "sidebar",
		protocol.New(protocol.FromSidebar, protocol.RequestTrackingState{}))

	assert.Equal(t, []bool{false, true}, trackingStates(sidebar.messages()))
}

func TestMediator_SpikesCarryTickTime(t *testing.T) {
	f := newFixture(t, webTab())

	_, err := f.mediator.Toggle(context.Background(), true)
	require.NoError(t, err)

	tick := time.UnixMilli(1_700_000_000_000)
	info := types.TabInfo{TabID: "pid:42", Title: "renderer"}
	f.bus.Publish(context.Background(), sampler.TopicBackgroundCPUSpike, sampler.SpikeEvent{CPUUsageDelta: 1e9, TabInfo: info, Timestamp: tick})
	f.bus.Publish(context.Background(), sampler.TopicBackgroundCPUSpike, sampler.SpikeEvent{CPUUsageDelta: 1e9, TabInfo: info, Timestamp: tick.Add(time.Second)})

	sent := f.transport.messages()
	require.Len(t, sent, 2)

	first, err := protocol.Encode(sent[0])
	require.NoError(t, err)
	second, err := protocol.Encode(sent[1])
	require.NoError(t, err)
	assert.NotEqual(t, string(first), string(second))

	usage := sent[1].Payload.(protocol.CPUUsage)
	assert.Equal(t, tick.Add(time.Second).UnixMilli(), usage.Timestamp)
}
