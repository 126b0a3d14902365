// Package sampler polls the host's process tree and turns per-tab CPU time
// deltas into spike events.
package sampler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristosando/tabcarbon/internal/bus"
	"github.com/aristosando/tabcarbon/internal/host"
	"github.com/aristosando/tabcarbon/internal/logger"
	"github.com/aristosando/tabcarbon/internal/types"
)

const (
	TopicCPUSpike           = "cpu-spike"
	TopicBackgroundCPUSpike = "background-cpu-spike"

	DefaultInterval = time.Second
)

// SpikeEvent is published when a tab used more CPU than the threshold during
// one interval. CPUUsageDelta is in nanoseconds of CPU time.
type SpikeEvent struct {
	CPUUsageDelta float64
	Utilization   float64
	TabInfo       types.TabInfo
	Timestamp     time.Time
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) []bus.Result
}

type Sampler struct {
	source    host.Source
	publisher Publisher
	interval  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Sampler)

func WithInterval(interval time.Duration) Option {
	return func(s *Sampler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) {
		s.now = now
	}
}

func New(source host.Source, publisher Publisher, logger *zap.Logger, opts ...Option) *Sampler {
	s := &Sampler{
		source:    source,
		publisher: publisher,
		interval:  DefaultInterval,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle controls one running sampling loop.
type Handle struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Cancel suppresses every tick that has not started yet. A tick already in
// progress runs to completion. Safe to call more than once.
func (h *Handle) Cancel() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Done is closed once the loop has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

type previous struct {
	cpuTime time.Duration
	at      time.Time
}

// Start samples immediately and then every interval until the handle is
// cancelled or ctx ends.
func (s *Sampler) Start(ctx context.Context, spikeThreshold float64) *Handle {
	h := &Handle{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go s.monitor(ctx, h, spikeThreshold)

	return h
}

func (s *Sampler) monitor(ctx context.Context, h *Handle, threshold float64) {
	defer close(h.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	prev := make(map[types.TabID]previous)

	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.safeTick(ctx, prev, threshold)

		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sampler) safeTick(ctx context.Context, prev map[types.TabID]previous, threshold float64) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("cpu sampling tick panicked", zap.Error(fmt.Errorf("%v", p)))
		}
	}()

	if err := s.tick(ctx, prev, threshold); err != nil {
		s.logger.Debug("cpu sampling tick failed, retrying next interval", zap.Error(err))
	}
}

func (s *Sampler) tick(ctx context.Context, prev map[types.TabID]previous, threshold float64) error {
	tabs, err := s.source.Tabs(ctx)
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}

	snapshot, err := s.source.ProcessTree(ctx)
	if err != nil {
		return fmt.Errorf("process tree: %w", err)
	}

	active, hasActive, err := s.source.ActiveTab(ctx)
	if err != nil {
		s.logger.Debug("active tab lookup failed", zap.Error(err))
		hasActive = false
	}

	now := snapshot.TakenAt
	if now.IsZero() {
		now = s.now()
	}

	seen := make(map[types.TabID]struct{}, len(tabs))
	for _, tab := range tabs {
		child, ok := snapshot.FindByWindow(tab.OuterWindowID)
		if !ok {
			continue
		}
		seen[tab.ID] = struct{}{}

		last, had := prev[tab.ID]
		prev[tab.ID] = previous{cpuTime: child.CPUTime, at: now}
		if !had {
			continue
		}

		elapsed := now.Sub(last.at)
		delta := child.CPUTime - last.cpuTime
		if elapsed <= 0 || delta < 0 {
			continue
		}

		utilization := float64(delta) / float64(elapsed.Nanoseconds())
		if utilization <= threshold {
			continue
		}

		topic := TopicBackgroundCPUSpike
		if hasActive && active.ID == tab.ID {
			topic = TopicCPUSpike
		}

		event := SpikeEvent{
			CPUUsageDelta: float64(delta.Nanoseconds()),
			Utilization:   utilization,
			TabInfo: types.TabInfo{
				TabID:         tab.ID,
				Title:         s.title(ctx, tab),
				PID:           child.PID,
				OuterWindowID: tab.OuterWindowID,
			},
			Timestamp: now,
		}

		s.logger.Debug("cpu spike",
			logger.WithTabID(string(tab.ID)),
			logger.WithTopic(topic),
			zap.Float64("utilization", utilization),
		)
		s.publisher.Publish(ctx, topic, event)
	}

	for id := range prev {
		if _, ok := seen[id]; !ok {
			delete(prev, id)
		}
	}

	return nil
}

// title falls back to the host's label for tabs that report no title.
func (s *Sampler) title(ctx context.Context, tab host.Tab) string {
	if tab.Title != "" {
		return tab.Title
	}

	labeler, ok := s.source.(host.Labeler)
	if !ok {
		return ""
	}

	label, err := labeler.Label(ctx, tab.OuterWindowID)
	if err != nil {
		s.logger.Debug("tab label lookup failed", logger.WithTabID(string(tab.ID)), zap.Error(err))
		return ""
	}
	return label
}
