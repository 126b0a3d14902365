// Package ports keeps one message channel per connected browser tab, plus one
// for the inspector panel.
package ports

import (
	"context"
	"errors"
	"fmt"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/aristosando/tabcarbon/internal/logger"
	"github.com/aristosando/tabcarbon/internal/protocol"
	"github.com/aristosando/tabcarbon/internal/types"
)

// InspectorID is the reserved key of the devtools channel, which is not tab scoped.
const InspectorID types.TabID = "__inspector__"

var (
	// ErrNoReceiver means the other side has no listener yet.
	ErrNoReceiver = errors.New("could not establish connection: receiving end does not exist")
	ErrClosed     = errors.New("channel closed")
	// ErrNotRegistered means no channel is known for the id.
	ErrNotRegistered = errors.New("port not registered")
)

// Channel is one bidirectional connection to a tab or panel.
type Channel interface {
	Send(ctx context.Context, msg protocol.Message) error
	// Done is closed when the channel disconnects.
	Done() <-chan struct{}
}

type Registry struct {
	channels cmap.ConcurrentMap[string, *entry]
	logger   *zap.Logger
}

// entry pairs a channel with the stop signal of its disconnect watcher.
type entry struct {
	ch       Channel
	stop     chan struct{}
	stopOnce sync.Once
}

func (e *entry) release() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		channels: cmap.New[*entry](),
		logger:   logger,
	}
}

// Register stores ch under id and removes it again once ch disconnects. A
// channel already stored under id is replaced and no longer watched.
func (r *Registry) Register(id types.TabID, ch Channel) {
	e := &entry{ch: ch, stop: make(chan struct{})}
	r.channels.Upsert(string(id), e, func(exists bool, old, replacement *entry) *entry {
		if exists {
			old.release()
		}
		return replacement
	})
	r.logger.Debug("port registered", logger.WithTabID(string(id)))

	go r.watch(id, e)
}

func (r *Registry) watch(id types.TabID, e *entry) {
	select {
	case <-e.ch.Done():
	case <-e.stop:
		return
	}

	removed := r.channels.RemoveCb(string(id), func(_ string, current *entry, exists bool) bool {
		return exists && current == e
	})
	if removed {
		r.logger.Debug("port disconnected", logger.WithTabID(string(id)))
	}
}

func (r *Registry) Unregister(id types.TabID) {
	if e, ok := r.channels.Pop(string(id)); ok {
		e.release()
	}
}

func (r *Registry) Get(id types.TabID) (Channel, bool) {
	e, ok := r.channels.Get(string(id))
	if !ok {
		return nil, false
	}
	return e.ch, true
}

// Send delivers msg to the channel registered under id.
func (r *Registry) Send(ctx context.Context, id types.TabID, msg protocol.Message) error {
	e, ok := r.channels.Get(string(id))
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return e.ch.Send(ctx, msg)
}

func (r *Registry) Len() int {
	return r.channels.Count()
}

// Broadcast sends msg to every channel and returns how many accepted it. A failing
// channel is logged and skipped.
func (r *Registry) Broadcast(ctx context.Context, msg protocol.Message) int {
	delivered := 0
	for id, e := range r.channels.Items() {
		if err := e.ch.Send(ctx, msg); err != nil {
			r.logger.Debug("broadcast to port failed", logger.WithTabID(id), zap.Error(err))
			continue
		}
		delivered++
	}

	return delivered
}
