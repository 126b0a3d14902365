// Package bus is a small in-process publish/subscribe hub. Handlers of one
// topic run concurrently and each reports its own result.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type Handler func(ctx context.Context, payload any) (any, error)

type Subscription struct {
	topic   string
	handler Handler
	once    bool
	fired   atomic.Bool
}

func (s *Subscription) Topic() string {
	return s.topic
}

// Result is the outcome of one handler for one publish.
type Result struct {
	Value any
	Err   error
}

type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription
}

func New() *Bus {
	return &Bus{topics: make(map[string][]*Subscription)}
}

func (b *Bus) On(topic string, handler Handler) *Subscription {
	return b.subscribe(topic, handler, false)
}

// Once delivers at most one payload to handler, even when publishes race.
func (b *Bus) Once(topic string, handler Handler) *Subscription {
	return b.subscribe(topic, handler, true)
}

func (b *Bus) subscribe(topic string, handler Handler, once bool) *Subscription {
	sub := &Subscription{topic: topic, handler: handler, once: once}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	return sub
}

func (b *Bus) Off(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.topics[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}

	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
}

// Publish runs every handler of topic concurrently and returns once all of them
// finished. Results are in subscription order; a failing or panicking handler
// only affects its own slot.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) []Result {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.topics[topic]))
	for _, s := range b.topics[topic] {
		if s.once && !s.fired.CompareAndSwap(false, true) {
			continue
		}
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.once {
			b.Off(s)
		}
	}

	results := make([]Result, len(subs))

	var g errgroup.Group
	for i, s := range subs {
		g.Go(func() error {
			results[i] = invoke(ctx, s.handler, payload)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Request publishes payload on topic and waits for the first payload published
// on responseTopic. The response subscription is registered before publishing.
func (b *Bus) Request(ctx context.Context, topic, responseTopic string, payload any) (any, error) {
	response := make(chan any, 1)
	sub := b.Once(responseTopic, func(_ context.Context, p any) (any, error) {
		response <- p
		return nil, nil
	})

	b.Publish(ctx, topic, payload)

	select {
	case p := <-response:
		return p, nil
	case <-ctx.Done():
		b.Off(sub)
		return nil, ctx.Err()
	}
}

func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.topics[topic])
}

func invoke(ctx context.Context, h Handler, payload any) (r Result) {
	defer func() {
		if p := recover(); p != nil {
			r = Result{Err: fmt.Errorf("handler panicked: %v", p)}
		}
	}()

	v, err := h(ctx, payload)
	return Result{Value: v, Err: err}
}
