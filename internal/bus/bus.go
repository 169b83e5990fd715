// Package bus provides the message handoffs between pipeline stages so each
// stage can be run, retried and tested independently.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler processes one message. Returning an error indicates processing
// failure; redelivery depends on the implementation.
type Handler func(ctx context.Context, subject string, data []byte) error

// Subscription is an active subscription to a subject.
type Subscription interface {
	Unsubscribe() error
}

// Client publishes and subscribes to pipeline subjects without coupling
// stages to a specific broker.
type Client interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	// QueueSubscribe joins a queue group so workers share messages.
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)
	Close() error
}

// PublishJSON marshals v and publishes it on the subject.
func PublishJSON(ctx context.Context, c Client, subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.Publish(ctx, subject, data)
}

// =============================================
// In-process bus
// =============================================

// InProcBus is a synchronous in-process Client used in tests and when no
// broker is configured. Handlers run on the publisher's goroutine; a handler
// error is returned to the publisher.
type InProcBus struct {
	mu     sync.RWMutex
	subs   map[string][]*inprocSub
	closed bool
}

type inprocSub struct {
	bus     *InProcBus
	subject string
	queue   string
	handler Handler
}

// NewInProcBus creates an empty in-process bus.
func NewInProcBus() *InProcBus {
	return &InProcBus{subs: make(map[string][]*inprocSub)}
}

func (b *InProcBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	subs := make([]*inprocSub, len(b.subs[subject]))
	copy(subs, b.subs[subject])
	b.mu.RUnlock()

	seenQueues := make(map[string]struct{})
	for _, sub := range subs {
		if sub.queue != "" {
			// one delivery per queue group
			if _, ok := seenQueues[sub.queue]; ok {
				continue
			}
			seenQueues[sub.queue] = struct{}{}
		}
		if err := sub.handler(ctx, subject, data); err != nil {
			return err
		}
	}
	return nil
}

func (b *InProcBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

func (b *InProcBus) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *InProcBus) subscribe(subject, queue string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	sub := &inprocSub{bus: b, subject: subject, queue: queue, handler: handler}
	b.subs[subject] = append(b.subs[subject], sub)
	return sub, nil
}

func (s *inprocSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.subject]
	for i, candidate := range subs {
		if candidate == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (b *InProcBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]*inprocSub)
	return nil
}
