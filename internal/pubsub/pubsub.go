// Package pubsub fans events out to any number of subscribers.
package pubsub

import (
	"context"
	"log/slog"
	"sync"
)

type Publisher[E any] interface {
	Publish(evt E)
}

type Subscriber[E any] interface {
	Subscribe(ctx context.Context) Subscription[E]
}

type Subscription[E any] interface {
	ResultChan() <-chan E
	Stop()
}

const defaultBuffer = 32

// PubSub never blocks publishers: a subscriber whose buffer is full is
// dropped and its channel closed, so slow websocket clients cannot stall a wizard.
type PubSub[E any] struct {
	mutex         sync.Mutex
	subscriptions map[int64]*subscription[E]
	seq           int64
	buffer        int
	stopped       bool
}

func New[E any]() *PubSub[E] {
	return &PubSub[E]{subscriptions: map[int64]*subscription[E]{}, buffer: defaultBuffer}
}

// Stop closes all subscriptions; later publishes are ignored.
func (p *PubSub[E]) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.stopped = true
	for id, s := range p.subscriptions {
		delete(p.subscriptions, id)
		s.closeLocked()
	}
}

// Subscribe registers a subscriber that lives until Stop or ctx is done.
func (p *PubSub[E]) Subscribe(ctx context.Context) Subscription[E] {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.stopped {
		return noopSubscription[E]{}
	}
	p.seq++
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription[E]{
		id:     p.seq,
		cancel: cancel,
		pubsub: p,
		ch:     make(chan E, p.buffer),
	}
	p.subscriptions[s.id] = s

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return s
}

func (p *PubSub[E]) Publish(evt E) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.stopped {
		return
	}
	for id, s := range p.subscriptions {
		select {
		case s.ch <- evt:
		default:
			slog.Warn("dropping slow event subscriber", "subscription", id)
			delete(p.subscriptions, id)
			s.closeLocked()
		}
	}
}

// Len returns the number of active subscriptions.
func (p *PubSub[E]) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.subscriptions)
}

type subscription[E any] struct {
	pubsub *PubSub[E]
	id     int64
	cancel context.CancelFunc
	ch     chan E
	closed bool
}

func (s *subscription[E]) Stop() {
	s.pubsub.mutex.Lock()
	defer s.pubsub.mutex.Unlock()
	delete(s.pubsub.subscriptions, s.id)
	s.closeLocked()
}

// closeLocked must be called with the pubsub mutex held.
func (s *subscription[E]) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	s.cancel()
}

func (s *subscription[E]) ResultChan() <-chan E {
	return s.ch
}

type noopSubscription[E any] struct{}

func (noopSubscription[E]) Stop() {}

func (noopSubscription[E]) ResultChan() <-chan E {
	ch := make(chan E)
	close(ch)
	return ch
}
