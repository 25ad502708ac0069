// Package pubsub provides a generic in-process fan-out broker.
//
// Unlike a best-effort broker, Publish never drops: it blocks until every
// live subscriber has accepted the value or has gone away. Event streams
// built on it must not lose messages, and a subscriber that stops reading
// unsubscribes by cancelling its context.
package pubsub

import (
	"context"
	"errors"
	"sync"
)

const defaultBufferSize = 256

// ErrShutdown is returned by Publish after Shutdown.
var ErrShutdown = errors.New("broker is shut down")

type subscription[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

func (s *subscription[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

// Broker fans values out to all current subscribers.
type Broker[T any] struct {
	subs       map[*subscription[T]]struct{}
	done       chan struct{}
	doneOnce   sync.Once
	bufferSize int
	mu         sync.RWMutex
	// pubMu serializes publishers so subscribers see one global order.
	pubMu sync.Mutex
}

// NewBroker creates a broker with the default per-subscriber buffer.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with the given per-subscriber buffer.
func NewBrokerWithBuffer[T any](bufferSize int) *Broker[T] {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Broker[T]{
		subs:       make(map[*subscription[T]]struct{}),
		done:       make(chan struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a subscriber. The returned channel is closed when ctx
// is cancelled or the broker shuts down.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan T)
		close(ch)
		return ch
	default:
	}

	sub := &subscription[T]{
		ch:   make(chan T, b.bufferSize),
		done: make(chan struct{}),
	}
	b.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		// Unblock any publisher waiting on this subscriber before taking
		// the write lock it may be holding a read lock against.
		sub.stop()

		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
	}()

	return sub.ch
}

// Publish delivers v to every subscriber, blocking on slow ones.
func (b *Broker[T]) Publish(v T) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return ErrShutdown
	default:
	}

	for sub := range b.subs {
		select {
		case sub.ch <- v:
		case <-sub.done:
		case <-b.done:
			return ErrShutdown
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Shutdown closes all subscriber channels. Safe to call more than once.
func (b *Broker[T]) Shutdown() {
	// Close done before locking so a publisher blocked on a slow
	// subscriber releases its read lock.
	b.doneOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	for sub := range b.subs {
		sub.stop()
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.mu.Unlock()
}
