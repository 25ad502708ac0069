// Package transport is the named-topic event delivery layer between engine
// processes and session routers.
//
// Delivery is in order within one topic and carries no ordering guarantee
// between topics. Messages published on a topic with no subscribers are
// discarded, matching the fire-and-forget emit model of the desktop host.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/bazelment/yoloswe/rewind/pubsub"
)

// ErrClosed is returned after the bus has been closed.
var ErrClosed = errors.New("transport closed")

// Message is one payload delivered on a topic.
type Message struct {
	Topic  string
	Origin string
	// Run and Stream name the producer stream the message belongs to. Seq
	// numbers its messages from 1; a message published on several topics
	// carries the same Seq on each. Zero means unsequenced.
	Run     string
	Stream  string
	Payload []byte
	Seq     int64
}

// Topics names the subscriptions of one engine: the generic topics that
// carry every run, and the topics addressed to one backend session id.
type Topics struct {
	Scoped  func(backendID string) []string
	Generic []string
}

// Transport is the subscription surface the router depends on.
type Transport interface {
	// Subscribe delivers messages published on topic until ctx is cancelled.
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	Publish(msg Message) error
}

// Bus is an in-process Transport.
type Bus struct {
	topics     map[string]*pubsub.Broker[Message]
	bufferSize int
	mu         sync.Mutex
	closed     bool
}

// NewBus creates a bus whose subscribers buffer bufferSize messages.
func NewBus(bufferSize int) *Bus {
	return &Bus{
		topics:     make(map[string]*pubsub.Broker[Message]),
		bufferSize: bufferSize,
	}
}

var _ Transport = (*Bus)(nil)

func (b *Bus) broker(topic string, create bool) (*pubsub.Broker[Message], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	br, ok := b.topics[topic]
	if !ok && create {
		br = pubsub.NewBrokerWithBuffer[Message](b.bufferSize)
		b.topics[topic] = br
	}
	return br, nil
}

// Subscribe implements Transport.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	br, err := b.broker(topic, true)
	if err != nil {
		return nil, err
	}
	return br.Subscribe(ctx), nil
}

// Publish implements Transport.
func (b *Bus) Publish(msg Message) error {
	br, err := b.broker(msg.Topic, false)
	if err != nil {
		return err
	}
	if br == nil {
		return nil
	}
	if err := br.Publish(msg); err != nil && !errors.Is(err, pubsub.ErrShutdown) {
		return err
	}
	return nil
}

// Prune drops topics that no longer have subscribers.
func (b *Bus) Prune() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for topic, br := range b.topics {
		if br.SubscriberCount() == 0 {
			br.Shutdown()
			delete(b.topics, topic)
			n++
		}
	}
	return n
}

// Close shuts down every topic.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, br := range b.topics {
		br.Shutdown()
		delete(b.topics, topic)
	}
}
