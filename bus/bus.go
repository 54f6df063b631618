// Package bus implements the in-process topic based publish/subscribe channel
// connecting the user, the coordinator and the three agents. Topics are the
// fixed participant identities from core. Delivery is push based: a single
// dispatch goroutine invokes every current subscriber of the recipient topic
// in subscription order, which makes delivery order within one topic equal to
// publish order. No ordering is guaranteed across topics and there is no
// backlog replay for late subscribers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/triadlabs/magi/core"
	"github.com/triadlabs/magi/logging"
)

// ErrShutdown is returned by Publish after the bus has been shut down.
var ErrShutdown = errors.New("bus is shut down")

// Handler processes a delivered message. Handlers run on the dispatch
// goroutine; long-running work should be moved off it by the subscriber.
// A returned error is logged at the bus boundary and never propagated to
// the publisher.
type Handler func(ctx context.Context, msg core.Message) error

// Subscription represents a cancellable registration of a handler on a topic.
// The bus holds only a weak registration: cancelling the subscription stops
// further delivery without affecting other subscribers.
type Subscription struct {
	topic  core.Participant
	id     string
	cancel func()
	once   sync.Once
}

// Topic returns the participant topic this subscription listens on.
func (s *Subscription) Topic() core.Participant { return s.topic }

// Cancel removes the subscription from the bus. It is safe to call multiple times.
func (s *Subscription) Cancel() { s.once.Do(s.cancel) }

// Options configures a Bus instance.
type Options struct {
	// QueueSize is the capacity of the internal dispatch queue. Publish blocks
	// once the queue is full, providing backpressure on producers.
	QueueSize int

	// Logger receives handler failures and delivery diagnostics.
	Logger logging.Logger
}

type subscriber struct {
	id      string
	handler Handler
}

// Bus is an explicitly constructed, owned component: create it with New, call
// Start before publishing and Shutdown when done. It is safe for concurrent use.
type Bus struct {
	opts Options

	mu          sync.RWMutex
	subscribers map[core.Participant][]subscriber
	pending     map[string]core.Message
	started     bool
	closed      bool

	// publishers counts in-flight Publish calls that passed the closed check.
	// Shutdown closes queue only after the count drains, so a publisher parked
	// on a full queue can never hit a closed channel.
	publishers sync.WaitGroup

	queue chan core.Message
	done  chan struct{}
}

// New creates a Bus with sensible defaults (queue size 64, no-op logger).
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{
		QueueSize: 64,
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Bus{
		opts:        opts,
		subscribers: make(map[core.Participant][]subscriber),
		pending:     make(map[string]core.Message),
		queue:       make(chan core.Message, opts.QueueSize),
		done:        make(chan struct{}),
	}
}

// Start launches the dispatch goroutine. Calling Start twice is a no-op.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true
	go b.dispatchLoop()
}

// Shutdown stops accepting publishes and waits for in-flight publishes and
// queued messages to drain, or the context to expire.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	b.mu.Unlock()

	go func() {
		b.publishers.Wait()
		close(b.queue)
	}()
	if !started {
		return nil
	}

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish constructs a message and enqueues it for delivery to every current
// subscriber of the recipient topic, returning the message ID immediately
// (fire-and-continue). Publishing to a topic with no subscribers is a no-op.
func (b *Bus) Publish(sender, recipient core.Participant, content string, kind core.Kind) (string, error) {
	if !sender.Valid() || !recipient.Valid() {
		return "", fmt.Errorf("bus publish failed: invalid participant %q -> %q", sender, recipient)
	}

	msg := core.NewMessage(sender, recipient, content, kind)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrShutdown
	}
	if !b.started {
		b.mu.Unlock()
		return "", errors.New("bus publish failed: bus not started")
	}
	b.pending[msg.ID] = msg
	b.publishers.Add(1)
	b.mu.Unlock()

	b.queue <- msg
	b.publishers.Done()
	return msg.ID, nil
}

// Subscribe registers a handler on a topic and returns its cancellable
// Subscription. Subscribers receive only messages published after
// registration.
func (b *Bus) Subscribe(topic core.Participant, handler Handler) (*Subscription, error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("bus subscribe failed: invalid topic %q", topic)
	}
	if handler == nil {
		return nil, errors.New("bus subscribe failed: nil handler")
	}

	id := core.NewID()

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], subscriber{id: id, handler: handler})
	b.mu.Unlock()

	return &Subscription{
		topic: topic,
		id:    id,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[topic]
			for i, s := range subs {
				if s.id == id {
					b.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		},
	}, nil
}

// Acknowledge marks a delivered message as handled, removing it from the
// pending bookkeeping. It is advisory only: delivery already happened and is
// not gated by acknowledgement. Unknown IDs are ignored.
func (b *Bus) Acknowledge(messageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, messageID)
}

// Pending returns the number of published but unacknowledged messages. Useful
// for at-least-once retry wrappers layered on top of the bus.
func (b *Bus) Pending() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// dispatchLoop is the single-threaded delivery path. Handlers are invoked in
// subscription order; failures and panics are contained here and logged, never
// surfaced to the publisher.
func (b *Bus) dispatchLoop() {
	defer close(b.done)
	for msg := range b.queue {
		b.mu.RLock()
		subs := make([]subscriber, len(b.subscribers[msg.Recipient]))
		copy(subs, b.subscribers[msg.Recipient])
		b.mu.RUnlock()

		for _, s := range subs {
			b.deliver(s, msg)
		}
	}
}

func (b *Bus) deliver(s subscriber, msg core.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.opts.Logger.Error("bus.handler.panic",
				"topic", msg.Recipient.String(), "message_id", msg.ID, "panic", fmt.Sprintf("%v", r))
		}
	}()

	if err := s.handler(context.Background(), msg); err != nil {
		b.opts.Logger.Error("bus.handler.error",
			"topic", msg.Recipient.String(), "message_id", msg.ID, "error", err.Error())
		return
	}

	b.opts.Logger.Debug("bus.delivered",
		"topic", msg.Recipient.String(), "message_id", msg.ID, "sender", msg.Sender.String())
}
