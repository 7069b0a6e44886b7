// Package event provides a pub/sub event system for session lifecycle
// events using watermill.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/lspmux/internal/logging"
)

// EventType represents the type of event.
type EventType string

const (
	SessionStarting EventType = "session.starting"
	SessionReady    EventType = "session.ready"
	SessionStopping EventType = "session.stopping"
	SessionRemoved  EventType = "session.removed"
	SessionCrashed  EventType = "session.crashed"
	WindowUnloaded  EventType = "window.unloaded"
	ConfigChanged   EventType = "config.changed"
)

// streamTopic is the watermill topic carrying every published event.
const streamTopic = "lspmux.events"

// Event represents an event to be published.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus delivers events to direct subscribers, preserving the Go type of
// Data, and mirrors them as JSON onto a watermill GoChannel for Stream
// consumers.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel
	log    zerolog.Logger

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry

	nextID atomic.Uint64
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		log:         logging.For("event"),
		subscribers: make(map[EventType][]subscriberEntry),
	}
}

// Subscribe registers a subscriber for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.nextID.Add(1)
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribe(eventType, id)
	}
}

// SubscribeAll registers a subscriber for all events.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.nextID.Add(1)
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribeGlobal(id)
	}
}

func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
}

// collect returns the subscribers for eventType, or false once closed.
func (b *Bus) collect(eventType EventType) ([]Subscriber, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, false
	}
	subs := make([]Subscriber, 0, len(b.subscribers[eventType])+len(b.global))
	for _, entry := range b.subscribers[eventType] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs, true
}

// Publish sends an event to all subscribers asynchronously.
// Each subscriber is called in its own goroutine to prevent blocking.
func (b *Bus) Publish(event Event) {
	subs, ok := b.collect(event.Type)
	if !ok {
		return
	}
	for _, sub := range subs {
		go sub(event)
	}
	b.mirror(event)
}

// PublishSync sends an event to all subscribers synchronously.
// All subscribers are called in the current goroutine before returning.
func (b *Bus) PublishSync(event Event) {
	subs, ok := b.collect(event.Type)
	if !ok {
		return
	}
	for _, sub := range subs {
		sub(event)
	}
	b.mirror(event)
}

func (b *Bus) mirror(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.log.Warn().Err(err).Str("type", string(event.Type)).Msg("failed to encode event")
		return
	}
	if err := b.pubsub.Publish(streamTopic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		b.log.Debug().Err(err).Str("type", string(event.Type)).Msg("failed to mirror event")
	}
}

// Stream returns every event published after the call, decoded from the
// watermill topic. Data holds the raw JSON of the original payload. The
// channel is closed when ctx is done or the bus is closed.
func (b *Bus) Stream(ctx context.Context) (<-chan Event, error) {
	msgs, err := b.pubsub.Subscribe(ctx, streamTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to event stream: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for msg := range msgs {
			var wire struct {
				Type EventType       `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			err := json.Unmarshal(msg.Payload, &wire)
			msg.Ack()
			if err != nil {
				b.log.Warn().Err(err).Msg("dropping undecodable event")
				continue
			}
			select {
			case out <- Event{Type: wire.Type, Data: wire.Data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close closes the bus and all its subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub returns the underlying watermill GoChannel.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
