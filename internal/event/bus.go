package event

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topic is the watermill topic every published event is mirrored to.
const Topic = "bridge.events"

// ErrClosed is returned by Stream after Close.
var ErrClosed = errors.New("event bus closed")

// Event is one lifecycle notification.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// SessionID returns the session the event belongs to, or "" when its
// data carries none.
func (e Event) SessionID() string {
	if p, ok := e.Data.(Payload); ok {
		return p.Session()
	}
	return ""
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

// subscription is a registered Subscriber. A zero only field matches
// every event type.
type subscription struct {
	only EventType
	fn   Subscriber
}

// Bus is the lifecycle event bus. Direct subscribers receive typed
// events; every event is also published as JSON on the watermill Topic
// so consumers can read it as a stream (see Stream).
type Bus struct {
	pubsub *gochannel.GoChannel

	mu     sync.RWMutex
	subs   map[uint64]subscription
	order  []uint64
	nextID uint64
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			watermill.NopLogger{},
		),
		subs: make(map[uint64]subscription),
	}
}

// Subscribe calls fn for every event of type t until the returned
// function is called.
func (b *Bus) Subscribe(t EventType, fn Subscriber) func() {
	return b.add(subscription{only: t, fn: fn})
}

// SubscribeAll calls fn for every event until the returned function is
// called.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.add(subscription{fn: fn})
}

func (b *Bus) add(sub subscription) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.order = append(b.order, id)

	var once sync.Once
	return func() { once.Do(func() { b.remove(id) }) }
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// matching returns the subscribers of t in registration order. ok is
// false once the bus is closed.
func (b *Bus) matching(t EventType) (fns []Subscriber, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false
	}
	for _, id := range b.order {
		if sub := b.subs[id]; sub.only == "" || sub.only == t {
			fns = append(fns, sub.fn)
		}
	}
	return fns, true
}

// Publish delivers the event to each subscriber on its own goroutine.
// Publishing never blocks on a slow subscriber.
func (b *Bus) Publish(event Event) {
	fns, ok := b.matching(event.Type)
	if !ok {
		return
	}
	b.mirror(event)
	for _, fn := range fns {
		go fn(event)
	}
}

// PublishSync delivers the event to every subscriber before returning.
func (b *Bus) PublishSync(event Event) {
	fns, ok := b.matching(event.Type)
	if !ok {
		return
	}
	b.mirror(event)
	for _, fn := range fns {
		fn(event)
	}
}

// mirror copies the event onto the watermill topic. The message carries
// the event type and session in its metadata.
func (b *Bus) mirror(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(event.Type))
	if id := event.SessionID(); id != "" {
		msg.Metadata.Set("sessionID", id)
	}
	_ = b.pubsub.Publish(Topic, msg)
}

// Stream subscribes to the watermill topic. Each message carries one
// JSON encoded Event and must be acknowledged with Ack. The channel is
// closed when ctx is cancelled or the bus is closed.
func (b *Bus) Stream(ctx context.Context) (<-chan *message.Message, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return b.pubsub.Subscribe(ctx, Topic)
}

// Close drops every subscriber and closes open streams. It is safe to
// call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = nil
	b.order = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}
