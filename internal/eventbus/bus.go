package eventbus

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/clud-dev/cluster/internal/obs"
)

// Subscriber is a single browser event subscriber channel. Publish sends
// on Ch; if the send would block past Deadline, the subscriber is
// removed and Ch is closed.
type Subscriber struct {
	ID       uint64
	Ch       chan Event
	Deadline time.Duration
}

// Bus fans out Events to all current Subscribers with best-effort
// semantics, and optionally mirrors events to a NATS JetStream stream for
// external tooling. The mirror is never the path of record: a lost or
// unacked JetStream publish (stream not provisioned, connection down) is
// logged and otherwise ignored, preserving the Non-goal that there is no
// cross-cluster replication guarantee.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]Subscriber
	nextID      uint64

	js      nats.JetStreamContext
	subject string

	logger *log.Logger
}

// New creates an empty event bus. logger defaults to log.Default() if nil.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{subscribers: make(map[uint64]Subscriber), logger: logger}
}

// SetJetStream attaches a JetStream context events are opportunistically
// published to, under subject, after local fan-out. Passing a nil context
// disables the mirror.
func (b *Bus) SetJetStream(js nats.JetStreamContext, subject string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.js = js
	b.subject = subject
}

// Subscribe registers a new subscriber with the given buffer size and
// per-publish deadline, returning its channel and an unsubscribe func.
func (b *Bus) Subscribe(bufSize int, deadline time.Duration) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, bufSize)
	b.subscribers[id] = Subscriber{ID: id, Ch: ch, Deadline: deadline}
	b.mu.Unlock()

	return ch, func() { b.remove(id) }
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.Ch)
	}
}

// Count returns the number of current subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish delivers event to every current subscriber. A subscriber whose
// channel is full past its deadline is removed and its channel closed
// before Publish returns, so an event is never delivered to a subscriber
// that has already been dropped. Per-subscriber delivery order is
// preserved; no order is guaranteed across subscribers. Publish with zero
// subscribers is a no-op that cannot fail.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	snapshot := make([]Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	for _, s := range snapshot {
		b.deliver(s, event)
	}

	b.mirror(event)
}

func (b *Bus) deliver(s Subscriber, event Event) {
	select {
	case s.Ch <- event:
		return
	default:
	}

	deadline := s.Deadline
	if deadline <= 0 {
		deadline = 2 * time.Second
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case s.Ch <- event:
	case <-timer.C:
		b.logger.Printf("eventbus: subscriber %d exceeded deadline, dropping", s.ID)
		b.remove(s.ID)
		obs.RecordEventDrop(context.Background())
	}
}

func (b *Bus) mirror(event Event) {
	b.mu.RLock()
	js, subject := b.js, b.subject
	b.mu.RUnlock()

	if js == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Printf("eventbus: marshal for JetStream mirror failed: %v", err)
		return
	}
	if _, err := js.Publish(subject, data); err != nil {
		b.logger.Printf("eventbus: JetStream mirror publish to %s failed: %v", subject, err)
	}
}
