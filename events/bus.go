// Package events carries structured notifications from the agent core to its
// subscribers: the operator console, the websocket broadcaster, and an
// optional webhook pusher.
package events

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the core.
const (
	TypeCheckin = "checkin"
	TypeTask    = "task"
	TypeResult  = "result"
)

// SenderGlobal tags events not attributable to a single agent.
const SenderGlobal = "empire"

// Event is one structured notification.
type Event struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	EventType string    `json:"event_type,omitempty"`
	Message   string    `json:"message"`
	Print     bool      `json:"print"`
	Timestamp time.Time `json:"timestamp"`

	ResponseName string `json:"response_name,omitempty"`
	TaskID       int    `json:"task_id,omitempty"`
	TaskName     string `json:"task_name,omitempty"`
	Task         string `json:"task,omitempty"`
}

// Subscription receives the bus's event stream. Consume Events until it is
// closed; call Close to detach.
type Subscription struct {
	// Events receives published events. The channel is buffered; a
	// subscriber that falls behind loses events rather than stalling the
	// publisher.
	Events <-chan Event

	bus *Bus
	ch  chan Event
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus fans events out to subscribers. Publishing never blocks: the core runs
// under its store lock while emitting, so delivery must not wait on any
// consumer.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	logger *slog.Logger
}

// NewBus creates an event bus. A nil logger disables drop warnings.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a new consumer with the given channel depth.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 100
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{Events: ch, bus: b, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish stamps the event with an ID and timestamp (when unset) and
// delivers it to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Sender == "" {
		e.Sender = SenderGlobal
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.logger.Warn("subscriber full, dropping event", "sender", e.Sender)
		}
	}
}

// Close detaches every subscriber and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*Subscription]struct{})
}
