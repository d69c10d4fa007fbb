package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"jarvis/internal/logging"
)

// Kind names an observability event.
type Kind string

const (
	KindRefresh         Kind = "refresh"
	KindRemoteCallError Kind = "remote_call_error"
	KindStorageError    Kind = "storage_error"
)

// Refresh reasons.
const (
	ReasonExchange       = "exchange"
	ReasonClear          = "clear"
	ReasonHistoryCleared = "history_cleared"
)

// Event is published on the bus and forwarded to the page over the websocket.
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// ClearsHistory reports whether e announces that the shared log was emptied.
func (e Event) ClearsHistory() bool {
	return e.Kind == KindRefresh && (e.Reason == ReasonClear || e.Reason == ReasonHistoryCleared)
}

// Sink receives every event published locally.
type Sink interface {
	Deliver(ctx context.Context, e Event)
}

// Bus fans events out to sinks and in-process subscribers. Slow
// subscribers lose events rather than block the publisher.
type Bus struct {
	sessionID string
	sinks     []Sink

	mu   sync.RWMutex
	subs map[uint64]chan Event
	next uint64

	now func() time.Time
}

func NewBus(sessionID string, sinks ...Sink) *Bus {
	return &Bus{
		sessionID: sessionID,
		sinks:     sinks,
		subs:      make(map[uint64]chan Event),
		now:       time.Now,
	}
}

func (b *Bus) SessionID() string { return b.sessionID }

// Publish stamps e with this session and the current time, hands it to
// every sink and then to subscribers.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.SessionID == "" {
		e.SessionID = b.sessionID
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	for _, s := range b.sinks {
		s.Deliver(ctx, e)
	}
	b.broadcast(e)
}

// Forward delivers an event that originated elsewhere to subscribers only.
func (b *Bus) Forward(e Event) {
	b.broadcast(e)
}

func (b *Bus) broadcast(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			logging.AppLogger.Debug("event dropped for slow subscriber",
				zap.Uint64("subscriber", id), zap.String("kind", string(e.Kind)))
		}
	}
}

// Subscribe registers a listener. The returned cancel func closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports how many listeners are attached.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// ReportRemoteError records a failed completion call.
func (b *Bus) ReportRemoteError(ctx context.Context, err error) {
	b.Publish(ctx, Event{Kind: KindRemoteCallError, Error: err.Error()})
}

// ReportStorageError records a failed durable-log operation.
func (b *Bus) ReportStorageError(ctx context.Context, err error) {
	b.Publish(ctx, Event{Kind: KindStorageError, Error: err.Error()})
}

// Refresh asks every attached view to re-render.
func (b *Bus) Refresh(reason string) {
	b.Publish(context.Background(), Event{Kind: KindRefresh, Reason: reason})
}
