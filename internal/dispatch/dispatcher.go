package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/model"
	"go.uber.org/zap"
)

// Kind names an event channel on the notification stream.
type Kind string

const (
	KindNotification       Kind = "notification"
	KindMissedNotification Kind = "missed-notification"
	KindUnreadCount        Kind = "unread-count"
	KindHeartbeat          Kind = "heartbeat"
	// KindConnection carries connection state transitions of a stream client.
	KindConnection Kind = "connection"
)

const defaultSubscriberBuffer = 16

// Heartbeat is the tagged parse result of a heartbeat body: either a JSON
// object or the opaque string the server sent.
type Heartbeat struct {
	JSON map[string]any
	Raw  string
}

// IsJSON reports whether the body parsed as a JSON object.
func (h Heartbeat) IsJSON() bool {
	return h.JSON != nil
}

// ConnectionChange describes a state transition of a stream connection.
type ConnectionChange struct {
	Subject  string `json:"subject"`
	State    string `json:"state"`
	Attempt  int    `json:"attempt"`
	Terminal bool   `json:"terminal"`
}

// Event is a typed stream event. Exactly one payload pointer is set, matching Kind.
type Event struct {
	Kind         Kind
	ResumptionID string
	ReceivedAt   time.Time
	Notification *model.Notification
	UnreadCount  *model.UnreadCount
	Heartbeat    *Heartbeat
	Connection   *ConnectionChange
}

// Listener receives events of the kind it registered for.
type Listener func(Event)

// ListenerID identifies a registration for RemoveListener.
type ListenerID int64

type registration struct {
	id       ListenerID
	listener Listener
}

type subscriber struct {
	id     int64
	stream chan Event
}

// Dispatcher fans stream events out to any number of in-process consumers.
type Dispatcher struct {
	mu          sync.RWMutex
	listeners   map[Kind][]registration
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		listeners:   make(map[Kind][]registration),
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultSubscriberBuffer,
		logger:      logger.Named("dispatch"),
	}
}

// AddListener registers fn for kind. The same function may be registered
// more than once; each registration gets its own id.
func (d *Dispatcher) AddListener(kind Kind, fn Listener) ListenerID {
	if fn == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := ListenerID(d.nextID)
	d.listeners[kind] = append(d.listeners[kind], registration{id: id, listener: fn})
	return id
}

// RemoveListener drops a registration. It reports whether one was removed.
func (d *Dispatcher) RemoveListener(kind Kind, id ListenerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	registrations := d.listeners[kind]
	for index, candidate := range registrations {
		if candidate.id != id {
			continue
		}
		remaining := make([]registration, 0, len(registrations)-1)
		remaining = append(remaining, registrations[:index]...)
		remaining = append(remaining, registrations[index+1:]...)
		if len(remaining) == 0 {
			delete(d.listeners, kind)
		} else {
			d.listeners[kind] = remaining
		}
		return true
	}
	return false
}

// ListenerCount returns the number of registrations for kind.
func (d *Dispatcher) ListenerCount(kind Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[kind])
}

// Emit delivers event to every listener of its kind in registration order,
// then to channel subscribers. A panicking listener is logged and skipped.
func (d *Dispatcher) Emit(event Event) {
	if event.Kind == "" {
		return
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	d.mu.RLock()
	registrations := append([]registration(nil), d.listeners[event.Kind]...)
	subscribers := make([]*subscriber, 0, len(d.subscribers))
	for _, candidate := range d.subscribers {
		subscribers = append(subscribers, candidate)
	}
	d.mu.RUnlock()

	for _, registered := range registrations {
		d.invoke(registered, event)
	}
	for _, candidate := range subscribers {
		select {
		case candidate.stream <- event:
		default:
			d.logger.Debug("subscriber buffer full, dropping event",
				zap.Int64("subscriber", candidate.id),
				zap.String("kind", string(event.Kind)))
		}
	}
}

func (d *Dispatcher) invoke(registered registration, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("listener panicked",
				zap.String("kind", string(event.Kind)),
				zap.Int64("listener", int64(registered.id)),
				zap.String("panic", fmt.Sprint(recovered)))
		}
	}()
	registered.listener(event)
}

// Subscribe returns a buffered channel receiving every emitted event until
// ctx ends or the returned cleanup runs. Slow subscribers lose events.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	d.mu.Lock()
	d.nextID++
	subscription := &subscriber{
		id:     d.nextID,
		stream: make(chan Event, d.bufferSize),
	}
	d.subscribers[subscription.id] = subscription
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, subscription.id)
			d.mu.Unlock()
		})
	}
	context.AfterFunc(ctx, cleanup)
	return subscription.stream, cleanup
}
