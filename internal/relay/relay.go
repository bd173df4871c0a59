// Package relay fans job lifecycle events out to the surfaces that asked
// for them. Delivery is best-effort: a surface that closed or navigated
// away simply misses its events, which is an expected race rather than an
// error of the core.
package relay

import (
	"log/slog"
	"sync"
)

// EventType discriminates relay events.
type EventType string

const (
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
	EventError    EventType = "error"
)

// Event is a job lifecycle notification correlated to one request.
type Event struct {
	Type          EventType `json:"type"`
	CorrelationID string    `json:"correlation_id"`
	Stage         string    `json:"stage,omitempty"`
	Fraction      *float64  `json:"fraction,omitempty"`
	Text          string    `json:"text,omitempty"`
	Cached        bool      `json:"cached,omitempty"`
	Message       string    `json:"message,omitempty"`
}

// Terminal reports whether the event ends its job.
func (e Event) Terminal() bool {
	return e.Type == EventResult || e.Type == EventError
}

// Progress builds a stage progress event. fraction may be nil when no
// meaningful fraction exists for the stage.
func Progress(correlationID, stage string, fraction *float64) Event {
	return Event{Type: EventProgress, CorrelationID: correlationID, Stage: stage, Fraction: fraction}
}

// Result builds a terminal result event.
func Result(correlationID, text string, cached bool) Event {
	return Event{Type: EventResult, CorrelationID: correlationID, Text: text, Cached: cached}
}

// Error builds a terminal error event.
func Error(correlationID, message string) Event {
	return Event{Type: EventError, CorrelationID: correlationID, Message: message}
}

// Fraction is a convenience for building *float64 literals.
func Fraction(v float64) *float64 { return &v }

// Destination is a listening surface. Send failures are treated as the
// surface having gone away.
type Destination interface {
	ID() string
	Send(Event) error
}

// NewDestination wraps an id and a send function into a Destination.
func NewDestination(id string, send func(Event) error) Destination {
	return destFunc{id: id, send: send}
}

type destFunc struct {
	id   string
	send func(Event) error
}

func (d destFunc) ID() string         { return d.id }
func (d destFunc) Send(e Event) error { return d.send(e) }

// Relay is a registry of destinations keyed by surface handle.
type Relay struct {
	mu           sync.RWMutex
	destinations map[string]Destination
}

// New creates an empty relay.
func New() *Relay {
	return &Relay{destinations: make(map[string]Destination)}
}

// Register adds (or replaces) a destination.
func (r *Relay) Register(d Destination) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destinations[d.ID()] = d
}

// Unregister removes the destination with the given id.
func (r *Relay) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.destinations, id)
}

// Len reports the number of registered destinations.
func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.destinations)
}

// Emit delivers the event to the named destination. Unknown destinations
// and send failures are dropped silently; the surface is gone.
func (r *Relay) Emit(destination string, event Event) {
	r.mu.RLock()
	d, ok := r.destinations[destination]
	r.mu.RUnlock()

	if !ok {
		slog.Debug("relay drop: destination gone",
			"destination", destination, "correlation_id", event.CorrelationID, "type", event.Type)
		return
	}
	if err := d.Send(event); err != nil {
		slog.Debug("relay drop: send failed",
			"destination", destination, "correlation_id", event.CorrelationID, "error", err)
	}
}
