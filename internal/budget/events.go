package budget

import "sync"

// Event is emitted on every budget mutation attempt.
type Event interface {
	Type() string
}

// ReservedEvent is emitted after a successful Reserve.
type ReservedEvent struct {
	ReservationID string
	Label         string
	Bytes         int64
	Committed     int64
	Ceiling       int64
}

func (ReservedEvent) Type() string { return "reserved" }

// ReleasedEvent is emitted after a successful Release.
type ReleasedEvent struct {
	ReservationID string
	Label         string
	Bytes         int64
	Committed     int64
	Ceiling       int64
}

func (ReleasedEvent) Type() string { return "released" }

// RejectedEvent is emitted when a Reserve would exceed the ceiling.
type RejectedEvent struct {
	Label     string
	Bytes     int64
	Committed int64
	Ceiling   int64
}

func (RejectedEvent) Type() string { return "rejected" }

// EventEmitter receives budget events.
type EventEmitter interface {
	Emit(event Event)
}

// RecordingEmitter keeps every event and fans out to subscribers.
type RecordingEmitter struct {
	mu       sync.RWMutex
	handlers []func(Event)
	events   []Event
}

// NewRecordingEmitter creates an empty emitter.
func NewRecordingEmitter() *RecordingEmitter {
	return &RecordingEmitter{
		handlers: make([]func(Event), 0),
		events:   make([]Event, 0),
	}
}

// Emit records event and calls subscribers outside the lock.
func (e *RecordingEmitter) Emit(event Event) {
	e.mu.Lock()
	e.events = append(e.events, event)
	handlers := make([]func(Event), len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// Subscribe registers a handler.
func (e *RecordingEmitter) Subscribe(handler func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

// Events returns a copy of all recorded events.
func (e *RecordingEmitter) Events() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

// Reset clears recorded events.
func (e *RecordingEmitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = e.events[:0]
}
