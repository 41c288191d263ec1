package budget

import "sync"

// EventType names a budget event.
type EventType string

const (
	EventWarning   EventType = "budget.warning"
	EventExhausted EventType = "budget.exhausted"
	EventOverride  EventType = "budget.override"
)

// Event reports a budget threshold crossing or override.
type Event struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id"`
	Spent float64   `json:"spent"`
	Limit float64   `json:"limit"`
	Ratio float64   `json:"ratio"`
}

// EventEmitter receives budget events. Emit is called without any Manager
// lock held, so handlers may call back into the Manager.
type EventEmitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to EventEmitter.
type EmitterFunc func(Event)

// Emit calls f.
func (f EmitterFunc) Emit(e Event) { f(e) }

// RecordingEmitter stores events for inspection.
type RecordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

// Emit records e.
func (r *RecordingEmitter) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *RecordingEmitter) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
