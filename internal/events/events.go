package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event.
type Type string

const (
	RunStarted   Type = "run.started"
	RunPaused    Type = "run.paused"
	RunResumed   Type = "run.resumed"
	RunCompleted Type = "run.completed"
	RunFailed    Type = "run.failed"
	RunAborted   Type = "run.aborted"

	StepDispatched Type = "step.dispatched"
	StepAccepted   Type = "step.accepted"
	StepRetrying   Type = "step.retrying"
	StepSkipped    Type = "step.skipped"
	StepAborted    Type = "step.aborted"

	BudgetWarning   Type = "budget.warning"
	BudgetExhausted Type = "budget.exhausted"
	BudgetOverride  Type = "budget.override"
)

// Event is one published notification.
type Event struct {
	ID      string         `json:"id"`
	Type    Type           `json:"type"`
	RunID   string         `json:"run_id"`
	Step    string         `json:"step,omitempty"`
	Attempt int            `json:"attempt,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Time    time.Time      `json:"time"`
}

// New creates an event with an id and timestamp.
func New(t Type, runID string) Event {
	return Event{ID: uuid.New().String(), Type: t, RunID: runID, Time: time.Now().UTC()}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Subject returns the subject an event is published on.
func Subject(prefix string, e Event) string {
	return prefix + "." + token(e.RunID) + "." + string(e.Type)
}

// token makes s usable as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// Nop discards events.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish records e.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Close does nothing.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types for runID in order.
func (r *Recorder) Types(runID string) []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Type
	for _, e := range r.events {
		if e.RunID == runID {
			out = append(out, e.Type)
		}
	}
	return out
}
