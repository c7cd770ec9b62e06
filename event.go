package xcqrs

import (
	"time"
)

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	DispatchStart EventType = "dispatch_start"
	DispatchDone  EventType = "dispatch_done"
	Commit        EventType = "commit"
	Rollback      EventType = "rollback"
	Enqueue       EventType = "enqueue"
	PolicyDone    EventType = "policy_done"
	ProjectDone   EventType = "project_done"
	SendDone      EventType = "send_done"
	Ack           EventType = "ack"
	Nack          EventType = "nack"
	Error         EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type       EventType
	Kind       Kind
	Name       string
	MessageID  string
	Causation  string
	Depth      int
	Generation int
	// Count is the number of envelopes involved (events committed, side effects returned).
	Count    int
	Duration time.Duration
	Err      error
}

func eventFor(t EventType, env Envelope) Event {
	return Event{
		Type:       t,
		Kind:       env.Kind,
		Name:       env.Name,
		MessageID:  env.ID,
		Causation:  env.CausationID,
		Depth:      env.Depth,
		Generation: env.Generation,
	}
}
