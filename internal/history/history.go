package history

import (
	"context"
	"time"
)

// EventType defines the kind of worker lifecycle event.
type EventType string

const (
	EventStart     EventType = "start"     // worker spawned
	EventExit      EventType = "exit"      // exit observed and handle reaped
	EventTerminate EventType = "terminate" // stopped within the grace period
	EventKill      EventType = "kill"      // escalated to a forced kill
)

// Event is one lifecycle transition of a worker. ID identifies the spawn, so
// the start and exit of the same process share it.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Username   string    `json:"username"`
	PID        int       `json:"pid"`
	OccurredAt time.Time `json:"occurred_at"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }
