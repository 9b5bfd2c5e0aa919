package history

import (
	"context"
	"time"

	"github.com/zgsm-ai/tunnel-starter/internal/store"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventOpen  EventType = "open"
	EventClose EventType = "close"
	EventCrash EventType = "crash"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType    `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Record     store.Record `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
