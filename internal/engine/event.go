package engine

import (
	"time"

	"github.com/ashureev/simroom/internal/domain"
)

// EventType categorizes engine events.
type EventType string

const (
	EventMessage          EventType = "message"
	EventViolation        EventType = "violation"
	EventTick             EventType = "tick"
	EventChannelCompleted EventType = "channel_completed"
	EventSubmitted        EventType = "submitted"
)

// Event is an observable change in a running simulation.
type Event struct {
	Type             EventType           `json:"type"`
	SimulationID     string              `json:"simulation_id"`
	ChannelID        string              `json:"channel_id,omitempty"`
	Message          *domain.Message     `json:"message,omitempty"`
	ViolationKind    string              `json:"violation_kind,omitempty"`
	ViolationsCount  int                 `json:"violations_count"`
	RemainingSeconds int                 `json:"remaining_seconds"`
	Reason           domain.SubmitReason `json:"reason,omitempty"`
	At               time.Time           `json:"at"`
}

// Publisher receives engine events. Message events for one channel are
// published in emission order, so implementations must not block.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev Event)

// Publish calls f(ev).
func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Fanout publishes every event to each of its publishers in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ev Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ev)
		}
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
