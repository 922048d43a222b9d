package pool

import "time"

// EventType names a session lifecycle transition.
type EventType string

const (
	EventCreated     EventType = "session.created"
	EventDeleted     EventType = "session.deleted"
	EventReserved    EventType = "session.reserved"
	EventReleased    EventType = "session.released"
	EventTagsUpdated EventType = "session.tags_updated"
	EventEvicted     EventType = "session.evicted"
	EventReaped      EventType = "session.reaped"
)

// Event reports a change to one session.
type Event struct {
	Type    EventType `json:"type"`
	Session Session   `json:"session"`
	Time    time.Time `json:"time"`

	// Error is set when the session left the pool but its browser could not
	// be terminated. The process may still be running.
	Error string `json:"error,omitempty"`
}

// Publisher receives pool events. Publish is called outside every pool lock
// and must not block.
type Publisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
