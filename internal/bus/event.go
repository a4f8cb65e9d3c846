package bus

import "time"

// Event represents a domain event moving through the dispatcher.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// KindHandlerError is emitted to channel subscribers when a handler fails.
const KindHandlerError = "dispatch.handler_error"

// HandlerError is the payload for KindHandlerError events.
type HandlerError struct {
	Kind string
	Err  error
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
