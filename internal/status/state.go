package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/collab/internal/bus"
)

// State represents a connection lifecycle state.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// KindStateChanged is emitted after every successful transition.
const KindStateChanged = "link.state_changed"

// validTransitions defines allowed state transitions. Closed is reachable
// from every state through Close and has no way out.
var validTransitions = map[State][]State{
	Idle:         {Connecting},
	Connecting:   {Open, Reconnecting},
	Open:         {Reconnecting},
	Reconnecting: {Connecting, Idle},
}

// Notifier receives state changes. It is called with the machine unlocked.
type Notifier func(StatusChange)

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	notify  Notifier
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(notify Notifier) *Machine {
	return &Machine{
		current: Idle,
		notify:  notify,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	change, err := m.transitionLocked(to)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if m.notify != nil {
		m.notify(change)
	}
	return nil
}

// CompareAndTransition moves to `to` only if the machine is currently in `from`.
func (m *Machine) CompareAndTransition(from, to State) error {
	m.mu.Lock()
	if m.current != from {
		cur := m.current
		m.mu.Unlock()
		return fmt.Errorf("state is %s, not %s", cur, from)
	}
	change, err := m.transitionLocked(to)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if m.notify != nil {
		m.notify(change)
	}
	return nil
}

func (m *Machine) transitionLocked(to State) (StatusChange, error) {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return StatusChange{}, fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	change := StatusChange{From: m.current, To: to, At: time.Now()}
	m.current = to
	return change, nil
}

// Close moves the machine to Closed from any state. It reports whether this
// call performed the transition.
func (m *Machine) Close() bool {
	m.mu.Lock()
	if m.current == Closed {
		m.mu.Unlock()
		return false
	}
	change := StatusChange{From: m.current, To: Closed, At: time.Now()}
	m.current = Closed
	m.mu.Unlock()

	if m.notify != nil {
		m.notify(change)
	}
	return true
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From State
	To   State
	At   time.Time
}

// Event wraps a change as a bus event.
func (c StatusChange) Event() bus.Event {
	return bus.Event{Kind: KindStateChanged, Timestamp: c.At, Payload: c}
}
