package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/bus"
)

// State represents an engine runtime state.
type State string

const (
	Booting    State = "BOOTING"
	Connecting State = "CONNECTING"
	Ready      State = "READY"
	Degraded   State = "DEGRADED"
	Stopped    State = "STOPPED"
	Error      State = "ERROR"
)

// validTransitions defines allowed state transitions. Degraded is the
// connectivity signal raised while listener subscriptions are in backoff;
// it never tears the engine down.
var validTransitions = map[State][]State{
	Booting:    {Connecting, Error},
	Connecting: {Ready, Degraded, Stopped, Error},
	Ready:      {Degraded, Stopped, Error},
	Degraded:   {Ready, Connecting, Stopped, Error},
	Error:      {Booting, Stopped},
	Stopped:    {},
}

// Machine tracks and enforces engine runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is
// invalid. Transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "engine.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
