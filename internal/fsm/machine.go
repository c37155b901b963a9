// Package fsm implements a small thread-safe finite state machine.
package fsm

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTransition is returned when an event is not allowed in the current state.
var ErrTransition = errors.New("invalid transition")

// State is a named machine state.
type State string

// Event is a named trigger of a transition.
type Event string

// Handler is executed after a transition has been made.
type Handler func(from, to State, event Event)

// Machine keeps the current state and the allowed transitions.
type Machine struct {
	mu          sync.RWMutex
	current     State
	transitions map[State]map[Event]State
	observers   []Handler
}

// New creates a machine in the given initial state.
func New(initial State) *Machine {
	return &Machine{
		current:     initial,
		transitions: make(map[State]map[Event]State),
	}
}

// Current provides the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Allow registers a transition from one state to another on the given event.
func (m *Machine) Allow(from State, event Event, to State) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transitions[from]; !ok {
		m.transitions[from] = make(map[Event]State)
	}
	m.transitions[from][event] = to
	return m
}

// Observe registers a handler called after every transition.
// Handlers run outside of the machine lock and may inspect the machine.
func (m *Machine) Observe(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, h)
}

// Fire triggers a state transition. It is thread-safe.
func (m *Machine) Fire(event Event) error {
	m.mu.Lock()
	from := m.current
	to, ok := m.transitions[from][event]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w from %s via %s", ErrTransition, from, event)
	}
	m.current = to
	observers := append([]Handler(nil), m.observers...)
	m.mu.Unlock()

	for _, h := range observers {
		h(from, to, event)
	}
	return nil
}
