// Package status tracks the transport connection phase. There is exactly
// one machine per ConnectionManager; every phase change goes through
// Transition so illegal jumps are rejected and observers hear about legal
// ones on the bus.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pairup/chatlink/internal/bus"
)

// Phase represents a connection lifecycle phase.
type Phase string

const (
	Disconnected Phase = "DISCONNECTED"
	Connecting   Phase = "CONNECTING"
	Connected    Phase = "CONNECTED"
	Reconnecting Phase = "RECONNECTING"
)

// validTransitions defines allowed phase transitions. A manual disconnect
// is legal from every live phase, which is why each row includes
// Disconnected.
var validTransitions = map[Phase][]Phase{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Connected, Disconnected},
}

// Machine tracks and enforces connection phase transitions.
type Machine struct {
	mu      sync.RWMutex
	current Phase
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current phase.
func (m *Machine) Current() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new phase. Returns an error if the
// transition is invalid. Transitioning to the current phase is a no-op.
func (m *Machine) Transition(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStateChanged,
			Timestamp: time.Now(),
			Payload: PhaseChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// PhaseChange is the payload for conn.state_changed events.
type PhaseChange struct {
	From Phase
	To   Phase
}
