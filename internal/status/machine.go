package status

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sugarmesh/glucolink/internal/gateway"
)

// State is a connection lifecycle state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Error        State = "error"
)

// transitions is the closed transition table. Anything not listed here is
// rejected.
var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Error, Disconnected},
	Connected:    {Disconnected},
	Error:        {Connecting, Disconnected},
}

// Snapshot is the client-visible connection status.
type Snapshot struct {
	State     State               `json:"state"`
	LastSync  *time.Time          `json:"lastSync"`
	Sensor    *gateway.SensorInfo `json:"sensor,omitempty"`
	Simulated bool                `json:"simulated,omitempty"`
}

// Machine tracks the connection lifecycle. UI code only ever observes it
// through Snapshot; every mutation goes through a subsystem operation.
type Machine struct {
	mu        sync.RWMutex
	state     State
	lastSync  *time.Time
	sensor    *gateway.SensorInfo
	simulated bool
	logger    zerolog.Logger
}

// NewMachine creates a machine in the disconnected state.
func NewMachine(logger zerolog.Logger) *Machine {
	return &Machine{
		state:  Disconnected,
		logger: logger.With().Str("component", "status").Logger(),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Snapshot returns the current status snapshot.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := Snapshot{State: m.state, Simulated: m.simulated}
	if m.lastSync != nil {
		t := *m.lastSync
		snapshot.LastSync = &t
	}
	if m.sensor != nil {
		sensor := *m.sensor
		snapshot.Sensor = &sensor
	}
	return snapshot
}

// BeginConnect enters the connecting state. Only legal from disconnected or
// error.
func (m *Machine) BeginConnect() bool {
	return m.transition(Connecting, func() {})
}

// ConnectSucceeded enters the connected state after a successful
// login + first sync.
func (m *Machine) ConnectSucceeded(simulated bool) bool {
	return m.transition(Connected, func() {
		m.simulated = simulated
	})
}

// ConnectFailed enters the error state from a failed explicit connect.
func (m *Machine) ConnectFailed() bool {
	return m.transition(Error, func() {})
}

// Disconnect returns to the disconnected state and clears derived data.
// Legal from every state; disconnecting twice is a no-op.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Disconnected {
		return
	}
	m.logTransition(m.state, Disconnected)
	m.state = Disconnected
	m.lastSync = nil
	m.sensor = nil
	m.simulated = false
}

// MarkSynced records a successful sync and the latest derived sensor state.
func (m *Machine) MarkSynced(at time.Time, sensor *gateway.SensorInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := at
	m.lastSync = &t
	if sensor != nil {
		m.sensor = sensor
	}
}

func (m *Machine) transition(next State, apply func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.logTransition(m.state, next)
			m.state = next
			apply()
			return true
		}
	}

	m.logger.Warn().
		Str("from", string(m.state)).
		Str("to", string(next)).
		Msg("Rejected illegal status transition")
	return false
}

func (m *Machine) logTransition(from, to State) {
	m.logger.Debug().
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Status transition")
}
