package run

import (
	"fmt"
	"sync"
)

// State is a position in the migration state machine
type State string

const (
	StateIdle         State = "idle"
	StateLocked       State = "locked"
	StateBackedUp     State = "backed_up"
	StateParsing      State = "parsing"
	StateBatching     State = "batching"
	StateCheckpointed State = "checkpointed"
	StateValidating   State = "validating"
	StateRestoring    State = "restoring"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateRolledBack   State = "rolled_back"
)

var transitions = map[State][]State{
	StateIdle:         {StateLocked, StateParsing},
	StateLocked:       {StateBackedUp, StateCheckpointed, StateParsing, StateRestoring},
	StateBackedUp:     {StateParsing},
	StateParsing:      {StateBatching, StateValidating, StateCompleted},
	StateBatching:     {StateCheckpointed},
	StateCheckpointed: {StateBatching, StateParsing, StateValidating},
	StateValidating:   {StateCompleted},
	StateRestoring:    {StateRolledBack},
	StateCompleted:    {StateRolledBack},
	StateFailed:       {StateRolledBack},
}

// Machine enforces the legal state transitions of a run
type Machine struct {
	mu          sync.Mutex
	current     State
	checkpoints int
	history     []State
}

// NewMachine creates a machine in the idle state
func NewMachine() *Machine {
	return &Machine{current: StateIdle, history: []State{StateIdle}}
}

// Current returns the current state
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Checkpoints returns how many times the machine entered Checkpointed
func (m *Machine) Checkpoints() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints
}

// History returns the visited states in order
func (m *Machine) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, len(m.history))
	copy(out, m.history)
	return out
}

// Transition moves to the given state if the transition is legal
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == StateFailed {
		if m.current == StateFailed || m.current == StateRolledBack {
			return fmt.Errorf("illegal transition %s -> %s", m.current, to)
		}
		m.enter(to)
		return nil
	}

	for _, allowed := range transitions[m.current] {
		if allowed == to {
			m.enter(to)
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", m.current, to)
}

func (m *Machine) enter(to State) {
	if to == StateCheckpointed {
		m.checkpoints++
	}
	m.current = to
	m.history = append(m.history, to)
}
