package conflict

import (
	"errors"
	"fmt"

	"collabtext/internal/op"
)

// ErrInvalidTransition is returned when a conflict is moved along an edge its
// lifecycle does not allow, e.g. deciding a conflict that is already resolved.
var ErrInvalidTransition = errors.New("conflict: invalid state transition")

var transitions = map[op.ConflictState][]op.ConflictState{
	op.StateDetected:  {op.StateResolving},
	op.StateResolving: {op.StateResolved, op.StateDeferred},
	op.StateDeferred:  {op.StateResolved},
}

// Machine tracks one conflict through
// detected -> resolving -> resolved | deferred -> resolved.
type Machine struct {
	state op.ConflictState
}

// NewMachine returns a machine in the detected state.
func NewMachine() *Machine {
	return &Machine{state: op.StateDetected}
}

func (m *Machine) State() op.ConflictState {
	return m.state
}

// To moves the machine to next.
func (m *Machine) To(next op.ConflictState) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
}

// Terminal reports whether the conflict is resolved.
func (m *Machine) Terminal() bool {
	return m.state == op.StateResolved
}
