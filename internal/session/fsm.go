package session

import (
	"errors"
	"fmt"

	"github.com/yourorg/batchwatch/pkg/types"
)

// ErrIllegalTransition is returned for an edge missing from the table.
var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[types.State][]types.State{
	types.StateIdle:      {types.StateStarting},
	types.StateStarting:  {types.StateStreaming, types.StateCancelled, types.StateFailed},
	types.StateStreaming: {types.StateCompleted, types.StateCreditExhausted, types.StateCancelled, types.StateFailed},
}

// machine is a strict, table-driven state holder. Terminal states have no
// outgoing edges. Callers hold the session mutex.
type machine struct {
	state types.State
}

func (m *machine) fire(to types.State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == to {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, to)
}
