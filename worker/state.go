package worker

import "fmt"

// State is the lifecycle state of a worker.
type State int32

const (
	Starting State = iota
	Ready
	Draining
	Stopped
	Crashed
)

var stateNames = [...]string{"starting", "ready", "draining", "stopped", "crashed"}

func (s State) String() string {
	if s >= Starting && s <= Crashed {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal tells whether the worker is gone.
func (s State) Terminal() bool {
	return s == Stopped || s == Crashed
}

// MarshalText makes states print by name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
