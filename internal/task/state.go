package task

import "fmt"

// State is the lifecycle state of a download task.
type State int

const (
	// Idle is a task that has not listed its files yet.
	Idle State = iota
	// Downloading is listing files or transferring the head of the queue.
	Downloading
	// Paused holds the active transfer without dropping it.
	Paused
	// Completed means every listed file is in place.
	Completed
	// Failed means retries were exhausted or a file could not be moved into
	// place. Start retries the head of the queue.
	Failed
	// Canceled is terminal.
	Canceled
)

var stateNames = map[State]string{
	Idle:        "idle",
	Downloading: "downloading",
	Paused:      "paused",
	Completed:   "completed",
	Failed:      "failed",
	Canceled:    "canceled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == Completed || s == Canceled
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("task: unknown state %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for state, name := range stateNames {
		if name == string(b) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("task: unknown state %q", string(b))
}
