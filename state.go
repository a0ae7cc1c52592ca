package tablequeue

import (
	"fmt"
	"strings"
)

// ProcessState is the position of a row in the queue lifecycle.
type ProcessState int

const (
	// StateAvailable marks a row that can be claimed.
	StateAvailable ProcessState = iota + 1
	// StateInProcess marks a row claimed by a worker.
	StateInProcess
	// StateDone marks a row processed successfully.
	StateDone
	// StateError marks a row whose processing failed.
	StateError
	// StateHold parks a row until it is released manually.
	StateHold
)

var stateNames = map[ProcessState]string{
	StateAvailable: "AVAILABLE",
	StateInProcess: "INPROCESS",
	StateDone:      "DONE",
	StateError:     "ERROR",
	StateHold:      "HOLD",
}

// AllStates lists every process state in lifecycle order.
func AllStates() []ProcessState {
	return []ProcessState{StateAvailable, StateInProcess, StateDone, StateError, StateHold}
}

func (s ProcessState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("ProcessState(%d)", int(s))
}

// ParseProcessState resolves a state by its name, ignoring case.
func ParseProcessState(name string) (ProcessState, error) {
	for state, n := range stateNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return state, nil
		}
	}

	return 0, Configf("unknown process state %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s ProcessState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ProcessState) UnmarshalText(text []byte) error {
	parsed, err := ParseProcessState(string(text))
	if err != nil {
		return err
	}
	*s = parsed

	return nil
}

var transitions = map[ProcessState][]ProcessState{
	StateAvailable: {StateInProcess, StateDone, StateError, StateHold},
	StateInProcess: {StateDone, StateError, StateHold, StateAvailable},
	StateError:     {StateHold},
	StateHold:      {StateAvailable},
	StateDone:      {StateHold},
}

// TargetStates returns the states reachable from from, restricted to configured ones.
// ERROR may move back to AVAILABLE only when errorRevertable is set.
func TargetStates(from ProcessState, configured map[ProcessState]bool, errorRevertable bool) []ProcessState {
	candidates := transitions[from]
	if from == StateError && errorRevertable {
		candidates = append([]ProcessState{StateAvailable}, candidates...)
	}

	out := make([]ProcessState, 0, len(candidates))
	for _, to := range candidates {
		if configured[to] {
			out = append(out, to)
		}
	}

	return out
}

// StorageType distinguishes the kinds of rows that share a message table.
type StorageType string

const (
	// TypeMessageLog rows are an audit trail and expire after the retention period.
	TypeMessageLog StorageType = "L"
	// TypeErrorStorage rows hold failed messages for manual handling.
	TypeErrorStorage StorageType = "E"
	// TypeMessageStorage rows are queued work for a store listener.
	TypeMessageStorage StorageType = "M"
)

// ParseStorageType accepts either the column code or the long name.
func ParseStorageType(v string) (StorageType, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "L", "MESSAGELOG":
		return TypeMessageLog, nil
	case "E", "ERRORSTORAGE":
		return TypeErrorStorage, nil
	case "M", "MESSAGESTORAGE":
		return TypeMessageStorage, nil
	default:
		return "", Configf("unknown storage type %q", v)
	}
}

// Expires reports whether rows of this type carry an expiry date.
func (t StorageType) Expires() bool {
	return t == TypeMessageLog
}
