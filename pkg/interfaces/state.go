/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: state.go
Description: Fuzzer session lifecycle states. Encodes the session state machine and the
transition table every orchestrator enforces before touching its executor or script runtime.
*/

package interfaces

import "fmt"

// FuzzerState is the lifecycle state of one fuzzer session
type FuzzerState int32

const (
	StateNotStarted FuzzerState = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s FuzzerState) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("FuzzerState(%d)", int32(s))
	}
}

// CanTransitionTo reports whether moving from s to target is a legal transition.
// STOPPED is terminal.
func (s FuzzerState) CanTransitionTo(target FuzzerState) bool {
	switch s {
	case StateNotStarted:
		return target == StateRunning
	case StateRunning:
		return target == StatePaused || target == StateStopped
	case StatePaused:
		return target == StateRunning || target == StateStopped
	default:
		return false
	}
}

// IsActive reports whether the session owns live workers
func (s FuzzerState) IsActive() bool {
	return s == StateRunning || s == StatePaused
}

// IsTerminal reports whether no further transition is possible
func (s FuzzerState) IsTerminal() bool {
	return s == StateStopped
}
