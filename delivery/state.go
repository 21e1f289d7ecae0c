package delivery

import "fmt"

// State is a node of the per-pair delivery state machine:
//
//	Queued -> Attempting -> Succeeded
//	Queued -> Deferred -> Queued
//	Attempting -> AttemptFailed -> Queued
//	Attempting -> Exhausted
//
// Any non-terminal state may move to Aborted when the context ends.
type State string

const (
	StateQueued        State = "queued"
	StateDeferred      State = "deferred"
	StateAttempting    State = "attempting"
	StateAttemptFailed State = "attempt_failed"
	StateSucceeded     State = "succeeded"
	StateExhausted     State = "exhausted"
	StateAborted       State = "aborted"
)

var transitions = map[State][]State{
	StateQueued:        {StateAttempting, StateDeferred, StateAborted},
	StateDeferred:      {StateQueued, StateAborted},
	StateAttempting:    {StateSucceeded, StateAttemptFailed, StateExhausted, StateAborted},
	StateAttemptFailed: {StateQueued, StateAborted},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// CanTransition reports whether from -> to is an edge of the machine.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// moveTo advances the attempt, panicking on an illegal edge since that can
// only be an engine bug.
func (a *Attempt) moveTo(to State) {
	if !CanTransition(a.State, to) {
		panic(fmt.Sprintf("delivery: illegal transition %s -> %s", a.State, to))
	}
	a.State = to
}
