package session

import (
	"errors"
	"fmt"
	"slices"
)

// State is a session's position in its lifecycle.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateInitialized   State = "initialized"
	StateConfigured    State = "configured"
	StateRunning       State = "running"
	StatePaused        State = "paused"
	StateTerminated    State = "terminated"
	StateErrored       State = "errored"
)

// ErrInvalidTransition is returned when a state change is not in the transition table.
var ErrInvalidTransition = errors.New("invalid session state transition")

// Forward edges only. Terminated and Errored are handled in CanTransition.
var transitions = map[State][]State{
	StateUninitialized: {StateConnecting},
	StateConnecting:    {StateInitialized},
	StateInitialized:   {StateConfigured},
	StateConfigured:    {StateRunning, StatePaused},
	StateRunning:       {StatePaused},
	StatePaused:        {StateRunning},
}

// Final reports whether no transition leaves s.
func (s State) Final() bool {
	return s == StateTerminated || s == StateErrored
}

// CanTransition reports whether s may move to next. Staying put is always
// allowed for live states so that repeated events are harmless.
func (s State) CanTransition(next State) bool {
	if s.Final() {
		return false
	}
	if s == next || next == StateTerminated || next == StateErrored {
		return true
	}
	return slices.Contains(transitions[s], next)
}

func checkTransition(from, to State) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
