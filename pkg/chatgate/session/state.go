// Package session owns the live channel sessions: the registry with atomic
// replace, the per-session lifecycle state machine, the reconnection
// scheduler and its backoff profiles, the QR pairing handshake and the
// periodic health reconciler.
package session

import "fmt"

// State is the lifecycle state of a channel session.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateQRPending      State = "qr_pending"
	StateConnected      State = "connected"
	StateClosing        State = "closing"
	StateReconnecting   State = "reconnecting"
	StateTerminalFailed State = "terminal_failed"
	StateStopped        State = "stopped"
)

// transitions lists the allowed next states. Every state may also move to
// stopped (operator stop, replacement or removal).
var transitions = map[State][]State{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateQRPending, StateConnected, StateClosing},
	StateQRPending:      {StateQRPending, StateConnected, StateClosing},
	StateConnected:      {StateClosing},
	StateClosing:        {StateReconnecting, StateTerminalFailed},
	StateReconnecting:   {StateConnecting},
	StateTerminalFailed: {StateConnecting},
	StateStopped:        {StateConnecting},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	if next == StateStopped {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Final reports whether the state only changes on an explicit restart.
func (s State) Final() bool {
	return s == StateStopped || s == StateTerminalFailed
}

// Live reports whether the session has, or is acquiring, a connection.
func (s State) Live() bool {
	switch s {
	case StateConnecting, StateQRPending, StateConnected:
		return true
	}
	return false
}

type transitionError struct {
	from, to State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("session: invalid transition %s -> %s", e.from, e.to)
}
