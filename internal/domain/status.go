package domain

import "fmt"

// ConnectionStatus is the externally observable state of a call.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Trigger is an input to the connection state machine.
type Trigger int

const (
	// TriggerStart is a new call being placed or an offer being accepted.
	TriggerStart Trigger = iota
	// TriggerTransportConnected is the transport reporting connectivity.
	TriggerTransportConnected
	// TriggerTransportFailed covers transport failure, an expired disconnect
	// grace window, and negotiation failures.
	TriggerTransportFailed
	// TriggerTeardown is an explicit local teardown.
	TriggerTeardown
)

func (t Trigger) String() string {
	switch t {
	case TriggerStart:
		return "start"
	case TriggerTransportConnected:
		return "transport-connected"
	case TriggerTransportFailed:
		return "transport-failed"
	case TriggerTeardown:
		return "teardown"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// Next is the single transition function of the connection state machine.
// Teardown is accepted from every state. A failed machine only leaves Failed
// through teardown.
func (s ConnectionStatus) Next(t Trigger) (ConnectionStatus, error) {
	switch t {
	case TriggerTeardown:
		return StatusDisconnected, nil
	case TriggerStart:
		if s == StatusDisconnected {
			return StatusConnecting, nil
		}
	case TriggerTransportConnected:
		if s == StatusConnecting || s == StatusConnected {
			return StatusConnected, nil
		}
	case TriggerTransportFailed:
		if s == StatusConnecting || s == StatusConnected || s == StatusFailed {
			return StatusFailed, nil
		}
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, s)
}
