// Package wsclient implements the resilient client half of the
// framework: connection lifecycle with auto-reconnect and backoff,
// outbound meta normalization, queue policies, request/response
// correlation, and multi-handler inbound dispatch.
package wsclient

import "fmt"

// State is one of the client connection lifecycle states.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
