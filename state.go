package tgrid

import (
	"fmt"
	"sync"
)

// State describes the lifecycle of a connector, server or communicator.
// States advance monotonically: None -> Opening -> Open -> Closing ->
// Closed. Servers may construct a fresh listener from Closed, which is
// the single sanctioned re-entry into Opening.
type State int

const (
	// None is the initial state before Connect/Open has been called.
	None State = iota

	// Opening covers the handshake: the transport exists but business
	// frames are not yet processed.
	Opening

	// Open means the channel is live and calls may flow.
	Open

	// Closing means teardown has begun; pending calls are being failed.
	Closing

	// Closed is terminal for connectors. Servers may re-open from here.
	Closed
)

// String returns the sentinel spelling of the state. These strings
// double as the worker-transport control sentinels and must never be
// parseable as an Invoke frame.
func (s State) String() string {
	switch s {
	case None:
		return "NONE"
	case Opening:
		return "OPENING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// lifecycle guards the state of a connector or server. Transitions only
// move forward; the sole exception is reopen, used by servers.
type lifecycle struct {
	mu    sync.Mutex
	state State
}

// current returns the state at this instant.
func (l *lifecycle) current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// advance moves from exactly `from` to `to`. Any other current state is
// reported back to the caller unchanged so it can pick the error kind.
func (l *lifecycle) advance(from, to State) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != from {
		return l.state, false
	}
	l.state = to
	return to, true
}

// force sets the state unconditionally forward. Used on transport
// failure paths where the normal ladder is skipped (e.g. Opening ->
// Closed).
func (l *lifecycle) force(to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if to > l.state {
		l.state = to
	}
}

// reopen resets Closed back to Opening. Only servers call this; a
// connector stays Closed forever.
func (l *lifecycle) reopen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Closed {
		return false
	}
	l.state = Opening
	return true
}
