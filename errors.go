package tgrid

import (
	"errors"
	"fmt"
)

// Error kinds. Operations match on these with errors.Is; the concrete
// error values carry diagnostics (source state, listener path, uid).
var (
	// ErrNotReady indicates an operation that requires the Open state
	// was attempted in some other state.
	ErrNotReady = errors.New("channel is not ready")

	// ErrAlreadyOpen indicates Connect/Open was called while not in the
	// None state (servers also accept Open from Closed, to re-open).
	ErrAlreadyOpen = errors.New("channel is already open")

	// ErrConnectionClosed rejects a pending call whose channel closed
	// before the return arrived. Fatal for that call only.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrProtocol indicates an undecodable or unrecognised frame.
	// Fatal: the communicator transitions to Closing.
	ErrProtocol = errors.New("protocol error")

	// ErrListenerNotFound indicates an incoming call's listener path
	// does not resolve against the provider. Answered in-band.
	ErrListenerNotFound = errors.New("listener not found")

	// ErrHandleReleased indicates an incoming call targets a handle uid
	// that has already been released. Answered in-band.
	ErrHandleReleased = errors.New("handle released")
)

// NotReadyError is the concrete ErrNotReady: it records which state the
// channel was in so diagnostics can tell a premature call from a late
// one.
type NotReadyError struct {
	// Op is the operation that was attempted.
	Op string

	// State is the lifecycle state at the time of the attempt.
	State State
}

// Error implements the error interface.
func (e *NotReadyError) Error() string {
	return fmt.Sprintf("%s: channel is not ready (state %s)", e.Op, e.State)
}

// Unwrap makes errors.Is(err, ErrNotReady) hold.
func (e *NotReadyError) Unwrap() error { return ErrNotReady }

func notReady(op string, s State) error {
	return &NotReadyError{Op: op, State: s}
}

// RemoteError is an error raised on the remote side and re-raised on
// the caller side. Name, message and stack survive the wire verbatim.
type RemoteError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Is maps the reserved remote error names back onto the local kinds so
// callers can errors.Is against ErrListenerNotFound and
// ErrHandleReleased without inspecting names themselves.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrListenerNotFound:
		return e.Name == remoteNameListenerNotFound
	case ErrHandleReleased:
		return e.Name == remoteNameHandleReleased
	}
	return false
}

// Reserved names used when the runtime itself answers a call with a
// failure Return.
const (
	remoteNameListenerNotFound = "ListenerNotFound"
	remoteNameHandleReleased   = "HandleReleased"
	remoteNameInternal         = "Error"
)

// newRemoteError serialises an arbitrary handler error for the wire.
// A *RemoteError passes through unchanged so user-thrown names survive.
func newRemoteError(err error, stack string) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	switch {
	case errors.Is(err, ErrListenerNotFound):
		return &RemoteError{Name: remoteNameListenerNotFound, Message: err.Error()}
	case errors.Is(err, ErrHandleReleased):
		return &RemoteError{Name: remoteNameHandleReleased, Message: err.Error()}
	}
	return &RemoteError{Name: remoteNameInternal, Message: err.Error(), Stack: stack}
}
