// Package tgrid implements a transport-agnostic remote function call
// runtime. A Communicator on each side of a message channel exposes a
// provider object to its peer and obtains a Driver through which the
// peer's provider can be called, including nested method paths and
// function values passed as arguments.
package tgrid

import (
	"context"
	"errors"
)

// Transport is a bidirectional, in-order, message-boundary-preserving
// channel of opaque frames between two RPC peers. Implementations must
// be safe for concurrent use.
type Transport interface {
	// Send transmits one frame to the remote peer.
	// The frame must be delivered reliably and in order.
	Send(ctx context.Context, frame []byte) error

	// Receive blocks until the next frame arrives from the remote peer.
	// Returns an error once the transport is closed (io.EOF or
	// ErrTransportClosed for a clean close, depending on the
	// implementation), other errors for transport failures or when the
	// context is canceled.
	Receive(ctx context.Context) ([]byte, error)

	// Close closes the transport and releases associated resources.
	// After Close, Send and Receive return errors. Close is safe to
	// call multiple times.
	Close() error
}

// Common transport errors.
var (
	// ErrTransportClosed indicates the transport has been closed.
	ErrTransportClosed = errors.New("transport is closed")

	// ErrFrameTooLarge indicates a frame exceeds FrameSizeLimit.
	ErrFrameTooLarge = errors.New("frame too large")
)

// FrameSizeLimit is the maximum frame size a transport accepts.
const FrameSizeLimit = 64 * 1024 * 1024 // 64MB
