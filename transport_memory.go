package tgrid

import (
	"context"
	"io"
	"sync"
)

// MemoryTransport is an in-process transport useful for tests and for
// wiring two communicators inside one process. It comes in connected
// pairs; frames sent on one side are received on the other, and closing
// either side closes the pair, as a real duplex channel would.
type MemoryTransport struct {
	sendCh chan []byte
	recvCh chan []byte
	pipe   *memoryPipe
}

// memoryPipe is the shared end-of-life state of a transport pair.
type memoryPipe struct {
	closeCh  chan struct{}
	once     sync.Once
	mu       sync.RWMutex
	closeErr error
}

func (p *memoryPipe) close(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.closeErr = err
		p.mu.Unlock()
		close(p.closeCh)
	})
}

func (p *memoryPipe) err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closeErr != nil {
		return p.closeErr
	}
	return ErrTransportClosed
}

// NewMemoryTransportPair creates two connected MemoryTransports.
func NewMemoryTransportPair() (*MemoryTransport, *MemoryTransport) {
	ch1 := make(chan []byte, 16)
	ch2 := make(chan []byte, 16)
	pipe := &memoryPipe{closeCh: make(chan struct{})}

	t1 := &MemoryTransport{sendCh: ch1, recvCh: ch2, pipe: pipe}
	t2 := &MemoryTransport{sendCh: ch2, recvCh: ch1, pipe: pipe}
	return t1, t2
}

// Send implements the Transport interface.
func (t *MemoryTransport) Send(ctx context.Context, frame []byte) error {
	if len(frame) > FrameSizeLimit {
		return ErrFrameTooLarge
	}
	select {
	case <-t.pipe.closeCh:
		return t.pipe.err()
	default:
	}

	// Copy so the sender may reuse its buffer.
	msg := make([]byte, len(frame))
	copy(msg, frame)

	select {
	case t.sendCh <- msg:
		return nil
	case <-t.pipe.closeCh:
		return t.pipe.err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements the Transport interface.
func (t *MemoryTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-t.recvCh:
		return msg, nil
	default:
	}
	select {
	case msg := <-t.recvCh:
		return msg, nil
	case <-t.pipe.closeCh:
		// Frames that raced with the close still drain in order.
		select {
		case msg := <-t.recvCh:
			return msg, nil
		default:
		}
		return nil, t.pipe.err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements the Transport interface. Closing either side closes
// the pair; repeated closes are no-ops.
func (t *MemoryTransport) Close() error {
	t.pipe.close(io.EOF)
	return nil
}

var _ Transport = (*MemoryTransport)(nil)
