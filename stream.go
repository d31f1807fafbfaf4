package tgrid

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
)

// lineTransport frames messages as newline-delimited text over a byte
// stream. It carries the worker-family transports: subprocess stdio and
// unix-socket attachments. JSON frames and the control sentinels never
// contain a raw newline, so line boundaries are message boundaries.
type lineTransport struct {
	reader  *bufio.Reader
	writer  io.Writer
	closers []io.Closer

	recvCh  chan []byte
	closeCh chan struct{}

	writeMu  sync.Mutex
	once     sync.Once
	mu       sync.RWMutex
	closeErr error
}

func newLineTransport(r io.Reader, w io.Writer, closers ...io.Closer) *lineTransport {
	t := &lineTransport{
		reader:  bufio.NewReaderSize(r, 64*1024),
		writer:  w,
		closers: closers,
		recvCh:  make(chan []byte, 64),
		closeCh: make(chan struct{}),
	}
	go t.readPump()
	return t
}

func (t *lineTransport) readPump() {
	for {
		line, err := t.reader.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")
		if len(line) > 0 {
			select {
			case t.recvCh <- line:
			case <-t.closeCh:
				return
			}
		}
		if err != nil {
			t.shutdown(err)
			return
		}
	}
}

// Send implements the Transport interface.
func (t *lineTransport) Send(ctx context.Context, frame []byte) error {
	if len(frame) > FrameSizeLimit {
		return ErrFrameTooLarge
	}
	select {
	case <-t.closeCh:
		return t.getCloseError()
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.writer.Write(append(frame, '\n')); err != nil {
		t.shutdown(err)
		return err
	}
	return nil
}

// Receive implements the Transport interface.
func (t *lineTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.recvCh:
		return frame, nil
	case <-t.closeCh:
		select {
		case frame := <-t.recvCh:
			return frame, nil
		default:
		}
		return nil, t.getCloseError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements the Transport interface.
func (t *lineTransport) Close() error {
	t.shutdown(io.EOF)
	return nil
}

func (t *lineTransport) shutdown(cause error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.closeErr = cause
		t.mu.Unlock()
		close(t.closeCh)
		for _, c := range t.closers {
			c.Close()
		}
	})
}

func (t *lineTransport) getCloseError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closeErr != nil && t.closeErr != io.EOF {
		return t.closeErr
	}
	return ErrTransportClosed
}

var _ Transport = (*lineTransport)(nil)

// Control sentinels are the lifecycle state spellings sent as bare
// frames. A bare string is never a decodable Invoke (those are always
// objects), so sentinels cannot collide with business frames.

// sentinelFrame returns the wire form of a control sentinel.
func sentinelFrame(s State) []byte {
	return []byte(s.String())
}

// parseSentinel recognises a control sentinel frame.
func parseSentinel(frame []byte) (State, bool) {
	switch string(frame) {
	case "NONE":
		return None, true
	case "OPENING":
		return Opening, true
	case "OPEN":
		return Open, true
	case "CLOSING":
		return Closing, true
	case "CLOSED":
		return Closed, true
	}
	return 0, false
}

// sentinelGate filters control sentinels out of a transport's receive
// stream so the communicator only ever sees Invoke frames. A CLOSING
// sentinel fires the callback and reads as a clean transport close,
// which sends the communicator down its normal teardown path.
type sentinelGate struct {
	Transport
	onClosing func()
	once      sync.Once
}

func newSentinelGate(inner Transport, onClosing func()) *sentinelGate {
	return &sentinelGate{Transport: inner, onClosing: onClosing}
}

// Receive implements the Transport interface.
func (g *sentinelGate) Receive(ctx context.Context) ([]byte, error) {
	for {
		frame, err := g.Transport.Receive(ctx)
		if err != nil {
			return nil, err
		}
		state, ok := parseSentinel(frame)
		if !ok {
			return frame, nil
		}
		if state == Closing {
			if g.onClosing != nil {
				g.once.Do(g.onClosing)
			}
			return nil, ErrTransportClosed
		}
		log.Debugf("ignoring stray %s sentinel", state)
	}
}
