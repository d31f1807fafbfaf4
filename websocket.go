package tgrid

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla connection to the Transport interface
// with the usual read/write pump pair; gorilla permits only one
// concurrent reader and writer, the pumps serialise both.
type wsTransport struct {
	conn    *websocket.Conn
	msgType int

	sendCh  chan []byte
	recvCh  chan []byte
	closeCh chan struct{}

	once     sync.Once
	mu       sync.RWMutex
	closeErr error
}

func newWSTransport(conn *websocket.Conn, codec Codec) *wsTransport {
	msgType := websocket.TextMessage
	if _, binary := codec.(CBORCodec); binary {
		msgType = websocket.BinaryMessage
	}
	t := &wsTransport{
		conn:    conn,
		msgType: msgType,
		sendCh:  make(chan []byte, 64),
		recvCh:  make(chan []byte, 64),
		closeCh: make(chan struct{}),
	}
	conn.SetReadLimit(FrameSizeLimit)
	go t.readPump()
	go t.writePump()
	return t
}

func (t *wsTransport) readPump() {
	for {
		_, frame, err := t.conn.ReadMessage()
		if err != nil {
			t.shutdown(err)
			return
		}
		select {
		case t.recvCh <- frame:
		case <-t.closeCh:
			return
		}
	}
}

func (t *wsTransport) writePump() {
	for {
		select {
		case frame := <-t.sendCh:
			if err := t.conn.WriteMessage(t.msgType, frame); err != nil {
				t.shutdown(err)
				return
			}
		case <-t.closeCh:
			return
		}
	}
}

// Send implements the Transport interface.
func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	if len(frame) > FrameSizeLimit {
		return ErrFrameTooLarge
	}
	select {
	case t.sendCh <- frame:
		return nil
	case <-t.closeCh:
		return t.getCloseError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements the Transport interface.
func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
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
func (t *wsTransport) Close() error {
	t.shutdown(nil)
	return nil
}

// writeClose sends a WebSocket close frame with a code and reason,
// used to turn an Acceptor rejection into a proper close handshake.
func (t *wsTransport) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	t.conn.WriteMessage(websocket.CloseMessage, msg)
}

func (t *wsTransport) shutdown(cause error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.closeErr = cause
		t.mu.Unlock()
		close(t.closeCh)
		t.conn.Close()
	})
}

func (t *wsTransport) getCloseError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closeErr != nil {
		return t.closeErr
	}
	return ErrTransportClosed
}

var _ Transport = (*wsTransport)(nil)

// WebSocketConnectorOptions configures a WebSocketConnector.
type WebSocketConnectorOptions struct {
	// Communicator options for the underlying channel.
	Communicator CommunicatorOptions

	// Dialer used for the upgrade. Defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// RequestHeader is sent with the HTTP upgrade request.
	RequestHeader http.Header
}

// DefaultWebSocketConnectorOptions returns the defaults.
func DefaultWebSocketConnectorOptions() WebSocketConnectorOptions {
	return WebSocketConnectorOptions{
		Communicator: DefaultCommunicatorOptions(),
		Dialer:       websocket.DefaultDialer,
	}
}

// WebSocketConnector dials one WebSocket server and runs one
// communicator over the connection. A connector is single-use: once
// Closed it stays Closed and a fresh connector is needed to reconnect.
type WebSocketConnector struct {
	life     lifecycle
	opts     WebSocketConnectorOptions
	comm     *Communicator
	provider interface{}
}

// NewWebSocketConnector creates a connector exposing provider (nil for
// none) to the server.
func NewWebSocketConnector(provider interface{}, opts ...WebSocketConnectorOptions) *WebSocketConnector {
	options := DefaultWebSocketConnectorOptions()
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.Dialer == nil {
		options.Dialer = websocket.DefaultDialer
	}
	c := &WebSocketConnector{
		opts:     options,
		provider: provider,
		comm:     NewCommunicator(nil, options.Communicator),
	}
	c.comm.onClosed(func() { c.life.force(Closed) })
	return c
}

// State returns the connector's lifecycle state.
func (c *WebSocketConnector) State() State { return c.life.current() }

// Driver returns the proxy driver for the server's provider. Available
// before Connect; calls fail with ErrNotReady until the channel opens.
func (c *WebSocketConnector) Driver() *Driver { return c.comm.Driver() }

// Connect dials url, sends the header envelope as the first text frame
// and waits for the server's confirmation frame before going Open.
func (c *WebSocketConnector) Connect(ctx context.Context, url string, header interface{}) error {
	if _, ok := c.life.advance(None, Opening); !ok {
		return fmt.Errorf("%w: connect in state %s", ErrAlreadyOpen, c.life.current())
	}

	env, err := encodeHeaderEnvelope(header)
	if err != nil {
		c.life.force(Closed)
		return err
	}

	conn, _, err := c.opts.Dialer.DialContext(ctx, url, c.opts.RequestHeader)
	if err != nil {
		c.life.force(Closed)
		return fmt.Errorf("failed to dial %s: %w", url, err)
	}
	transport := newWSTransport(conn, c.comm.codec)

	if err := c.handshake(ctx, transport, env); err != nil {
		transport.Close()
		c.life.force(Closed)
		return err
	}

	c.comm.bind(transport)
	c.comm.SetProvider(c.provider)
	if err := c.comm.Start(); err != nil {
		c.life.force(Closed)
		return err
	}
	c.life.force(Open)
	log.Debugf("websocket connector open: %s", url)
	return nil
}

func (c *WebSocketConnector) handshake(ctx context.Context, transport *wsTransport, env []byte) error {
	if err := transport.Send(ctx, env); err != nil {
		return fmt.Errorf("failed to send header: %w", err)
	}
	reply, err := transport.Receive(ctx)
	if err != nil {
		return fmt.Errorf("%w: connection refused during handshake: %v", ErrConnectionClosed, err)
	}
	var confirmation map[string]json.RawMessage
	if err := json.Unmarshal(reply, &confirmation); err != nil {
		return fmt.Errorf("%w: unexpected confirmation frame: %v", ErrProtocol, err)
	}
	return nil
}

// Close shuts the connection down, rejecting every in-flight call with
// ErrConnectionClosed. Close outside Open is a NotReady error.
func (c *WebSocketConnector) Close(ctx context.Context) error {
	if _, ok := c.life.advance(Open, Closing); !ok {
		return notReady("close", c.life.current())
	}
	err := c.comm.Close(ctx)
	c.life.force(Closed)
	return err
}
