package tgrid

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
)

// SharedWorkerServerOptions configures a SharedWorkerServer.
type SharedWorkerServerOptions struct {
	// Communicator options for every attached client.
	Communicator CommunicatorOptions

	// CompatibleVersions is a semver constraint clients must announce
	// to be admitted. Empty accepts every version.
	CompatibleVersions string
}

// DefaultSharedWorkerServerOptions returns the defaults.
func DefaultSharedWorkerServerOptions() SharedWorkerServerOptions {
	return SharedWorkerServerOptions{Communicator: DefaultCommunicatorOptions()}
}

// SharedWorkerServer is the worker side of the shared-worker pair: one
// process many clients attach to over a unix domain socket. Each
// attachment gets its own Acceptor and Communicator; the handshake is
// the worker sentinel handshake with the header flowing from the
// attaching client, since the client rather than a spawner owns it.
type SharedWorkerServer struct {
	life lifecycle
	opts SharedWorkerServerOptions

	mu        sync.Mutex
	listener  net.Listener
	acceptors *acceptorSet
	handler   AcceptHandler
}

// NewSharedWorkerServer creates an idle server.
func NewSharedWorkerServer(opts ...SharedWorkerServerOptions) *SharedWorkerServer {
	options := DefaultSharedWorkerServerOptions()
	if len(opts) > 0 {
		options = opts[0]
	}
	return &SharedWorkerServer{opts: options}
}

// State returns the server's lifecycle state.
func (s *SharedWorkerServer) State() State { return s.life.current() }

// ConnectionCount returns the number of live attachments.
func (s *SharedWorkerServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptors == nil {
		return 0
	}
	return s.acceptors.size()
}

// Open binds the unix socket at path and starts admitting attachments.
// Every new client is handed to handler as a pending Acceptor. A
// server that reached Closed may re-open with a fresh socket.
func (s *SharedWorkerServer) Open(ctx context.Context, path string, handler AcceptHandler) error {
	if _, ok := s.life.advance(None, Opening); !ok && !s.life.reopen() {
		return fmt.Errorf("%w: open in state %s", ErrAlreadyOpen, s.life.current())
	}

	// A stale socket file from a dead worker blocks the bind.
	os.Remove(path)
	listener, err := new(net.ListenConfig).Listen(ctx, "unix", path)
	if err != nil {
		s.life.force(Closed)
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.acceptors = newAcceptorSet()
	s.handler = handler
	s.mu.Unlock()

	go s.acceptLoop(listener)

	s.life.force(Open)
	log.Noticef("shared worker open on %s", path)
	return nil
}

func (s *SharedWorkerServer) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go s.attach(conn)
	}
}

// attach performs the server half of one attachment handshake and
// hands the pending acceptor to the acceptance handler.
func (s *SharedWorkerServer) attach(conn net.Conn) {
	transport := newLineTransport(conn, conn, conn)
	ctx := context.Background()

	if err := expectSentinel(ctx, transport, Opening); err != nil {
		log.Warningf("attachment handshake failed: %v", err)
		transport.Close()
		return
	}
	frame, err := transport.Receive(ctx)
	if err != nil {
		transport.Close()
		return
	}
	env, err := decodeHeaderEnvelope(frame)
	if err == nil {
		err = checkVersion(s.opts.CompatibleVersions, env.Version)
	}
	if err != nil {
		log.Warningf("attachment refused: %v", err)
		transport.Send(ctx, sentinelFrame(Closing))
		transport.Close()
		return
	}

	acceptor := newAcceptor(nil, s.opts.Communicator, env)
	gate := newSentinelGate(transport, nil)
	acceptor.transport = gate
	acceptor.comm.bind(gate)
	acceptor.confirm = func(ctx context.Context) error {
		return transport.Send(ctx, sentinelFrame(Open))
	}
	acceptor.refuse = func(code int, reason string) {
		transport.Send(ctx, sentinelFrame(Closing))
	}
	acceptor.farewell = func(ctx context.Context) {
		transport.Send(ctx, sentinelFrame(Closing))
	}

	s.mu.Lock()
	set, handler := s.acceptors, s.handler
	s.mu.Unlock()
	set.add(acceptor)

	handler(acceptor)
}

// Close stops admitting attachments, closes every live one and removes
// the socket.
func (s *SharedWorkerServer) Close(ctx context.Context) error {
	if _, ok := s.life.advance(Open, Closing); !ok {
		return notReady("close", s.life.current())
	}

	s.mu.Lock()
	listener, set := s.listener, s.acceptors
	s.mu.Unlock()

	err := listener.Close()
	if closeErr := set.closeAll(ctx); err == nil {
		err = closeErr
	}

	s.life.force(Closed)
	log.Noticef("shared worker closed")
	return err
}

// SharedWorkerConnectorOptions configures a SharedWorkerConnector.
type SharedWorkerConnectorOptions struct {
	// Communicator options for the underlying channel.
	Communicator CommunicatorOptions
}

// DefaultSharedWorkerConnectorOptions returns the defaults.
func DefaultSharedWorkerConnectorOptions() SharedWorkerConnectorOptions {
	return SharedWorkerConnectorOptions{Communicator: DefaultCommunicatorOptions()}
}

// SharedWorkerConnector attaches one client to a shared worker's unix
// socket. Single-use, like the other connectors.
type SharedWorkerConnector struct {
	life     lifecycle
	opts     SharedWorkerConnectorOptions
	comm     *Communicator
	provider interface{}
}

// NewSharedWorkerConnector creates a connector exposing provider (nil
// for none) to the worker.
func NewSharedWorkerConnector(provider interface{}, opts ...SharedWorkerConnectorOptions) *SharedWorkerConnector {
	options := DefaultSharedWorkerConnectorOptions()
	if len(opts) > 0 {
		options = opts[0]
	}
	c := &SharedWorkerConnector{
		opts:     options,
		provider: provider,
		comm:     NewCommunicator(nil, options.Communicator),
	}
	c.comm.onClosed(func() { c.life.force(Closed) })
	return c
}

// State returns the connector's lifecycle state.
func (c *SharedWorkerConnector) State() State { return c.life.current() }

// Driver returns the proxy driver for the worker's provider.
func (c *SharedWorkerConnector) Driver() *Driver { return c.comm.Driver() }

// Connect dials the worker's socket, posts OPENING plus the header
// envelope, and waits to be admitted with an OPEN sentinel. A CLOSING
// sentinel instead means the worker rejected the attachment.
func (c *SharedWorkerConnector) Connect(ctx context.Context, path string, header interface{}) error {
	if _, ok := c.life.advance(None, Opening); !ok {
		return fmt.Errorf("%w: connect in state %s", ErrAlreadyOpen, c.life.current())
	}

	env, err := encodeHeaderEnvelope(header)
	if err != nil {
		c.life.force(Closed)
		return err
	}

	conn, err := new(net.Dialer).DialContext(ctx, "unix", path)
	if err != nil {
		c.life.force(Closed)
		return fmt.Errorf("failed to dial %s: %w", path, err)
	}
	transport := newLineTransport(conn, conn, conn)

	if err := c.handshake(ctx, transport, env); err != nil {
		transport.Close()
		c.life.force(Closed)
		return err
	}

	c.comm.bind(newSentinelGate(transport, nil))
	c.comm.SetProvider(c.provider)
	if err := c.comm.Start(); err != nil {
		c.life.force(Closed)
		return err
	}
	c.life.force(Open)
	log.Debugf("shared worker connector open: %s", path)
	return nil
}

func (c *SharedWorkerConnector) handshake(ctx context.Context, transport *lineTransport, env []byte) error {
	if err := transport.Send(ctx, sentinelFrame(Opening)); err != nil {
		return err
	}
	if err := transport.Send(ctx, env); err != nil {
		return err
	}
	frame, err := transport.Receive(ctx)
	if err != nil {
		return fmt.Errorf("handshake interrupted: %w", err)
	}
	state, ok := parseSentinel(frame)
	switch {
	case !ok:
		return fmt.Errorf("%w: expected sentinel, got %q", ErrProtocol, frame)
	case state == Closing:
		return fmt.Errorf("%w: attachment rejected by worker", ErrConnectionClosed)
	case state != Open:
		return fmt.Errorf("%w: expected OPEN sentinel, got %s", ErrProtocol, state)
	}
	return nil
}

// Close signals CLOSING to the worker and tears the attachment down.
func (c *SharedWorkerConnector) Close(ctx context.Context) error {
	if _, ok := c.life.advance(Open, Closing); !ok {
		return notReady("close", c.life.current())
	}
	c.comm.transport.Send(ctx, sentinelFrame(Closing))
	c.comm.Close(ctx)
	c.life.force(Closed)
	return nil
}
