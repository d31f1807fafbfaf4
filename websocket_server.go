package tgrid

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// AcceptHandler decides the fate of one connecting client. It runs on
// the connection's goroutine and must call Accept or Reject on the
// acceptor, immediately or after inspecting the header.
type AcceptHandler func(acceptor *Acceptor)

// WebSocketServerOptions configures a WebSocketServer.
type WebSocketServerOptions struct {
	// Communicator options for every accepted client.
	Communicator CommunicatorOptions

	// Upgrader performs the HTTP upgrade. The default options accept any
	// origin; a zero value applies gorilla's same-origin check.
	Upgrader websocket.Upgrader

	// CompatibleVersions is a semver constraint (e.g. "^1") clients
	// must announce to be admitted. Empty accepts every version.
	CompatibleVersions string
}

// DefaultWebSocketServerOptions returns the defaults.
func DefaultWebSocketServerOptions() WebSocketServerOptions {
	return WebSocketServerOptions{
		Communicator: DefaultCommunicatorOptions(),
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WebSocketServer accepts many concurrent clients, each wrapped in its
// own Acceptor and Communicator. A server that reached Closed may be
// re-opened; a fresh listener is constructed.
type WebSocketServer struct {
	life lifecycle
	opts WebSocketServerOptions

	mu        sync.Mutex
	listener  net.Listener
	httpSrv   *http.Server
	acceptors *acceptorSet
	handler   AcceptHandler
}

// NewWebSocketServer creates an idle server.
func NewWebSocketServer(opts ...WebSocketServerOptions) *WebSocketServer {
	options := DefaultWebSocketServerOptions()
	if len(opts) > 0 {
		options = opts[0]
	}
	return &WebSocketServer{opts: options}
}

// State returns the server's lifecycle state.
func (s *WebSocketServer) State() State { return s.life.current() }

// ConnectionCount returns the number of live client connections.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptors == nil {
		return 0
	}
	return s.acceptors.size()
}

// Addr returns the bound listener address, nil before Open. Useful
// with ":0" listen addresses.
func (s *WebSocketServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Open binds addr and starts accepting upgrades. Every new client is
// handed to handler as a pending Acceptor.
func (s *WebSocketServer) Open(ctx context.Context, addr string, handler AcceptHandler) error {
	if _, ok := s.life.advance(None, Opening); !ok && !s.life.reopen() {
		return fmt.Errorf("%w: open in state %s", ErrAlreadyOpen, s.life.current())
	}

	listener, err := new(net.ListenConfig).Listen(ctx, "tcp", addr)
	if err != nil {
		s.life.force(Closed)
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	httpSrv := &http.Server{Handler: http.HandlerFunc(s.serveUpgrade)}

	s.mu.Lock()
	s.listener = listener
	s.httpSrv = httpSrv
	s.acceptors = newAcceptorSet()
	s.handler = handler
	s.mu.Unlock()

	go httpSrv.Serve(listener)

	s.life.force(Open)
	log.Noticef("websocket server open on %s", listener.Addr())
	return nil
}

// serveUpgrade handles one HTTP request: upgrade, read the header
// envelope, gate the version, then hand the pending acceptor to the
// acceptance handler.
func (s *WebSocketServer) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.life.current() != Open {
		http.Error(w, "server is closing", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.opts.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warningf("upgrade failed: %v", err)
		return
	}
	transport := newWSTransport(conn, codecOf(s.opts.Communicator))

	env, err := s.readHeader(r.Context(), transport)
	if err != nil {
		log.Warningf("handshake failed: %v", err)
		transport.writeClose(websocket.CloseProtocolError, err.Error())
		transport.Close()
		return
	}

	acceptor := newAcceptor(transport, s.opts.Communicator, env)
	acceptor.confirm = func(ctx context.Context) error {
		return transport.Send(ctx, []byte("{}"))
	}
	acceptor.refuse = func(code int, reason string) {
		transport.writeClose(code, reason)
	}

	s.mu.Lock()
	set, handler := s.acceptors, s.handler
	s.mu.Unlock()
	set.add(acceptor)

	handler(acceptor)
}

// readHeader reads the client's single header envelope frame and
// applies the version gate.
func (s *WebSocketServer) readHeader(ctx context.Context, transport Transport) (*headerEnvelope, error) {
	frame, err := transport.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("no header frame: %w", err)
	}
	env, err := decodeHeaderEnvelope(frame)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(s.opts.CompatibleVersions, env.Version); err != nil {
		return nil, err
	}
	return env, nil
}

// Close stops accepting upgrades, closes every live connection (each
// one failing its own pending calls) and releases the listener.
func (s *WebSocketServer) Close(ctx context.Context) error {
	if _, ok := s.life.advance(Open, Closing); !ok {
		return notReady("close", s.life.current())
	}

	s.mu.Lock()
	httpSrv, set := s.httpSrv, s.acceptors
	s.mu.Unlock()

	// Stop the listener first so no upgrade races the teardown.
	err := httpSrv.Shutdown(ctx)
	if closeErr := set.closeAll(ctx); err == nil {
		err = closeErr
	}

	s.life.force(Closed)
	log.Noticef("websocket server closed")
	return err
}

// codecOf resolves the effective codec of communicator options.
func codecOf(opts CommunicatorOptions) Codec {
	if opts.Codec != nil {
		return opts.Codec
	}
	return JSONCodec{}
}
