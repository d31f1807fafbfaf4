package tgrid

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// workerArgsFlag carries the handshake envelope into the child's argv.
const workerArgsFlag = "--__m_pArgs="

// WorkerConnectorOptions configures a WorkerConnector.
type WorkerConnectorOptions struct {
	// Communicator options for the channel to the child.
	Communicator CommunicatorOptions

	// Stderr receives the child's stderr. Defaults to os.Stderr.
	Stderr io.Writer
}

// DefaultWorkerConnectorOptions returns the defaults.
func DefaultWorkerConnectorOptions() WorkerConnectorOptions {
	return WorkerConnectorOptions{
		Communicator: DefaultCommunicatorOptions(),
		Stderr:       os.Stderr,
	}
}

// WorkerConnector spawns a child worker process and runs one
// communicator over its stdio. The handshake is sentinel-based: the
// child posts OPENING, the connector answers with the header envelope,
// the child posts OPEN. The envelope also rides the child's argv so
// the child can read its header before opening.
type WorkerConnector struct {
	life     lifecycle
	opts     WorkerConnectorOptions
	comm     *Communicator
	provider interface{}

	mu        sync.Mutex
	cmd       *exec.Cmd
	transport *lineTransport
	waitCh    chan error
}

// NewWorkerConnector creates a connector exposing provider (nil for
// none) to the child.
func NewWorkerConnector(provider interface{}, opts ...WorkerConnectorOptions) *WorkerConnector {
	options := DefaultWorkerConnectorOptions()
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.Stderr == nil {
		options.Stderr = os.Stderr
	}
	c := &WorkerConnector{
		opts:     options,
		provider: provider,
		comm:     NewCommunicator(nil, options.Communicator),
	}
	c.comm.onClosed(func() { c.life.force(Closed) })
	return c
}

// State returns the connector's lifecycle state.
func (c *WorkerConnector) State() State { return c.life.current() }

// Driver returns the proxy driver for the child's provider.
func (c *WorkerConnector) Driver() *Driver { return c.comm.Driver() }

// Connect spawns the worker executable with the given arguments plus
// the serialised header, performs the sentinel handshake and opens the
// channel.
func (c *WorkerConnector) Connect(ctx context.Context, name string, args []string, header interface{}) error {
	if _, ok := c.life.advance(None, Opening); !ok {
		return fmt.Errorf("%w: connect in state %s", ErrAlreadyOpen, c.life.current())
	}

	env, err := encodeHeaderEnvelope(header)
	if err != nil {
		c.life.force(Closed)
		return err
	}

	cmd := exec.Command(name, append(append([]string{}, args...), workerArgsFlag+string(env))...)
	cmd.Stderr = c.opts.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.life.force(Closed)
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.life.force(Closed)
		return err
	}
	if err := cmd.Start(); err != nil {
		c.life.force(Closed)
		return fmt.Errorf("failed to spawn worker %s: %w", name, err)
	}

	transport := newLineTransport(stdout, stdin, stdin, stdout)
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	c.mu.Lock()
	c.cmd = cmd
	c.transport = transport
	c.waitCh = waitCh
	c.mu.Unlock()

	if err := c.handshake(ctx, transport, env); err != nil {
		transport.Close()
		cmd.Process.Kill()
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
	log.Debugf("worker connector open: %s", name)
	return nil
}

// handshake waits for the child's OPENING, answers with the header
// envelope and waits for OPEN.
func (c *WorkerConnector) handshake(ctx context.Context, transport *lineTransport, env []byte) error {
	if err := expectSentinel(ctx, transport, Opening); err != nil {
		return err
	}
	if err := transport.Send(ctx, env); err != nil {
		return fmt.Errorf("failed to send header: %w", err)
	}
	return expectSentinel(ctx, transport, Open)
}

// Close signals CLOSING to the child, fails every in-flight call, and
// waits for the child to exit. If the context expires first the child
// is killed.
func (c *WorkerConnector) Close(ctx context.Context) error {
	if _, ok := c.life.advance(Open, Closing); !ok {
		return notReady("close", c.life.current())
	}

	c.mu.Lock()
	cmd, transport, waitCh := c.cmd, c.transport, c.waitCh
	c.mu.Unlock()

	transport.Send(ctx, sentinelFrame(Closing))
	err := c.comm.Close(ctx)

	select {
	case <-waitCh:
	case <-ctx.Done():
		cmd.Process.Kill()
		<-waitCh
	}
	c.life.force(Closed)
	return err
}

// expectSentinel reads one frame and requires it to be the given
// control sentinel.
func expectSentinel(ctx context.Context, transport Transport, want State) error {
	frame, err := transport.Receive(ctx)
	if err != nil {
		return fmt.Errorf("handshake interrupted: %w", err)
	}
	state, ok := parseSentinel(frame)
	if !ok || state != want {
		return fmt.Errorf("%w: expected %s sentinel, got %q", ErrProtocol, want, frame)
	}
	return nil
}

// WorkerServerOptions configures a WorkerServer.
type WorkerServerOptions struct {
	// Communicator options for the channel to the parent.
	Communicator CommunicatorOptions

	// Input and Output carry the channel. They default to the
	// process's stdio, which the spawning connector owns.
	Input  io.Reader
	Output io.Writer

	// Args is scanned for the serialised header. Defaults to os.Args.
	Args []string
}

// DefaultWorkerServerOptions returns the defaults.
func DefaultWorkerServerOptions() WorkerServerOptions {
	return WorkerServerOptions{
		Communicator: DefaultCommunicatorOptions(),
		Input:        os.Stdin,
		Output:       os.Stdout,
		Args:         os.Args,
	}
}

// WorkerServer is the child side of a worker pair. The worker
// executable constructs one, exposes its provider with Open, and
// serves until the parent signals CLOSING or the stdio channel drops.
type WorkerServer struct {
	life lifecycle
	opts WorkerServerOptions
	comm *Communicator

	mu        sync.Mutex
	transport *lineTransport
	envelope  *headerEnvelope
	header    json.RawMessage

	done chan struct{}
}

// NewWorkerServer creates the child-side server.
func NewWorkerServer(opts ...WorkerServerOptions) *WorkerServer {
	options := DefaultWorkerServerOptions()
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.Input == nil {
		options.Input = os.Stdin
	}
	if options.Output == nil {
		options.Output = os.Stdout
	}
	if options.Args == nil {
		options.Args = os.Args
	}
	s := &WorkerServer{
		opts: options,
		comm: NewCommunicator(nil, options.Communicator),
		done: make(chan struct{}),
	}
	s.comm.onClosed(func() {
		s.life.force(Closed)
		close(s.done)
	})
	return s
}

// Join blocks until the channel reaches Closed: the parent signalled
// CLOSING, the stdio stream dropped, or this side called Close. Worker
// mains typically end with Join.
func (s *WorkerServer) Join(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the server's lifecycle state.
func (s *WorkerServer) State() State { return s.life.current() }

// Driver returns the proxy driver for the parent's provider.
func (s *WorkerServer) Driver() *Driver { return s.comm.Driver() }

// Header returns the opaque header the parent supplied, preferring the
// argv copy and falling back to the handshake envelope.
func (s *WorkerServer) Header() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header != nil {
		return s.header
	}
	for _, arg := range s.opts.Args {
		if strings.HasPrefix(arg, workerArgsFlag) {
			if env, err := decodeHeaderEnvelope([]byte(arg[len(workerArgsFlag):])); err == nil {
				s.header = env.Header
				return s.header
			}
		}
	}
	if s.envelope != nil {
		s.header = s.envelope.Header
	}
	return s.header
}

// Open performs the child half of the sentinel handshake and exposes
// provider to the parent.
func (s *WorkerServer) Open(ctx context.Context, provider interface{}) error {
	if _, ok := s.life.advance(None, Opening); !ok {
		return fmt.Errorf("%w: open in state %s", ErrAlreadyOpen, s.life.current())
	}

	transport := newLineTransport(s.opts.Input, s.opts.Output, closersOf(s.opts.Input, s.opts.Output)...)
	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()

	if err := transport.Send(ctx, sentinelFrame(Opening)); err != nil {
		s.life.force(Closed)
		return err
	}
	frame, err := transport.Receive(ctx)
	if err != nil {
		s.life.force(Closed)
		return fmt.Errorf("handshake interrupted: %w", err)
	}
	env, err := decodeHeaderEnvelope(frame)
	if err != nil {
		s.life.force(Closed)
		return err
	}
	s.mu.Lock()
	s.envelope = env
	s.mu.Unlock()

	if err := transport.Send(ctx, sentinelFrame(Open)); err != nil {
		s.life.force(Closed)
		return err
	}

	s.comm.bind(newSentinelGate(transport, nil))
	s.comm.SetProvider(provider)
	if err := s.comm.Start(); err != nil {
		s.life.force(Closed)
		return err
	}
	s.life.force(Open)
	log.Debugf("worker server open")
	return nil
}

// Close signals CLOSING to the parent and tears the channel down.
func (s *WorkerServer) Close(ctx context.Context) error {
	if _, ok := s.life.advance(Open, Closing); !ok {
		return notReady("close", s.life.current())
	}
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()

	transport.Send(ctx, sentinelFrame(Closing))
	err := s.comm.Close(ctx)
	s.life.force(Closed)
	return err
}

// closersOf collects the io.Closer halves of a stream pair. Process
// stdio is left open; pipe and socket streams close with the channel.
func closersOf(values ...interface{}) []io.Closer {
	var closers []io.Closer
	for _, v := range values {
		if v == os.Stdin || v == os.Stdout {
			continue
		}
		if c, ok := v.(io.Closer); ok {
			closers = append(closers, c)
		}
	}
	return closers
}
