package tgrid

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	uuid "github.com/satori/go.uuid"
	"golang.org/x/sync/errgroup"
)

// Acceptor is the server side of one pending client connection. The
// server's acceptance handler inspects the client's header and either
// Accepts with a provider or Rejects; until then no business frames are
// processed. An accepted Acceptor owns one Communicator for its client.
type Acceptor struct {
	id        string
	life      lifecycle
	comm      *Communicator
	transport Transport
	header    json.RawMessage
	version   string

	// Transport-specific handshake and teardown actions.
	confirm  func(ctx context.Context) error
	refuse   func(code int, reason string)
	farewell func(ctx context.Context)

	remove func()
}

func newAcceptor(transport Transport, opts CommunicatorOptions, env *headerEnvelope) *Acceptor {
	a := &Acceptor{
		id:        uuid.NewV4().String(),
		comm:      NewCommunicator(transport, opts),
		transport: transport,
		header:    env.Header,
		version:   env.Version,
	}
	a.life.force(Opening)
	a.comm.onClosed(func() {
		a.life.force(Closed)
		if a.remove != nil {
			a.remove()
		}
	})
	return a
}

// ID returns the connection's identity, unique per server lifetime.
func (a *Acceptor) ID() string { return a.id }

// Header returns the client's opaque handshake header.
func (a *Acceptor) Header() json.RawMessage { return a.header }

// Version returns the protocol version the client announced, empty for
// clients that predate the field.
func (a *Acceptor) Version() string { return a.version }

// State returns the acceptor's lifecycle state.
func (a *Acceptor) State() State { return a.life.current() }

// Driver returns the proxy driver for the client's provider, for calls
// initiated by the server side.
func (a *Acceptor) Driver() *Driver { return a.comm.Driver() }

// Accept confirms the connection, installs the provider this client
// may call, and opens the channel.
func (a *Acceptor) Accept(ctx context.Context, provider interface{}) error {
	if _, ok := a.life.advance(Opening, Open); !ok {
		return notReady("accept", a.life.current())
	}
	if err := a.confirm(ctx); err != nil {
		a.transport.Close()
		a.life.force(Closed)
		if a.remove != nil {
			a.remove()
		}
		return err
	}
	a.comm.SetProvider(provider)
	if err := a.comm.Start(); err != nil {
		return err
	}
	log.Debugf("acceptor %s open", a.id)
	return nil
}

// Reject refuses the connection with a transport-level code and reason
// and tears it down. Only valid while the acceptor is pending.
func (a *Acceptor) Reject(code int, reason string) error {
	if _, ok := a.life.advance(Opening, Closing); !ok {
		return notReady("reject", a.life.current())
	}
	a.refuse(code, reason)
	a.transport.Close()
	a.life.force(Closed)
	if a.remove != nil {
		a.remove()
	}
	log.Debugf("acceptor %s rejected: %s", a.id, reason)
	return nil
}

// Close shuts one accepted connection down, failing its pending calls
// with ErrConnectionClosed.
func (a *Acceptor) Close(ctx context.Context) error {
	if _, ok := a.life.advance(Open, Closing); !ok {
		return notReady("close", a.life.current())
	}
	if a.farewell != nil {
		a.farewell(ctx)
	}
	err := a.comm.Close(ctx)
	a.life.force(Closed)
	return err
}

// closeCodeGoingAway mirrors the WebSocket 1001 close code; the worker
// transports map it onto their CLOSING sentinel.
const closeCodeGoingAway = 1001

// acceptorSet tracks a server's live acceptors keyed by id.
type acceptorSet struct {
	mu sync.Mutex
	m  map[string]*Acceptor
}

func newAcceptorSet() *acceptorSet {
	return &acceptorSet{m: make(map[string]*Acceptor)}
}

func (s *acceptorSet) add(a *Acceptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[a.id] = a
	a.remove = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.m, a.id)
	}
}

func (s *acceptorSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// closeAll closes every live acceptor concurrently; each one fails its
// own pending table. Acceptors that raced into Closed are skipped.
func (s *acceptorSet) closeAll(ctx context.Context) error {
	s.mu.Lock()
	acceptors := make([]*Acceptor, 0, len(s.m))
	for _, a := range s.m {
		acceptors = append(acceptors, a)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, a := range acceptors {
		a := a
		g.Go(func() error {
			err := a.Close(ctx)
			if err == nil || !errors.Is(err, ErrNotReady) {
				return err
			}
			// Still pending: refuse instead.
			a.Reject(closeCodeGoingAway, "server shutting down")
			return nil
		})
	}
	return g.Wait()
}
