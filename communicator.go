package tgrid

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// CommunicatorOptions configures a Communicator.
type CommunicatorOptions struct {
	// Codec encodes Invoke frames and payloads. Defaults to JSONCodec.
	Codec Codec
}

// DefaultCommunicatorOptions returns the defaults.
func DefaultCommunicatorOptions() CommunicatorOptions {
	return CommunicatorOptions{Codec: JSONCodec{}}
}

// Communicator owns one side of an RPC channel: the provider registry,
// the pending-call table and the wire I/O over a Transport. Connectors
// and servers construct one per live channel; tests may drive one
// directly over a memory transport pair.
//
// All state mutation funnels through the registry and pending-table
// locks; incoming calls are dispatched on their own goroutines, so
// distinct provider handlers may run concurrently.
type Communicator struct {
	transport Transport
	codec     Codec
	registry  *providerRegistry
	pending   *pendingTable

	state int32 // atomic State

	// Separate monotonic uid spaces for calls and exported handles.
	nextCallUID   uint64
	nextHandleUID uint64

	ctx    context.Context
	cancel context.CancelFunc

	driverOnce sync.Once
	driver     *Driver

	destroyOnce sync.Once
	wg          sync.WaitGroup

	// closedHook lets the owning connector or acceptor observe the
	// transition into Closed, however it happens.
	closedHook func()
	hookOnce   sync.Once
}

// NewCommunicator wraps a transport. With a live transport the
// communicator starts in Opening; constructed with nil it starts in
// None and the owner binds the transport once its handshake produced
// one. Either way the owner installs a provider, then calls Start.
func NewCommunicator(transport Transport, opts ...CommunicatorOptions) *Communicator {
	options := DefaultCommunicatorOptions()
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.Codec == nil {
		options.Codec = JSONCodec{}
	}

	state := Opening
	if transport == nil {
		state = None
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Communicator{
		transport: transport,
		codec:     options.Codec,
		registry:  newProviderRegistry(),
		pending:   newPendingTable(),
		state:     int32(state),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// bind attaches the transport a handshake produced.
func (c *Communicator) bind(transport Transport) error {
	if !c.advanceState(None, Opening) {
		return notReady("bind", c.State())
	}
	c.transport = transport
	return nil
}

// onClosed registers a callback fired once when the communicator
// reaches Closed. Set before Start.
func (c *Communicator) onClosed(hook func()) {
	c.closedHook = hook
}

func (c *Communicator) fireClosed() {
	c.hookOnce.Do(func() {
		if c.closedHook != nil {
			c.closedHook()
		}
	})
}

// State returns the communicator's lifecycle state.
func (c *Communicator) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Communicator) advanceState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&c.state, int32(from), int32(to))
}

func (c *Communicator) forceState(to State) {
	for {
		cur := atomic.LoadInt32(&c.state)
		if cur >= int32(to) || atomic.CompareAndSwapInt32(&c.state, cur, int32(to)) {
			return
		}
	}
}

// inspectReady is the gate every channel-requiring operation passes.
// It returns nil in Open and a NotReadyError naming the current state
// otherwise.
func (c *Communicator) inspectReady(op string) error {
	if s := c.State(); s != Open {
		return notReady(op, s)
	}
	return nil
}

// SetProvider installs the root provider. Only permitted before the
// channel opens; once open the provider is read-only.
func (c *Communicator) SetProvider(provider interface{}) error {
	if s := c.State(); s > Opening {
		return fmt.Errorf("provider is read-only in state %s", s)
	}
	c.registry.setRoot(provider)
	return nil
}

// Provider returns the installed root provider, nil when none.
func (c *Communicator) Provider() interface{} {
	return c.registry.rootProvider()
}

// Driver returns the proxy driver rooted at the remote provider root.
// Idempotent, and callable before Open; the driver itself refuses to
// emit until the channel is open.
func (c *Communicator) Driver() *Driver {
	c.driverOnce.Do(func() {
		c.driver = &Driver{comm: c}
	})
	return c.driver
}

// PendingCount returns the number of in-flight outbound calls.
func (c *Communicator) PendingCount() int {
	return c.pending.size()
}

// Start marks the channel open and begins processing incoming frames.
// The owner calls it exactly once, after its handshake completes.
func (c *Communicator) Start() error {
	if !c.advanceState(Opening, Open) {
		return notReady("start", c.State())
	}
	c.wg.Add(1)
	go c.readLoop()
	return nil
}

// Close shuts the channel down: every in-flight call is rejected with
// ErrConnectionClosed, the transport is closed, and the state becomes
// Closed. Close outside Open is a NotReady error.
func (c *Communicator) Close(ctx context.Context) error {
	if !c.advanceState(Open, Closing) {
		return notReady("close", c.State())
	}
	c.destructor(ErrConnectionClosed)
	err := c.transport.Close()
	c.forceState(Closed)
	c.fireClosed()
	log.Debugf("communicator closed")
	return err
}

// destructor fails every pending call, releases every exported handle
// and cancels in-flight handler contexts. Safe to call while replies
// are in flight; Returns arriving afterwards are dropped.
func (c *Communicator) destructor(cause error) {
	c.destroyOnce.Do(func() {
		drained := c.pending.failAll(cause)
		for _, entry := range drained {
			for _, uid := range entry.handles {
				c.registry.release(uid)
			}
		}
		c.registry.releaseAll()
		c.cancel()
	})
}

// readLoop pulls frames off the transport until it dies. Decode
// failures are fatal protocol errors.
func (c *Communicator) readLoop() {
	defer c.wg.Done()
	for {
		frame, err := c.transport.Receive(c.ctx)
		if err != nil {
			c.transportFailed(err)
			return
		}
		inv, err := c.codec.DecodeInvoke(frame)
		if err != nil {
			log.Errorf("fatal frame error: %v", err)
			c.transportFailed(err)
			return
		}
		c.replyData(inv)
	}
}

// transportFailed tears the channel down after a receive or decode
// failure. During a deliberate Close the pending table is already
// drained and this is a no-op beyond the state write.
func (c *Communicator) transportFailed(cause error) {
	if c.State() >= Closing {
		c.forceState(Closed)
		c.fireClosed()
		return
	}
	log.Debugf("transport failed: %v", cause)
	c.destructor(ErrConnectionClosed)
	c.transport.Close()
	c.forceState(Closed)
	c.fireClosed()
}

// replyData dispatches one decoded frame: Returns complete pending
// calls inline, Calls are handled on their own goroutines.
func (c *Communicator) replyData(inv *Invoke) {
	if inv.IsReturn() {
		c.completeReturn(inv)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.handleCall(inv)
	}()
}

// completeReturn settles the awaiter for a Return and releases the
// call's non-retained exported handles. Unknown uids are late replies
// and are dropped silently.
func (c *Communicator) completeReturn(inv *Invoke) {
	entry, ok := c.pending.take(inv.UID)
	if !ok {
		log.Debugf("dropping late return for uid %d", inv.UID)
		return
	}
	for _, uid := range entry.handles {
		c.registry.release(uid)
	}
	if *inv.Success {
		entry.future.settle(inv.Value, nil)
		return
	}
	var remote RemoteError
	if err := c.codec.Unmarshal(inv.Value, &remote); err != nil {
		entry.future.settle(nil, fmt.Errorf("%w: undecodable error value: %v", ErrProtocol, err))
		return
	}
	entry.future.settle(nil, &remote)
}

// handleCall resolves and invokes one incoming Call, answering with a
// success or failure Return. Localisable failures (unknown listener,
// released handle, handler error) stay in-band.
func (c *Communicator) handleCall(inv *Invoke) {
	listener := *inv.Listener
	fn, err := c.registry.resolve(listener)
	if err != nil {
		log.Debugf("call %d: %v", inv.UID, err)
		c.sendFailure(inv.UID, newRemoteError(err, ""))
		return
	}

	result, err := c.invokeCallable(fn, inv.Parameters)
	if err != nil {
		c.sendFailure(inv.UID, newRemoteError(err, ""))
		return
	}

	value, err := c.codec.Marshal(result)
	if err != nil {
		c.sendFailure(inv.UID, newRemoteError(err, ""))
		return
	}
	c.sendReturn(newReturn(inv.UID, true, value))
}

// invokeCallable adapts wire parameters to the callable's signature and
// invokes it. A panic in the handler is captured as an error with its
// stack.
func (c *Communicator) invokeCallable(fn reflect.Value, params []Parameter) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			// An error panic keeps its identity so in-band kinds like
			// HandleReleased propagate through callback chains.
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = &RemoteError{
				Name:    remoteNameInternal,
				Message: fmt.Sprint(r),
				Stack:   string(debug.Stack()),
			}
		}
	}()

	args, err := c.buildArguments(fn.Type(), params)
	if err != nil {
		return nil, err
	}
	outs := fn.Call(args)
	return splitResults(outs)
}

// buildArguments decodes positional parameters into the callable's
// parameter types. An optional leading context.Context receives the
// communicator's context; by-reference parameters materialise local
// drivers or generated funcs that call back across the channel.
func (c *Communicator) buildArguments(ft reflect.Type, params []Parameter) ([]reflect.Value, error) {
	offset := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		offset = 1
	}

	want := ft.NumIn() - offset
	switch {
	case ft.IsVariadic() && len(params) < want-1:
		return nil, fmt.Errorf("expected at least %d parameters, got %d", want-1, len(params))
	case !ft.IsVariadic() && len(params) != want:
		return nil, fmt.Errorf("expected %d parameters, got %d", want, len(params))
	}

	args := make([]reflect.Value, 0, offset+len(params))
	if offset == 1 {
		args = append(args, reflect.ValueOf(c.ctx))
	}
	for i, p := range params {
		in := offset + i
		var argType reflect.Type
		if ft.IsVariadic() && in >= ft.NumIn()-1 {
			argType = ft.In(ft.NumIn() - 1).Elem()
		} else {
			argType = ft.In(in)
		}
		arg, err := c.decodeParameter(p, argType)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		args = append(args, arg)
	}
	return args, nil
}

// decodeParameter converts one wire parameter to a value of the target
// type.
func (c *Communicator) decodeParameter(p Parameter, argType reflect.Type) (reflect.Value, error) {
	if p.IsHandle() {
		return c.materializeHandle(p, argType)
	}
	ptr := reflect.New(argType)
	if err := c.codec.Unmarshal(p.Value(), ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}

// materializeHandle turns a by-reference parameter into a local value
// that, when invoked, emits a Call targeting "@handle:<uid>" back over
// this communicator.
func (c *Communicator) materializeHandle(p Parameter, argType reflect.Type) (reflect.Value, error) {
	listener := fmt.Sprintf("%s%d", handleListenerPrefix, p.HandleUID())
	remote := &Driver{comm: c, path: []string{listener}}

	switch {
	case argType == driverType,
		argType.Kind() == reflect.Interface && argType.NumMethod() == 0:
		return reflect.ValueOf(remote), nil
	case argType.Kind() == reflect.Func:
		fn, err := makeRemoteFunc(c, listener, argType)
		if err != nil {
			return reflect.Value{}, err
		}
		return fn, nil
	}
	return reflect.Value{}, fmt.Errorf("cannot pass a callable as %s", argType)
}

// sendReturn pushes a Return frame; failures here mean the channel is
// dying and the frame is abandoned.
func (c *Communicator) sendReturn(inv *Invoke) {
	frame, err := c.codec.EncodeInvoke(inv)
	if err != nil {
		log.Errorf("failed to encode return %d: %v", inv.UID, err)
		return
	}
	if err := c.transport.Send(c.ctx, frame); err != nil {
		log.Debugf("failed to send return %d: %v", inv.UID, err)
	}
}

func (c *Communicator) sendFailure(uid uint64, remote *RemoteError) {
	value, err := c.codec.Marshal(remote)
	if err != nil {
		log.Errorf("failed to encode error value: %v", err)
		return
	}
	c.sendReturn(newReturn(uid, false, value))
}

// call is the driver's entry point: export callable arguments, register
// the awaiter, put the Call on the wire and block on the Return.
func (c *Communicator) call(ctx context.Context, listener string, args []interface{}) (RawValue, error) {
	if err := c.inspectReady("call"); err != nil {
		return nil, err
	}

	params, handles, err := c.encodeArguments(args)
	if err != nil {
		c.releaseHandles(handles)
		return nil, err
	}

	uid := atomic.AddUint64(&c.nextCallUID, 1)
	future, err := c.pending.register(uid, handles)
	if err != nil {
		c.releaseHandles(handles)
		return nil, err
	}

	frame, err := c.codec.EncodeInvoke(newCall(uid, listener, params))
	if err != nil {
		c.abandonCall(uid)
		return nil, err
	}
	if err := c.transport.Send(ctx, frame); err != nil {
		c.abandonCall(uid)
		return nil, fmt.Errorf("failed to send call: %w", err)
	}

	return future.Await(ctx)
}

// encodeArguments splits the argument list into wire parameters,
// exporting func values under fresh handle uids. The returned uid list
// holds the non-retained exports to release on the call's Return.
func (c *Communicator) encodeArguments(args []interface{}) ([]Parameter, []uint64, error) {
	params := make([]Parameter, 0, len(args))
	var handles []uint64
	for i, arg := range args {
		retain := false
		if r, ok := arg.(Retained); ok {
			arg, retain = r.Callable, true
		}

		if rv := reflect.ValueOf(arg); rv.IsValid() && rv.Kind() == reflect.Func {
			uid := atomic.AddUint64(&c.nextHandleUID, 1)
			c.registry.install(uid, rv)
			params = append(params, newHandleParameter(uid, retain))
			if !retain {
				handles = append(handles, uid)
			}
			continue
		}

		raw, err := c.codec.Marshal(arg)
		if err != nil {
			return nil, handles, fmt.Errorf("argument %d: %w", i, err)
		}
		params = append(params, newValueParameter(raw))
	}
	return params, handles, nil
}

func (c *Communicator) releaseHandles(handles []uint64) {
	for _, uid := range handles {
		c.registry.release(uid)
	}
}

// abandonCall removes a registered call that never made it onto the
// wire, releasing any handles it exported.
func (c *Communicator) abandonCall(uid uint64) {
	if entry, ok := c.pending.take(uid); ok {
		c.releaseHandles(entry.handles)
	}
}

// splitResults maps a handler's return values onto the wire contract:
// a trailing non-nil error rejects the call, the first remaining value
// (if any) is the result.
func splitResults(outs []reflect.Value) (interface{}, error) {
	if len(outs) == 0 {
		return nil, nil
	}
	last := outs[len(outs)-1]
	if last.Type() == errorType {
		if !last.IsNil() {
			return nil, last.Interface().(error)
		}
		outs = outs[:len(outs)-1]
	}
	if len(outs) == 0 {
		return nil, nil
	}
	return outs[0].Interface(), nil
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	driverType  = reflect.TypeOf((*Driver)(nil))
)
