package tgrid

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
)

// Test providers shared across the package tests.

type scientificProvider struct{}

func (*scientificProvider) Sqrt(x float64) float64 { return math.Sqrt(x) }

type calcProvider struct {
	Scientific *scientificProvider
}

func (*calcProvider) Plus(a, b float64) float64       { return a + b }
func (*calcProvider) Minus(a, b float64) float64      { return a - b }
func (*calcProvider) Multiplies(a, b float64) float64 { return a * b }

func newCalcProvider() *calcProvider {
	return &calcProvider{Scientific: &scientificProvider{}}
}

// newTestPair wires two communicators over a memory transport pair,
// exposing provider on the callee side. Returns the caller side.
func newTestPair(t *testing.T, provider interface{}) (caller, callee *Communicator) {
	t.Helper()
	ta, tb := NewMemoryTransportPair()
	caller = NewCommunicator(ta)
	callee = NewCommunicator(tb)
	if err := callee.SetProvider(provider); err != nil {
		t.Fatalf("Failed to set provider: %v", err)
	}
	if err := caller.Start(); err != nil {
		t.Fatalf("Failed to start caller: %v", err)
	}
	if err := callee.Start(); err != nil {
		t.Fatalf("Failed to start callee: %v", err)
	}
	t.Cleanup(func() {
		if caller.State() == Open {
			caller.Close(context.Background())
		}
		if callee.State() == Open {
			callee.Close(context.Background())
		}
	})
	return caller, callee
}

func TestCalculatorRoundTrip(t *testing.T) {
	caller, _ := newTestPair(t, newCalcProvider())
	ctx := context.Background()
	driver := caller.Driver()

	sum, err := driver.Call(ctx, "plus", 2, 3)
	if err != nil {
		t.Fatalf("plus failed: %v", err)
	}
	if sum != float64(5) {
		t.Errorf("Expected 5, got %v", sum)
	}

	product, err := driver.Call(ctx, "multiplies", sum, 4)
	if err != nil {
		t.Fatalf("multiplies failed: %v", err)
	}
	if product != float64(20) {
		t.Errorf("Expected 20, got %v", product)
	}
}

func TestNestedListenerPath(t *testing.T) {
	caller, _ := newTestPair(t, newCalcProvider())

	root, err := caller.Driver().Call(context.Background(), "scientific.sqrt", 16)
	if err != nil {
		t.Fatalf("scientific.sqrt failed: %v", err)
	}
	if root != float64(4) {
		t.Errorf("Expected 4, got %v", root)
	}

	// The same call through a property chain.
	chained, err := caller.Driver().Prop("scientific").Call(context.Background(), "sqrt", 16)
	if err != nil {
		t.Fatalf("chained sqrt failed: %v", err)
	}
	if chained != float64(4) {
		t.Errorf("Expected 4, got %v", chained)
	}
}

type throwingProvider struct{}

func (*throwingProvider) Fail() error {
	return &RemoteError{Name: "DomainError", Message: "bad"}
}

func (*throwingProvider) Explode() string {
	panic("boom")
}

func TestRemoteThrow(t *testing.T) {
	caller, _ := newTestPair(t, &throwingProvider{})

	_, err := caller.Driver().Call(context.Background(), "fail")
	if err == nil {
		t.Fatal("Expected an error")
	}
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Expected *RemoteError, got %T: %v", err, err)
	}
	if remote.Name != "DomainError" || remote.Message != "bad" {
		t.Errorf("Error did not survive the wire: %+v", remote)
	}
}

func TestRemotePanicBecomesError(t *testing.T) {
	caller, _ := newTestPair(t, &throwingProvider{})

	_, err := caller.Driver().Call(context.Background(), "explode")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Expected *RemoteError, got %T: %v", err, err)
	}
	if remote.Message != "boom" {
		t.Errorf("Expected panic message, got %q", remote.Message)
	}
	if remote.Stack == "" {
		t.Error("Expected a captured stack")
	}
}

func TestListenerNotFound(t *testing.T) {
	caller, _ := newTestPair(t, newCalcProvider())

	_, err := caller.Driver().Call(context.Background(), "divide", 1, 2)
	if !errors.Is(err, ErrListenerNotFound) {
		t.Errorf("Expected ErrListenerNotFound, got %v", err)
	}
}

type iterProvider struct{}

func (*iterProvider) ForEach(xs []float64, cb func(float64)) {
	for _, x := range xs {
		cb(x)
	}
}

func TestCallbackParameter(t *testing.T) {
	caller, _ := newTestPair(t, &iterProvider{})

	var mu sync.Mutex
	var accum []float64
	cb := func(x float64) {
		mu.Lock()
		accum = append(accum, x)
		mu.Unlock()
	}

	_, err := caller.Driver().Call(context.Background(), "forEach", []float64{1, 2, 3}, cb)
	if err != nil {
		t.Fatalf("forEach failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(accum) != 3 || accum[0] != 1 || accum[1] != 2 || accum[2] != 3 {
		t.Errorf("Expected [1 2 3], got %v", accum)
	}
	// The exported handle is single-use and released on the Return.
	if caller.registry.size() != 0 {
		t.Errorf("Expected empty registry, got %d entries", caller.registry.size())
	}
}

type storeProvider struct {
	mu sync.Mutex
	cb func(float64)
}

func (p *storeProvider) Register(cb func(float64)) {
	p.mu.Lock()
	p.cb = cb
	p.mu.Unlock()
}

func (p *storeProvider) Fire(x float64) {
	p.mu.Lock()
	cb := p.cb
	p.mu.Unlock()
	cb(x)
}

func TestRetainedCallback(t *testing.T) {
	provider := &storeProvider{}
	caller, _ := newTestPair(t, provider)
	ctx := context.Background()

	got := make(chan float64, 1)
	cb := func(x float64) { got <- x }

	if _, err := caller.Driver().Call(ctx, "register", Retain(cb)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	// Retained: the handle survives the Return.
	if caller.registry.size() != 1 {
		t.Fatalf("Expected retained handle, registry has %d entries", caller.registry.size())
	}

	if _, err := caller.Driver().Call(ctx, "fire", 7); err != nil {
		t.Fatalf("fire failed: %v", err)
	}
	select {
	case x := <-got:
		if x != 7 {
			t.Errorf("Expected 7, got %v", x)
		}
	case <-time.After(time.Second):
		t.Fatal("Callback never fired")
	}
}

func TestSingleUseHandleReleased(t *testing.T) {
	provider := &storeProvider{}
	caller, _ := newTestPair(t, provider)
	ctx := context.Background()

	// Not retained: the handle dies with the Return, so a later Fire
	// must answer HandleReleased.
	if _, err := caller.Driver().Call(ctx, "register", func(float64) {}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if caller.registry.size() != 0 {
		t.Fatalf("Expected handle released on return, registry has %d entries", caller.registry.size())
	}

	_, err := caller.Driver().Call(ctx, "fire", 7)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Expected *RemoteError, got %T: %v", err, err)
	}
	if !errors.Is(remote, ErrHandleReleased) {
		t.Errorf("Expected HandleReleased, got %+v", remote)
	}
}

type blockingProvider struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingProvider) Wait() string {
	p.entered <- struct{}{}
	<-p.release
	return "done"
}

func TestShutdownFanOut(t *testing.T) {
	const inFlight = 8
	provider := &blockingProvider{
		entered: make(chan struct{}, inFlight),
		release: make(chan struct{}),
	}
	defer close(provider.release)
	caller, _ := newTestPair(t, provider)

	errCh := make(chan error, inFlight)
	for i := 0; i < inFlight; i++ {
		go func() {
			_, err := caller.Driver().Call(context.Background(), "wait")
			errCh <- err
		}()
	}
	// Every call is inside the handler before the close.
	for i := 0; i < inFlight; i++ {
		<-provider.entered
	}
	if n := caller.PendingCount(); n != inFlight {
		t.Fatalf("Expected %d pending calls, got %d", inFlight, n)
	}

	if err := caller.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for i := 0; i < inFlight; i++ {
		if err := <-errCh; !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("Call %d: expected ErrConnectionClosed, got %v", i, err)
		}
	}
	if n := caller.PendingCount(); n != 0 {
		t.Errorf("Expected empty pending table after close, got %d", n)
	}
	if caller.State() != Closed {
		t.Errorf("Expected Closed, got %s", caller.State())
	}
}

func TestLateReturnDropped(t *testing.T) {
	ta, tb := NewMemoryTransportPair()
	caller := NewCommunicator(ta)
	if err := caller.Start(); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	defer caller.Close(context.Background())

	ctx := context.Background()

	// A Return whose uid was never registered must vanish without
	// side effects.
	stray, _ := JSONCodec{}.EncodeInvoke(newReturn(999, true, RawValue(`"stray"`)))
	if err := tb.Send(ctx, stray); err != nil {
		t.Fatalf("Failed to send stray return: %v", err)
	}

	// The channel stays healthy: a real call still completes, served
	// by hand from the far end of the pair.
	go func() {
		frame, err := tb.Receive(ctx)
		if err != nil {
			return
		}
		inv, err := (JSONCodec{}).DecodeInvoke(frame)
		if err != nil || !inv.IsCall() {
			return
		}
		reply, _ := JSONCodec{}.EncodeInvoke(newReturn(inv.UID, true, RawValue(`42`)))
		tb.Send(ctx, reply)
	}()

	result, err := caller.Driver().Call(ctx, "answer")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if result != float64(42) {
		t.Errorf("Expected 42, got %v", result)
	}
}

func TestDriverNotReadyBeforeOpen(t *testing.T) {
	caller := NewCommunicator(nil)

	_, err := caller.Driver().Call(context.Background(), "plus", 1, 2)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Expected ErrNotReady, got %v", err)
	}
	var notReadyErr *NotReadyError
	if !errors.As(err, &notReadyErr) {
		t.Fatalf("Expected *NotReadyError, got %T", err)
	}
	if notReadyErr.State != None {
		t.Errorf("Expected None source state, got %s", notReadyErr.State)
	}
}

func TestProviderReadOnlyOnceOpen(t *testing.T) {
	_, callee := newTestPair(t, newCalcProvider())

	if err := callee.SetProvider(&throwingProvider{}); err == nil {
		t.Error("Expected provider swap to fail once open")
	}
}

func TestConcurrentCallers(t *testing.T) {
	const callers = 4
	const callsEach = 25
	caller, _ := newTestPair(t, newCalcProvider())
	ctx := context.Background()

	var wg sync.WaitGroup
	errCh := make(chan error, callers*callsEach)
	for m := 0; m < callers; m++ {
		wg.Add(1)
		go func(m int) {
			defer wg.Done()
			for k := 0; k < callsEach; k++ {
				a, b := float64(m), float64(k)
				listener := "plus"
				want := a + b
				if k%2 == 1 {
					listener = "minus"
					want = a - b
				}
				got, err := caller.Driver().Call(ctx, listener, a, b)
				if err != nil {
					errCh <- fmt.Errorf("%s(%v,%v): %w", listener, a, b, err)
					continue
				}
				if got != want {
					errCh <- fmt.Errorf("%s(%v,%v) = %v, want %v", listener, a, b, got, want)
				}
			}
		}(m)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
	if n := caller.PendingCount(); n != 0 {
		t.Errorf("Expected empty pending table, got %d", n)
	}
}

func TestCloseOutsideOpenIsNotReady(t *testing.T) {
	caller := NewCommunicator(nil)
	if err := caller.Close(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady, got %v", err)
	}

	open, _ := newTestPair(t, newCalcProvider())
	if err := open.Close(context.Background()); err != nil {
		t.Fatalf("First close failed: %v", err)
	}
	if err := open.Close(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady on double close, got %v", err)
	}
}

func TestPeerCloseFailsPendingCalls(t *testing.T) {
	provider := &blockingProvider{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	defer close(provider.release)
	caller, callee := newTestPair(t, provider)

	errCh := make(chan error, 1)
	go func() {
		_, err := caller.Driver().Call(context.Background(), "wait")
		errCh <- err
	}()
	<-provider.entered

	// The peer tears the transport down; the caller's pending call
	// fails with ConnectionClosed and the caller ends up Closed.
	if err := callee.Close(context.Background()); err != nil {
		t.Fatalf("Peer close failed: %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}

	deadline := time.After(time.Second)
	for caller.State() != Closed {
		select {
		case <-deadline:
			t.Fatalf("Caller never reached Closed, state %s", caller.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
