package tgrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

// openTestServer starts a WebSocket server on a loopback port with an
// accept-everything handler exposing the calculator.
func openTestServer(t *testing.T, opts ...WebSocketServerOptions) (*WebSocketServer, string) {
	t.Helper()
	server := NewWebSocketServer(opts...)
	handler := func(a *Acceptor) {
		if err := a.Accept(context.Background(), newCalcProvider()); err != nil {
			t.Errorf("Accept failed: %v", err)
		}
	}
	if err := server.Open(context.Background(), "127.0.0.1:0", handler); err != nil {
		t.Fatalf("Failed to open server: %v", err)
	}
	t.Cleanup(func() {
		if server.State() == Open {
			server.Close(context.Background())
		}
	})
	return server, fmt.Sprintf("ws://%s/", server.Addr())
}

func TestWebSocketRoundTrip(t *testing.T) {
	_, url := openTestServer(t)

	connector := NewWebSocketConnector(nil)
	if err := connector.Connect(context.Background(), url, map[string]string{"token": "t"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer connector.Close(context.Background())

	if connector.State() != Open {
		t.Fatalf("Expected Open, got %s", connector.State())
	}

	sum, err := connector.Driver().Call(context.Background(), "plus", 2, 3)
	if err != nil {
		t.Fatalf("plus failed: %v", err)
	}
	if sum != float64(5) {
		t.Errorf("Expected 5, got %v", sum)
	}

	root, err := connector.Driver().Call(context.Background(), "scientific.sqrt", 16)
	if err != nil || root != float64(4) {
		t.Errorf("scientific.sqrt: got %v, %v", root, err)
	}
}

func TestWebSocketServerHeaderAndReject(t *testing.T) {
	server := NewWebSocketServer()
	headerCh := make(chan json.RawMessage, 1)
	handler := func(a *Acceptor) {
		headerCh <- a.Header()
		var header struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(a.Header(), &header); err != nil || header.Token != "good" {
			a.Reject(4001, "bad token")
			return
		}
		a.Accept(context.Background(), newCalcProvider())
	}
	if err := server.Open(context.Background(), "127.0.0.1:0", handler); err != nil {
		t.Fatalf("Failed to open server: %v", err)
	}
	defer server.Close(context.Background())
	url := fmt.Sprintf("ws://%s/", server.Addr())

	good := NewWebSocketConnector(nil)
	if err := good.Connect(context.Background(), url, map[string]string{"token": "good"}); err != nil {
		t.Fatalf("Good client refused: %v", err)
	}
	defer good.Close(context.Background())
	if got := <-headerCh; string(got) != `{"token":"good"}` {
		t.Errorf("Header mangled: %s", got)
	}

	bad := NewWebSocketConnector(nil)
	err := bad.Connect(context.Background(), url, map[string]string{"token": "evil"})
	if err == nil {
		t.Fatal("Bad client admitted")
	}
	<-headerCh
	if bad.State() != Closed {
		t.Errorf("Rejected connector should be Closed, got %s", bad.State())
	}
}

func TestWebSocketVersionGate(t *testing.T) {
	_, url := openTestServer(t, WebSocketServerOptions{
		Communicator:       DefaultCommunicatorOptions(),
		CompatibleVersions: "^2",
	})

	connector := NewWebSocketConnector(nil)
	if err := connector.Connect(context.Background(), url, nil); err == nil {
		t.Error("Incompatible version admitted")
	}
}

func TestWebSocketMultiClient(t *testing.T) {
	const clients = 3
	const callsEach = 100
	server, url := openTestServer(t)

	var wg sync.WaitGroup
	errCh := make(chan error, clients*callsEach)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			connector := NewWebSocketConnector(nil)
			if err := connector.Connect(context.Background(), url, nil); err != nil {
				errCh <- err
				return
			}
			defer connector.Close(context.Background())
			for k := 0; k < callsEach; k++ {
				a, b := float64(rng.Intn(100)), float64(rng.Intn(100))
				listener, want := "plus", a+b
				if rng.Intn(2) == 1 {
					listener, want = "minus", a-b
				}
				got, err := connector.Driver().Call(context.Background(), listener, a, b)
				if err != nil {
					errCh <- err
					continue
				}
				if got != want {
					errCh <- fmt.Errorf("%s(%v,%v) = %v, want %v", listener, a, b, got, want)
				}
			}
		}(int64(i))
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}

	// The server notices each disconnect asynchronously.
	deadline := time.After(2 * time.Second)
	for server.ConnectionCount() != 0 {
		select {
		case <-deadline:
			t.Fatalf("Expected all connections drained, got %d", server.ConnectionCount())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWebSocketReconnectLoop(t *testing.T) {
	_, url := openTestServer(t)

	for i := 0; i < 5; i++ {
		connector := NewWebSocketConnector(nil)
		if err := connector.Connect(context.Background(), url, nil); err != nil {
			t.Fatalf("Iteration %d: connect failed: %v", i, err)
		}
		sum, err := connector.Driver().Call(context.Background(), "plus", float64(i), 1)
		if err != nil || sum != float64(i+1) {
			t.Fatalf("Iteration %d: got %v, %v", i, sum, err)
		}
		if n := connector.comm.PendingCount(); n != 0 {
			t.Fatalf("Iteration %d: %d pending entries remain", i, n)
		}
		if err := connector.Close(context.Background()); err != nil {
			t.Fatalf("Iteration %d: close failed: %v", i, err)
		}
		if connector.State() != Closed {
			t.Fatalf("Iteration %d: expected Closed, got %s", i, connector.State())
		}
	}
}

func TestWebSocketServerCloseFailsClients(t *testing.T) {
	server, url := openTestServer(t)

	connector := NewWebSocketConnector(nil)
	if err := connector.Connect(context.Background(), url, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := server.Close(context.Background()); err != nil {
		t.Fatalf("Server close failed: %v", err)
	}
	if server.State() != Closed {
		t.Fatalf("Expected Closed, got %s", server.State())
	}

	// The client's channel dies with the server; new calls fail fast
	// once the close propagates.
	deadline := time.After(2 * time.Second)
	for {
		_, err := connector.Driver().Call(context.Background(), "plus", 1, 2)
		if err != nil {
			if !errors.Is(err, ErrConnectionClosed) && !errors.Is(err, ErrNotReady) {
				t.Errorf("Expected closed-channel error, got %v", err)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("Client never observed the server close")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWebSocketServerReopen(t *testing.T) {
	server, _ := openTestServer(t)
	if err := server.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A closed server may construct a fresh listener.
	handler := func(a *Acceptor) { a.Accept(context.Background(), newCalcProvider()) }
	if err := server.Open(context.Background(), "127.0.0.1:0", handler); err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer server.Close(context.Background())

	connector := NewWebSocketConnector(nil)
	url := fmt.Sprintf("ws://%s/", server.Addr())
	if err := connector.Connect(context.Background(), url, nil); err != nil {
		t.Fatalf("Connect after reopen failed: %v", err)
	}
	defer connector.Close(context.Background())

	sum, err := connector.Driver().Call(context.Background(), "plus", 20, 22)
	if err != nil || sum != float64(42) {
		t.Errorf("plus after reopen: got %v, %v", sum, err)
	}
}

func TestWebSocketLifecycleErrors(t *testing.T) {
	server, url := openTestServer(t)

	if err := server.Open(context.Background(), "127.0.0.1:0", nil); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("Expected ErrAlreadyOpen, got %v", err)
	}

	connector := NewWebSocketConnector(nil)
	if err := connector.Close(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Close before connect: expected ErrNotReady, got %v", err)
	}
	if err := connector.Connect(context.Background(), url, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := connector.Connect(context.Background(), url, nil); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("Second connect: expected ErrAlreadyOpen, got %v", err)
	}
	if err := connector.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := connector.Close(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Double close: expected ErrNotReady, got %v", err)
	}
}
