package tgrid

import (
	"context"
	"sync"
)

// Future is the awaiter for one outbound call. It settles exactly once,
// either with the remote's encoded return value or with an error.
type Future struct {
	done  chan struct{}
	once  sync.Once
	value RawValue
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Await blocks until the future settles or the context is canceled.
// Abandoning a future does not rescind the call on the wire; a late
// settle after cancellation is simply never observed.
func (f *Future) Await(ctx context.Context) (RawValue, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle resolves or rejects the future. Later settles are no-ops.
func (f *Future) settle(value RawValue, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// pendingEntry pairs an awaiter with the handle uids its call exported.
// Non-retained handles are released when the entry completes, however
// it completes.
type pendingEntry struct {
	future  *Future
	handles []uint64
}

// pendingTable maps call uid -> awaiter for one Communicator. Once
// failAll has run the table accepts no further registrations, which
// keeps the table empty from Closing onwards.
type pendingTable struct {
	mu       sync.Mutex
	entries  map[uint64]*pendingEntry
	closed   bool
	closeErr error
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint64]*pendingEntry)}
}

// register allocates an entry for uid before the call hits the wire.
// handles lists the non-retained handle uids the call exported.
func (t *pendingTable) register(uid uint64, handles []uint64) (*Future, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, t.closeErr
	}
	entry := &pendingEntry{future: newFuture(), handles: handles}
	t.entries[uid] = entry
	return entry.future, nil
}

// take removes and returns the entry for uid. A missing uid is a late
// reply and reports false; the caller drops the frame.
func (t *pendingTable) take(uid uint64) (*pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[uid]
	if ok {
		delete(t.entries, uid)
	}
	return entry, ok
}

// failAll atomically drains the table, rejecting every awaiter with
// err, and refuses registrations from then on. Returns the drained
// entries so the caller can release their exported handles.
func (t *pendingTable) failAll(err error) []*pendingEntry {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.closeErr = err
	drained := make([]*pendingEntry, 0, len(t.entries))
	for uid, entry := range t.entries {
		delete(t.entries, uid)
		drained = append(drained, entry)
	}
	t.mu.Unlock()

	for _, entry := range drained {
		entry.future.settle(nil, err)
	}
	return drained
}

// size returns the number of in-flight calls.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
