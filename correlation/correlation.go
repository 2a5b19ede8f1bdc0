// Package correlation tracks outstanding requests until their Result arrives.
//
// Every request gets a process-unique id and a Pending slot registered BEFORE
// the request leaves the node, so a fast Result can never beat its own slot:
//
//	Register(id=7) ──► send Request(7) ──► ... ──► Result(7) ──► Complete(7)
//	                                                              │
//	timer / Cancel / Close ─────── first one wins (CAS) ──────────┘
//
// A slot completes exactly once. Whatever arrives second is a no-op.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Joy-less/RemSend-sub000/message"
)

var (
	ErrTimeout   = errors.New("correlation: request timed out")
	ErrCancelled = errors.New("correlation: request cancelled")
	ErrClosed    = errors.New("correlation: table closed")
)

// Pending is a single-assignment completion slot for one request.
type Pending struct {
	id       message.CorrelationID
	expected message.PeerID
	table    *Table

	state uint32 // 0 = waiting, 1 = completed
	done  chan struct{}

	mu    sync.Mutex // guards timer
	timer *time.Timer

	// Written once by the winner of the CAS, read after done is closed.
	value  []byte
	sender message.PeerID
	err    error
}

func (p *Pending) ID() message.CorrelationID { return p.id }

// Expected returns the peer a Result must come from; 0 accepts any sender.
func (p *Pending) Expected() message.PeerID { return p.expected }

// Done is closed once the request completes.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the request completes or ctx is done. A done context
// cancels the request.
func (p *Pending) Wait(ctx context.Context) ([]byte, message.PeerID, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.table.finish(p, nil, 0, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
		<-p.done
	}
	return p.value, p.sender, p.err
}

// Cancel fails the request with ErrCancelled if it is still waiting.
func (p *Pending) Cancel() bool {
	return p.table.finish(p, nil, 0, ErrCancelled)
}

// Table is the set of outstanding requests of one node.
type Table struct {
	mu      sync.Mutex
	pending map[message.CorrelationID]*Pending
	nextID  atomic.Uint64
	closed  bool
}

func NewTable() *Table {
	return &Table{pending: make(map[message.CorrelationID]*Pending)}
}

// NextID returns a fresh id. Ids start at 1 and are never reused.
func (t *Table) NextID() message.CorrelationID {
	return message.CorrelationID(t.nextID.Add(1))
}

// Register creates the slot for a new request. A timeout <= 0 never expires.
func (t *Table) Register(expected message.PeerID, timeout time.Duration) (*Pending, error) {
	p := &Pending{
		id:       t.NextID(),
		expected: expected,
		table:    t,
		done:     make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.pending[p.id] = p
	t.mu.Unlock()

	if timeout > 0 {
		p.mu.Lock()
		p.timer = time.AfterFunc(timeout, func() {
			t.finish(p, nil, 0, fmt.Errorf("%w after %s", ErrTimeout, timeout))
		})
		p.mu.Unlock()
	}
	return p, nil
}

// Complete delivers a Result. It reports false when there is no such request,
// it already completed, or sender is not the expected peer.
func (t *Table) Complete(id message.CorrelationID, sender message.PeerID, value []byte) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	if p.expected != 0 && p.expected != sender {
		return false
	}
	return t.finish(p, value, sender, nil)
}

// Fail completes the request with err, e.g. when sending it failed.
func (t *Table) Fail(id message.CorrelationID, err error) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return t.finish(p, nil, 0, err)
}

// Cancel fails the request with ErrCancelled.
func (t *Table) Cancel(id message.CorrelationID) bool {
	return t.Fail(id, ErrCancelled)
}

// Len returns the number of outstanding requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close fails every outstanding request with ErrClosed and rejects new ones.
func (t *Table) Close() {
	t.mu.Lock()
	t.closed = true
	all := make([]*Pending, 0, len(t.pending))
	for _, p := range t.pending {
		all = append(all, p)
	}
	t.mu.Unlock()

	for _, p := range all {
		t.finish(p, nil, 0, ErrClosed)
	}
}

func (t *Table) finish(p *Pending, value []byte, sender message.PeerID, err error) bool {
	if !atomic.CompareAndSwapUint32(&p.state, 0, 1) {
		return false
	}
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
	p.value, p.sender, p.err = value, sender, err

	t.mu.Lock()
	delete(t.pending, p.id)
	t.mu.Unlock()

	close(p.done)
	return true
}
