package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Joy-less/RemSend-sub000/message"
)

// LossFunc decides whether a packet is dropped. It is consulted only for
// UnreliableOrdered and Unreliable packets.
type LossFunc func(from, to message.PeerID, mode Mode, channel int) bool

// Network is an in-memory session. Every joined peer gets a Loopback
// transport; packets to one destination are delivered in send order by a
// single goroutine per destination.
type Network struct {
	mu    sync.RWMutex
	peers map[message.PeerID]*Loopback
	loss  LossFunc
}

func NewNetwork() *Network {
	return &Network{peers: make(map[message.PeerID]*Loopback)}
}

// SetLoss installs a loss function; nil disables loss.
func (n *Network) SetLoss(loss LossFunc) {
	n.mu.Lock()
	n.loss = loss
	n.mu.Unlock()
}

// Join adds a peer with the given id.
func (n *Network) Join(id message.PeerID) (*Loopback, error) {
	if id <= message.Broadcast {
		return nil, fmt.Errorf("transport: invalid peer id %d", id)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.peers[id]; ok {
		return nil, fmt.Errorf("transport: peer %d already joined", id)
	}
	l := &Loopback{net: n, id: id, inbox: newInbox()}
	n.peers[id] = l
	return l, nil
}

func (n *Network) leave(id message.PeerID) {
	n.mu.Lock()
	delete(n.peers, id)
	n.mu.Unlock()
}

func (n *Network) ids() []message.PeerID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]message.PeerID, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Loopback is one peer's view of a Network.
type Loopback struct {
	net    *Network
	id     message.PeerID
	inbox  *inbox
	closed atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *Loopback) LocalID() message.PeerID { return l.id }

func (l *Loopback) Peers() []message.PeerID {
	all := l.net.ids()
	peers := all[:0]
	for _, id := range all {
		if id != l.id {
			peers = append(peers, id)
		}
	}
	return peers
}

// Send copies data into the destination inbox. A packet to oneself arrives
// with sender 0.
func (l *Loopback) Send(peer message.PeerID, mode Mode, channel int, data []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.net.mu.RLock()
	dst, ok := l.net.peers[peer]
	loss := l.net.loss
	l.net.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}
	if mode != Reliable && loss != nil && loss(l.id, peer, mode, channel) {
		return nil
	}

	from := l.id
	if peer == l.id {
		from = message.Broadcast
	}
	dst.inbox.push(packet{from: from, data: append([]byte(nil), data...)})
	return nil
}

// Start delivers queued and future packets to recv until ctx is done or the
// transport is closed.
func (l *Loopback) Start(ctx context.Context, recv Receiver) error {
	if l.closed.Load() {
		return ErrClosed
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		l.inbox.drain(ctx, recv)
	}()
	return nil
}

func (l *Loopback) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.net.leave(l.id)
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	return nil
}

type packet struct {
	from message.PeerID
	data []byte
}

// inbox is an unbounded FIFO with a single consumer.
type inbox struct {
	mu     sync.Mutex
	items  []packet
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (q *inbox) push(p packet) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *inbox) drain(ctx context.Context, recv Receiver) {
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		q.mu.Unlock()

		for _, p := range items {
			if ctx.Err() != nil {
				return
			}
			recv(p.from, p.data)
		}
		if len(items) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		}
	}
}
