// Package node is the explicit context object of a peer: it owns the entity
// tree, the procedure table, the correlation table and the access policy, and
// wires them to a transport.
//
//	        ┌─────────── Node ───────────┐
//	Call ──►│ Planner ──► Transport.Send │──► network
//	        │                            │
//	network►│ Transport ──► Dispatcher   │──► handlers
//	        │       Results ──► Pending  │
//	        └────────────────────────────┘
//
// Several nodes may live in one process; nothing is global.
package node

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Joy-less/RemSend-sub000/access"
	"github.com/Joy-less/RemSend-sub000/codec"
	"github.com/Joy-less/RemSend-sub000/config"
	"github.com/Joy-less/RemSend-sub000/correlation"
	"github.com/Joy-less/RemSend-sub000/dispatcher"
	"github.com/Joy-less/RemSend-sub000/entity"
	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/Joy-less/RemSend-sub000/middleware"
	"github.com/Joy-less/RemSend-sub000/planner"
	"github.com/Joy-less/RemSend-sub000/procedure"
	"github.com/Joy-less/RemSend-sub000/protocol"
	"github.com/Joy-less/RemSend-sub000/registry"
	"github.com/Joy-less/RemSend-sub000/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrStarted = errors.New("node: already started")
	ErrNoTree  = errors.New("node: entities are resolved by a custom resolver")
)

// dialer is implemented by transports that connect to peer addresses.
type dialer interface {
	Dial(ctx context.Context, address string) (message.PeerID, error)
}

// peerSetter is implemented by transports without their own membership.
type peerSetter interface {
	SetPeers(ids []message.PeerID)
}

// Node is one peer of a session.
type Node struct {
	transport transport.Transport
	tree      *entity.Tree
	resolver  entity.Resolver

	procedures *procedure.Table
	pending    *correlation.Table
	dispatcher *dispatcher.Dispatcher
	planner    *planner.Planner

	policy          access.Policy
	types           *codec.Registry
	codec           codec.Codec
	middlewares     []middleware.Middleware
	defaultTimeout  time.Duration
	shutdownTimeout time.Duration
	logger          *zap.Logger

	registry registry.Registry
	session  string
	self     registry.Peer

	mu        sync.RWMutex
	directory []registry.Peer
	watchers  []*config.Watcher

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// New builds a node on top of t. Nothing touches the network until Start.
func New(t transport.Transport, opts ...Option) *Node {
	n := &Node{
		transport:       t,
		policy:          access.DefaultPolicy,
		defaultTimeout:  DefaultRequestTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	if n.types == nil {
		n.types = codec.Default
	}
	if n.codec == nil {
		n.codec = new(codec.MsgpackCodec)
	}
	if n.resolver == nil {
		n.tree = entity.NewTree()
		n.resolver = n.tree
	}
	n.logger = n.logger.With(zap.Int32("node", int32(t.LocalID())))

	n.procedures = procedure.NewTable(n.types)
	n.pending = correlation.NewTable()
	n.dispatcher = dispatcher.New(dispatcher.Config{
		Transport:  t,
		Resolver:   n.resolver,
		Procedures: n.procedures,
		Pending:    n.pending,
		Policy:     n.policy,
		Types:      n.types,
		Codec:      n.codec,
		Logger:     n.logger,
	})
	for _, mw := range n.middlewares {
		n.dispatcher.Use(mw)
	}
	n.planner = planner.New(planner.Config{
		Dispatcher:     n.dispatcher,
		Transport:      t,
		Codec:          n.codec,
		Types:          n.types,
		Policy:         n.policy,
		DefaultTimeout: n.defaultTimeout,
		Logger:         n.logger,
	})
	return n
}

func (n *Node) ID() message.PeerID { return n.transport.LocalID() }

// Entities is the built-in entity tree, or nil with WithResolver.
func (n *Node) Entities() *entity.Tree { return n.tree }

// AddEntity places e at path in the built-in tree.
func (n *Node) AddEntity(path string, e entity.Entity) error {
	if n.tree == nil {
		return ErrNoTree
	}
	return n.tree.Add(path, e)
}

// Procedures is the registration table; register with procedure.Handle and
// procedure.HandleVoid.
func (n *Node) Procedures() *procedure.Table { return n.procedures }

func (n *Node) Dispatcher() *dispatcher.Dispatcher { return n.dispatcher }

func (n *Node) Transport() transport.Transport { return n.transport }

// Use adds inbound middleware after construction.
func (n *Node) Use(mw middleware.Middleware) { n.dispatcher.Use(mw) }

// Start begins receiving packets and, with a registry, announces the node and
// follows the session directory.
func (n *Node) Start(ctx context.Context) error {
	if n.started.Swap(true) {
		return ErrStarted
	}
	ctx, n.cancel = context.WithCancel(ctx)
	if err := n.transport.Start(ctx, n.dispatcher.Receiver()); err != nil {
		return err
	}
	if n.registry == nil {
		return nil
	}

	n.self.ID = n.ID()
	if n.self.Version == "" {
		n.self.Version = protocol.ProtocolVersion
	}
	if n.self.InstanceID == "" {
		n.self.InstanceID = registry.NewInstanceID()
	}
	if err := n.registry.Register(ctx, n.session, n.self, DefaultRegistryTTL); err != nil {
		return err
	}
	updates := n.registry.Watch(ctx, n.session)
	peers, err := n.registry.Discover(ctx, n.session)
	if err != nil {
		return err
	}
	n.sync(ctx, peers)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for peers := range updates {
			n.sync(ctx, peers)
		}
	}()
	return nil
}

// sync applies a directory snapshot: it is kept for Balanced selectors, fed
// to transports without membership, and used to dial new peers. Only the
// peer with the higher id dials, so each pair connects once.
func (n *Node) sync(ctx context.Context, peers []registry.Peer) {
	n.mu.Lock()
	n.directory = peers
	n.mu.Unlock()

	if ps, ok := n.transport.(peerSetter); ok {
		ps.SetPeers(registry.IDs(peers, n.ID()))
	}
	d, ok := n.transport.(dialer)
	if !ok {
		return
	}
	connected := make(map[message.PeerID]bool)
	for _, id := range n.transport.Peers() {
		connected[id] = true
	}
	for _, p := range peers {
		if p.ID >= n.ID() || connected[p.ID] || p.Addr == "" {
			continue
		}
		if err := protocol.Compatible(protocol.ProtocolVersion, p.Version); err != nil {
			n.logger.Warn("skipping incompatible peer", zap.Stringer("peer", p), zap.Error(err))
			continue
		}
		id, err := d.Dial(ctx, p.Addr)
		if err != nil {
			n.logger.Warn("dial failed", zap.Stringer("peer", p), zap.Error(err))
			continue
		}
		if id != p.ID {
			n.logger.Warn("peer answered with another id", zap.Stringer("peer", p), zap.Int32("answered", int32(id)))
		}
	}
}

// Directory returns the last session directory seen, including this node.
func (n *Node) Directory() []registry.Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]registry.Peer(nil), n.directory...)
}

// Call fires a one-way call, see planner.Planner.Call.
func (n *Node) Call(ctx context.Context, sel planner.Selector, path, name string, args codec.Tuple) (int, bool, error) {
	if n.closed.Load() {
		return 0, false, correlation.ErrClosed
	}
	return n.planner.Call(ctx, sel, path, name, args)
}

// Request issues a correlated call, see planner.Planner.Request.
func (n *Node) Request(ctx context.Context, sel planner.Selector, path, name string, args codec.Tuple, timeout time.Duration) (*planner.Future, error) {
	if n.closed.Load() {
		return nil, correlation.ErrClosed
	}
	return n.planner.Request(ctx, sel, path, name, args, timeout)
}

// ApplyOverrides reassigns procedure descriptors. Calls already planned keep
// the descriptor they were planned with.
func (n *Node) ApplyOverrides(o config.Overrides) error {
	return o.Apply(n.procedures)
}

// WatchOverrides loads path now and re-applies it whenever it changes, until
// the node is closed.
func (n *Node) WatchOverrides(path string) error {
	o, err := config.LoadOverrides(path)
	if err != nil {
		return err
	}
	if err := n.ApplyOverrides(o); err != nil {
		n.logger.Warn("some overrides were not applied", zap.Error(err))
	}
	w, err := config.Watch(path, n.logger, func(o config.Overrides) {
		if err := n.ApplyOverrides(o); err != nil {
			n.logger.Warn("some overrides were not applied", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.watchers = append(n.watchers, w)
	n.mu.Unlock()
	return nil
}

// Close deregisters the node, waits for in-flight request handlers, fails
// outstanding requests with correlation.ErrClosed and closes the transport.
func (n *Node) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	var errs error

	n.mu.Lock()
	watchers := n.watchers
	n.watchers = nil
	n.mu.Unlock()
	for _, w := range watchers {
		errs = multierr.Append(errs, w.Close())
	}

	if n.registry != nil && n.started.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), n.shutdownTimeout)
		errs = multierr.Append(errs, n.registry.Deregister(ctx, n.session, n.ID()))
		cancel()
	}
	if n.cancel != nil {
		n.cancel()
	}

	errs = multierr.Append(errs, n.dispatcher.Shutdown(n.shutdownTimeout))
	n.pending.Close()
	errs = multierr.Append(errs, n.transport.Close())
	n.wg.Wait()
	return errs
}
