package node

import (
	"time"

	"github.com/Joy-less/RemSend-sub000/codec"
	"github.com/Joy-less/RemSend-sub000/entity"
	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/Joy-less/RemSend-sub000/middleware"
	"github.com/Joy-less/RemSend-sub000/registry"
	"go.uber.org/zap"
)

const (
	DefaultRequestTimeout  = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultRegistryTTL     = 10 // seconds
)

// Option configures a Node.
type Option func(*Node)

func WithLogger(logger *zap.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// WithCodec selects the envelope codec for outbound packets. Inbound packets
// carry their own codec byte.
func WithCodec(c codec.Codec) Option {
	return func(n *Node) { n.codec = c }
}

// WithAuthority sets the peer AuthorityOnly procedures trust. Default is peer 1.
func WithAuthority(id message.PeerID) Option {
	return func(n *Node) { n.policy.Authority = id }
}

func WithTypes(types *codec.Registry) Option {
	return func(n *Node) { n.types = types }
}

// WithMiddleware wraps every inbound handler invocation. The first middleware
// is the outermost.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(n *Node) { n.middlewares = append(n.middlewares, mw...) }
}

// WithDefaultTimeout applies to requests issued with a zero timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(n *Node) { n.defaultTimeout = d }
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(n *Node) { n.shutdownTimeout = d }
}

// WithResolver replaces the built-in entity tree.
func WithResolver(r entity.Resolver) Option {
	return func(n *Node) { n.resolver = r }
}

// WithRegistry announces the node in session on Start and keeps the
// transport's peer list in sync with the directory. self.ID is forced to the
// transport's local id.
func WithRegistry(reg registry.Registry, session string, self registry.Peer) Option {
	return func(n *Node) {
		n.registry = reg
		n.session = session
		n.self = self
	}
}
