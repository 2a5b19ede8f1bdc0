// Package dispatcher turns inbound envelopes into procedure invocations.
//
// Processing pipeline for one inbound packet:
//
//	codec.Unmarshal → Resolve(path) → Lookup(type, procedure) → Authorize
//	  → unpack (CorrelationId?, args...) → middleware chain → handler
//	    → Request only: pack (CorrelationId, value) → Result back to sender
//
// Send and Message handlers run on the receive path, one after the other, so
// they observe arrival order. Request handlers run in their own goroutine so a
// suspended handler never blocks the stream it arrived on.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Joy-less/RemSend-sub000/access"
	"github.com/Joy-less/RemSend-sub000/codec"
	"github.com/Joy-less/RemSend-sub000/correlation"
	"github.com/Joy-less/RemSend-sub000/entity"
	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/Joy-less/RemSend-sub000/middleware"
	"github.com/Joy-less/RemSend-sub000/procedure"
	"github.com/Joy-less/RemSend-sub000/transport"
	"go.uber.org/zap"
)

var (
	ErrAccessDenied   = errors.New("dispatcher: access denied")
	ErrRoutingFailure = errors.New("dispatcher: routing failure")
	ErrShutdown       = errors.New("dispatcher: shut down")
)

// Config wires a Dispatcher to the rest of the node. Transport, Resolver and
// Procedures are required.
type Config struct {
	Transport  transport.Transport
	Resolver   entity.Resolver
	Procedures *procedure.Table
	Pending    *correlation.Table
	Policy     access.Policy
	Types      *codec.Registry // nil means codec.Default
	Codec      codec.Codec     // used for outbound Results; nil means msgpack
	Logger     *zap.Logger
}

// Dispatcher routes inbound envelopes to registered procedures.
type Dispatcher struct {
	transport  transport.Transport
	resolver   entity.Resolver
	procedures *procedure.Table
	pending    *correlation.Table
	policy     access.Policy
	types      *codec.Registry
	codec      codec.Codec
	logger     *zap.Logger

	mu          sync.RWMutex
	middlewares []middleware.Middleware
	chain       middleware.Middleware

	ctx      context.Context // parent of every handler context, cancelled on Shutdown
	cancel   context.CancelFunc
	drain    sync.Mutex     // orders wg.Add against Shutdown
	wg       sync.WaitGroup // in-flight Request handlers
	shutdown atomic.Bool
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		transport:  cfg.Transport,
		resolver:   cfg.Resolver,
		procedures: cfg.Procedures,
		pending:    cfg.Pending,
		policy:     cfg.Policy,
		types:      cfg.Types,
		codec:      cfg.Codec,
		logger:     cfg.Logger,
		chain:      middleware.Chain(),
	}
	if d.pending == nil {
		d.pending = correlation.NewTable()
	}
	if d.types == nil {
		d.types = codec.Default
	}
	if d.codec == nil {
		d.codec = new(codec.MsgpackCodec)
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Use registers a middleware around every handler invocation. Middlewares are
// applied in the order they are added.
func (d *Dispatcher) Use(mw middleware.Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, mw)
	d.chain = middleware.Chain(d.middlewares...)
}

// LocalID is the id of the peer this dispatcher runs on.
func (d *Dispatcher) LocalID() message.PeerID {
	return d.transport.LocalID()
}

// Pending returns the correlation table Results are delivered to.
func (d *Dispatcher) Pending() *correlation.Table {
	return d.pending
}

// Lookup resolves path locally and finds the procedure its entity exposes.
func (d *Dispatcher) Lookup(path, name string) (entity.Entity, procedure.Procedure, error) {
	e, err := d.resolver.Resolve(path)
	if err != nil {
		return nil, procedure.Procedure{}, fmt.Errorf("%w: %w", ErrRoutingFailure, err)
	}
	p, err := d.procedures.Lookup(e.EntityType(), name)
	if err != nil {
		return nil, procedure.Procedure{}, fmt.Errorf("%w: %w", ErrRoutingFailure, err)
	}
	return e, p, nil
}

// OnPacket is the transport.Receiver of the node. Errors are logged and
// returned for callers that want them; the transport ignores them.
func (d *Dispatcher) OnPacket(sender message.PeerID, data []byte) error {
	env, err := codec.Unmarshal(data)
	if err != nil {
		d.logger.Debug("dropping malformed packet", zap.Int32("peer", int32(sender)), zap.Error(err))
		return err
	}
	return d.Dispatch(d.ctx, sender, env)
}

// Receiver adapts OnPacket to transport.Receiver.
func (d *Dispatcher) Receiver() transport.Receiver {
	return func(sender message.PeerID, data []byte) {
		d.OnPacket(sender, data)
	}
}

// Dispatch handles one decoded envelope. Sender 0 means the envelope
// originated on this peer (the local bypass).
func (d *Dispatcher) Dispatch(ctx context.Context, sender message.PeerID, env *message.Envelope) error {
	if d.shutdown.Load() {
		return ErrShutdown
	}

	var err error
	switch env.Kind {
	case message.KindResult:
		err = d.handleResult(sender, env)
	case message.KindSend, message.KindMessage, message.KindRequest:
		err = d.handleCall(ctx, sender, env)
	default:
		err = fmt.Errorf("%w: unknown kind %d", codec.ErrMalformed, env.Kind)
	}
	if err != nil {
		d.logger.Debug("dispatch failed",
			zap.Int32("peer", int32(sender)),
			zap.Stringer("kind", env.Kind),
			zap.String("path", env.TargetPath),
			zap.String("procedure", env.ProcedureName),
			zap.Error(err))
	}
	return err
}

func (d *Dispatcher) handleCall(ctx context.Context, sender message.PeerID, env *message.Envelope) error {
	local := d.transport.LocalID()

	ent, p, err := d.Lookup(env.TargetPath, env.ProcedureName)
	if err != nil {
		return err
	}
	if !d.policy.Authorize(p.Descriptor.Access, sender, local) {
		return fmt.Errorf("%w: %s.%s (%s) from peer %d", ErrAccessDenied, ent.EntityType(), p.Name, p.Descriptor.Access, sender)
	}

	r := codec.NewReader(env.Payload, d.types)
	var id message.CorrelationID
	if env.Kind == message.KindRequest {
		id = r.ReadCorrelation()
	}
	args := p.NewArgs()
	r.ReadTuple(args)
	if err := r.Done(); err != nil {
		return err
	}

	inv := &procedure.Invocation{
		Kind:      env.Kind,
		Path:      env.TargetPath,
		Procedure: p.Name,
		Entity:    ent,
		Sender:    sender,
		Local:     sender == message.Broadcast || sender == local,
		Args:      args,
	}
	if inv.Sender == message.Broadcast {
		inv.Sender = local
	}

	if env.Kind != message.KindRequest {
		_, err := d.invoke(ctx, p, inv)
		return err
	}

	d.drain.Lock()
	if d.shutdown.Load() {
		d.drain.Unlock()
		return ErrShutdown
	}
	d.wg.Add(1)
	d.drain.Unlock()
	go func() {
		defer d.wg.Done()
		d.serveRequest(ctx, id, p, inv)
	}()
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, p procedure.Procedure, inv *procedure.Invocation) (any, error) {
	d.mu.RLock()
	chain := d.chain
	d.mu.RUnlock()
	return chain(p.Invoke)(ctx, inv)
}

// serveRequest runs a Request handler and sends its Result to the caller.
// A failing handler produces no Result; the caller's timeout covers it.
func (d *Dispatcher) serveRequest(ctx context.Context, id message.CorrelationID, p procedure.Procedure, inv *procedure.Invocation) {
	result, err := d.invoke(ctx, p, inv)
	if err != nil {
		d.logger.Warn("request handler failed",
			zap.Int32("peer", int32(inv.Sender)),
			zap.String("path", inv.Path),
			zap.String("procedure", inv.Procedure),
			zap.Uint64("correlation", uint64(id)),
			zap.Error(err))
		return
	}

	var value []byte
	if p.Returns != nil {
		value, err = codec.Pack(d.types, result, p.Returns)
		if err != nil {
			d.logger.Warn("cannot pack result",
				zap.String("procedure", inv.Procedure),
				zap.Uint64("correlation", uint64(id)),
				zap.Error(err))
			return
		}
	}

	if inv.Local {
		d.pending.Complete(id, inv.Sender, value)
		return
	}

	w := codec.NewWriter(d.types)
	w.PutCorrelation(id)
	prefix, err := w.Bytes()
	if err != nil {
		return
	}
	payload := append(prefix, value...)

	env := &message.Envelope{
		Kind:          message.KindResult,
		TargetPath:    inv.Path,
		ProcedureName: inv.Procedure,
		Payload:       payload,
	}
	data, err := codec.Marshal(d.codec, env)
	if err == nil {
		err = d.transport.Send(inv.Sender, p.Descriptor.Mode, p.Descriptor.Channel, data)
	}
	if err != nil {
		d.logger.Warn("cannot send result",
			zap.Int32("peer", int32(inv.Sender)),
			zap.Uint64("correlation", uint64(id)),
			zap.Error(err))
	}
}

// handleResult completes the pending request a Result answers. Results for
// unknown, finished or foreign requests are dropped.
func (d *Dispatcher) handleResult(sender message.PeerID, env *message.Envelope) error {
	if sender == message.Broadcast {
		sender = d.transport.LocalID()
	}
	r := codec.NewReader(env.Payload, d.types)
	id := r.ReadCorrelation()
	if err := r.Err(); err != nil {
		return err
	}
	if !d.pending.Complete(id, sender, r.Rest()) {
		d.logger.Debug("dropping unmatched result",
			zap.Int32("peer", int32(sender)),
			zap.Uint64("correlation", uint64(id)))
	}
	return nil
}

// Shutdown stops accepting envelopes and waits up to timeout for in-flight
// Request handlers. Handlers still running afterwards see their context
// cancelled.
func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	d.drain.Lock()
	d.shutdown.Store(true)
	d.drain.Unlock()
	defer d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: handlers still running after %s", ErrShutdown, timeout)
	}
}
