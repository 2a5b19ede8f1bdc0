// Package planner decides, for every outbound call, which peers get a wire
// packet and whether the local peer runs the handler itself.
//
//	Call(selector, path, procedure, args)
//	  → Lookup descriptor → plan targets → pack args
//	    → remote peers: Envelope → codec → transport.Send
//	    → CallLocal:    Envelope → Dispatcher (local bypass, exactly once)
//
// Requests additionally register a correlation slot before anything is sent
// and hand back a Future bound to it.
package planner

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/Joy-less/RemSend-sub000/access"
	"github.com/Joy-less/RemSend-sub000/codec"
	"github.com/Joy-less/RemSend-sub000/correlation"
	"github.com/Joy-less/RemSend-sub000/dispatcher"
	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/Joy-less/RemSend-sub000/procedure"
	"github.com/Joy-less/RemSend-sub000/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrSelfCall        = errors.New("planner: procedure without CallLocal cannot target its own peer")
	ErrInvalidSelector = errors.New("planner: invalid peer selector")
	ErrNoRecipient     = errors.New("planner: request has no recipient")
)

type Config struct {
	Dispatcher *dispatcher.Dispatcher
	Transport  transport.Transport
	Codec      codec.Codec     // nil means msgpack
	Types      *codec.Registry // nil means codec.Default
	Policy     access.Policy
	// DefaultTimeout applies to requests issued with a zero timeout.
	DefaultTimeout time.Duration
	Logger         *zap.Logger
}

// Planner issues outbound calls.
type Planner struct {
	dispatcher     *dispatcher.Dispatcher
	transport      transport.Transport
	pending        *correlation.Table
	codec          codec.Codec
	types          *codec.Registry
	authority      message.PeerID
	defaultTimeout time.Duration
	logger         *zap.Logger
}

func New(cfg Config) *Planner {
	p := &Planner{
		dispatcher:     cfg.Dispatcher,
		transport:      cfg.Transport,
		pending:        cfg.Dispatcher.Pending(),
		codec:          cfg.Codec,
		types:          cfg.Types,
		authority:      cfg.Policy.Authority,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         cfg.Logger,
	}
	if p.codec == nil {
		p.codec = new(codec.MsgpackCodec)
	}
	if p.types == nil {
		p.types = codec.Default
	}
	if p.authority == message.Broadcast {
		p.authority = message.Authority
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// prepare performs every caller-side check before anything touches the network.
func (p *Planner) prepare(sel Selector, path, name string, args codec.Tuple) (procedure.Procedure, targets, []byte, error) {
	_, proc, err := p.dispatcher.Lookup(path, name)
	if err != nil {
		return proc, targets{}, nil, err
	}
	t, err := sel.plan(p.transport.LocalID(), p.authority, p.transport.Peers, proc.Descriptor.CallLocal)
	if err != nil {
		return proc, t, nil, err
	}
	if args == nil {
		args = codec.Empty{}
	}
	payload, err := codec.PackTuple(p.types, args)
	if err != nil {
		return proc, t, nil, err
	}
	return proc, t, payload, nil
}

// fanOut sends env to every remote target and reports how many sends succeeded.
func (p *Planner) fanOut(proc procedure.Procedure, remote []message.PeerID, env *message.Envelope) (int, error) {
	if len(remote) == 0 {
		return 0, nil
	}
	data, err := codec.Marshal(p.codec, env)
	if err != nil {
		return 0, err
	}
	sent := 0
	var errs error
	for _, peer := range remote {
		if err := p.transport.Send(peer, proc.Descriptor.Mode, proc.Descriptor.Channel, data); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("send to peer %d: %w", peer, err))
			continue
		}
		sent++
	}
	return sent, errs
}

// Call fires a one-way call. sent is the number of peers the packet was handed
// to; locallyExecuted reports whether the local handler ran.
func (p *Planner) Call(ctx context.Context, sel Selector, path, name string, args codec.Tuple) (sent int, locallyExecuted bool, err error) {
	proc, t, payload, err := p.prepare(sel, path, name, args)
	if err != nil {
		return 0, false, err
	}

	kind := message.KindSend
	if proc.Returns == nil {
		kind = message.KindMessage
	}
	env := &message.Envelope{Kind: kind, TargetPath: path, ProcedureName: name, Payload: payload}

	sent, err = p.fanOut(proc, t.remote, env)
	if t.local {
		lerr := p.dispatcher.Dispatch(ctx, message.Broadcast, env)
		switch {
		case lerr == nil:
			locallyExecuted = true
		case errors.Is(lerr, dispatcher.ErrAccessDenied):
			// Denied like any receiver would deny it: the local handler
			// just does not run.
			p.logger.Debug("local call denied", zap.String("procedure", name), zap.Error(lerr))
		default:
			err = multierr.Append(err, lerr)
		}
	}
	return sent, locallyExecuted, err
}

// Request issues a correlated call. A zero timeout means DefaultTimeout; a
// negative one never expires. Cancelling ctx cancels the request.
func (p *Planner) Request(ctx context.Context, sel Selector, path, name string, args codec.Tuple, timeout time.Duration) (*Future, error) {
	proc, t, argBytes, err := p.prepare(sel, path, name, args)
	if err != nil {
		return nil, err
	}
	if len(t.remote) == 0 && !t.local {
		return nil, fmt.Errorf("%w: %s", ErrNoRecipient, sel)
	}

	expected := message.Broadcast
	if t.single {
		if t.local {
			expected = p.transport.LocalID()
		} else {
			expected = t.remote[0]
		}
	}
	if timeout == 0 {
		timeout = p.defaultTimeout
	}

	// Register BEFORE sending so a fast Result always finds its slot.
	pending, err := p.pending.Register(expected, timeout)
	if err != nil {
		return nil, err
	}

	w := codec.NewWriter(p.types)
	w.PutCorrelation(pending.ID())
	prefix, err := w.Bytes()
	if err != nil {
		pending.Cancel()
		return nil, err
	}
	env := &message.Envelope{
		Kind:          message.KindRequest,
		TargetPath:    path,
		ProcedureName: name,
		Payload:       append(prefix, argBytes...),
	}

	sent, sendErr := p.fanOut(proc, t.remote, env)
	if sendErr != nil {
		p.logger.Debug("request fan-out incomplete",
			zap.String("procedure", name),
			zap.Uint64("correlation", uint64(pending.ID())),
			zap.Int32("expected", int32(pending.Expected())),
			zap.Int("sent", sent),
			zap.Error(sendErr))
	}
	local := false
	if t.local {
		if lerr := p.dispatcher.Dispatch(ctx, message.Broadcast, env); lerr != nil {
			sendErr = multierr.Append(sendErr, lerr)
		} else {
			local = true
		}
	}
	if sent == 0 && !local {
		p.pending.Fail(pending.ID(), sendErr)
		return nil, sendErr
	}

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			p.pending.Fail(pending.ID(), fmt.Errorf("%w: %w", correlation.ErrCancelled, context.Cause(ctx)))
		})
		go func() {
			<-pending.Done()
			stop()
		}()
	}

	return &Future{
		pending: pending,
		types:   p.types,
		returns: proc.Returns,
		sent:    sent,
		local:   local,
	}, nil
}

// Future is the caller's handle on an outstanding request.
type Future struct {
	pending *correlation.Pending
	types   *codec.Registry
	returns reflect.Type
	sent    int
	local   bool
}

func (f *Future) ID() message.CorrelationID { return f.pending.ID() }

// Sent is the number of peers the request was handed to.
func (f *Future) Sent() int { return f.sent }

// LocallyExecuted reports whether the local handler was started.
func (f *Future) LocallyExecuted() bool { return f.local }

func (f *Future) Done() <-chan struct{} { return f.pending.Done() }

// Cancel fails the request with correlation.ErrCancelled unless it already
// completed.
func (f *Future) Cancel() bool { return f.pending.Cancel() }

// Wait blocks for the raw packed return value and the peer that produced it.
func (f *Future) Wait(ctx context.Context) ([]byte, message.PeerID, error) {
	return f.pending.Wait(ctx)
}

// Await waits for f and decodes its return value as R.
func Await[R any](ctx context.Context, f *Future) (R, error) {
	var zero R
	if want := codec.TypeOf[R](); f.returns != want {
		return zero, fmt.Errorf("%w: procedure returns %v, not %v", codec.ErrSerialization, f.returns, want)
	}
	value, _, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	v, err := codec.Unpack(f.types, value, f.returns)
	if err != nil {
		return zero, err
	}
	return v.(R), nil
}

// AwaitVoid waits for a request to a procedure without a return value.
func AwaitVoid(ctx context.Context, f *Future) error {
	_, _, err := f.Wait(ctx)
	return err
}
