// Package procedure holds the registration table that maps
// (entity type, procedure name) to a typed handler and its descriptor.
//
// The table is built once at startup and looked up on every inbound envelope:
//
//	entity type ──► procedure name ──► Procedure{Descriptor, NewArgs, Invoke}
package procedure

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/Joy-less/RemSend-sub000/access"
	"github.com/Joy-less/RemSend-sub000/codec"
	"github.com/Joy-less/RemSend-sub000/entity"
	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/Joy-less/RemSend-sub000/transport"
)

var (
	ErrNotFound  = errors.New("procedure: not found")
	ErrDuplicate = errors.New("procedure: already registered")
	ErrInvalid   = errors.New("procedure: invalid registration")
)

// Descriptor is the static metadata of a procedure.
type Descriptor struct {
	Access    access.Level   `json:"access"`
	CallLocal bool           `json:"call_local"`
	Mode      transport.Mode `json:"mode"`
	Channel   int            `json:"channel"`
}

// Invocation is the context a handler runs with.
type Invocation struct {
	Kind      message.Kind
	Path      string
	Procedure string
	Entity    entity.Entity
	Sender    message.PeerID // Normalized: never 0, the local id for local calls
	Local     bool           // Invoked through the local bypass
	Args      any            // The decoded argument tuple, as returned by NewArgs
}

// HandlerFunc runs a procedure and returns its result. The result is ignored
// for Send and Message envelopes.
type HandlerFunc func(ctx context.Context, inv *Invocation) (any, error)

// Procedure is a registered, invocable method.
type Procedure struct {
	Name       string
	Descriptor Descriptor
	Returns    reflect.Type // nil when the procedure has no return value
	NewArgs    func() codec.TupleUnmarshaler
	Invoke     HandlerFunc
}

// Table is the two-level (entity type, procedure name) registration table.
// Entries are replaced, never mutated, so a Procedure returned by Lookup is a
// stable snapshot.
type Table struct {
	mu     sync.RWMutex
	types  *codec.Registry
	byType map[string]map[string]*Procedure
}

// NewTable returns an empty table. Return types are validated against types;
// nil means codec.Default.
func NewTable(types *codec.Registry) *Table {
	if types == nil {
		types = codec.Default
	}
	return &Table{
		types:  types,
		byType: make(map[string]map[string]*Procedure),
	}
}

// Register adds p under entityType.
func (t *Table) Register(entityType string, p Procedure) error {
	if entityType == "" || p.Name == "" {
		return fmt.Errorf("%w: empty entity type or procedure name", ErrInvalid)
	}
	if p.NewArgs == nil || p.Invoke == nil {
		return fmt.Errorf("%w: %s.%s has no handler", ErrInvalid, entityType, p.Name)
	}
	if p.Returns != nil && !t.types.Has(p.Returns) {
		return fmt.Errorf("%w: %s.%s returns unregistered type %s", ErrInvalid, entityType, p.Name, p.Returns)
	}
	if err := transport.CheckChannel(p.Descriptor.Channel); err != nil {
		return fmt.Errorf("%w: %s.%s: %v", ErrInvalid, entityType, p.Name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	procs, ok := t.byType[entityType]
	if !ok {
		procs = make(map[string]*Procedure)
		t.byType[entityType] = procs
	}
	if _, exists := procs[p.Name]; exists {
		return fmt.Errorf("%w: %s.%s", ErrDuplicate, entityType, p.Name)
	}
	procs[p.Name] = &p
	return nil
}

// Lookup finds the procedure registered for (entityType, name).
func (t *Table) Lookup(entityType, name string) (Procedure, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.byType[entityType][name]
	if !ok {
		return Procedure{}, fmt.Errorf("%w: %s.%s", ErrNotFound, entityType, name)
	}
	return *p, nil
}

// Configure reassigns the descriptor of a registered procedure. Calls already
// planned keep the descriptor they were planned with.
func (t *Table) Configure(entityType, name string, d Descriptor) error {
	if err := transport.CheckChannel(d.Channel); err != nil {
		return fmt.Errorf("%w: %s.%s: %v", ErrInvalid, entityType, name, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byType[entityType][name]
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrNotFound, entityType, name)
	}
	next := *p
	next.Descriptor = d
	t.byType[entityType][name] = &next
	return nil
}

// Names lists the procedures registered for entityType, sorted.
func (t *Table) Names(entityType string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.byType[entityType]))
	for name := range t.byType[entityType] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle registers a procedure with a typed argument tuple A and return type R.
// PA is inferred as *A and must decode the tuple.
func Handle[A any, PA interface {
	*A
	codec.TupleUnmarshaler
}, R any](t *Table, entityType, name string, d Descriptor, fn func(ctx context.Context, inv *Invocation, args A) (R, error)) error {
	return t.Register(entityType, Procedure{
		Name:       name,
		Descriptor: d,
		Returns:    codec.TypeOf[R](),
		NewArgs:    func() codec.TupleUnmarshaler { return PA(new(A)) },
		Invoke: func(ctx context.Context, inv *Invocation) (any, error) {
			args, ok := inv.Args.(PA)
			if !ok {
				return nil, fmt.Errorf("%w: unexpected argument tuple %T", codec.ErrSerialization, inv.Args)
			}
			r, err := fn(ctx, inv, *args)
			if err != nil {
				return nil, err
			}
			return r, nil
		},
	})
}

// HandleVoid registers a procedure without a return value.
func HandleVoid[A any, PA interface {
	*A
	codec.TupleUnmarshaler
}](t *Table, entityType, name string, d Descriptor, fn func(ctx context.Context, inv *Invocation, args A) error) error {
	return t.Register(entityType, Procedure{
		Name:       name,
		Descriptor: d,
		NewArgs:    func() codec.TupleUnmarshaler { return PA(new(A)) },
		Invoke: func(ctx context.Context, inv *Invocation) (any, error) {
			args, ok := inv.Args.(PA)
			if !ok {
				return nil, fmt.Errorf("%w: unexpected argument tuple %T", codec.ErrSerialization, inv.Args)
			}
			return nil, fn(ctx, inv, *args)
		},
	})
}
