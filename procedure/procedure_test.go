package procedure

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/Joy-less/RemSend-sub000/access"
	"github.com/Joy-less/RemSend-sub000/codec"
	"github.com/Joy-less/RemSend-sub000/transport"
)

type echoArgs struct {
	X int32
}

func (a echoArgs) MarshalTuple(w *codec.Writer) error {
	w.PutInt32(a.X)
	return w.Err()
}

func (a *echoArgs) UnmarshalTuple(r *codec.Reader) error {
	a.X = r.ReadInt32()
	return r.Err()
}

var anyReliable = Descriptor{Access: access.Any, Mode: transport.Reliable}

func echo(ctx context.Context, inv *Invocation, args echoArgs) (int32, error) {
	return args.X, nil
}

func TestHandleAndInvoke(t *testing.T) {
	table := NewTable(nil)
	if err := Handle(table, "Echoer", "Echo", anyReliable, echo); err != nil {
		t.Fatal(err)
	}

	p, err := table.Lookup("Echoer", "Echo")
	if err != nil {
		t.Fatal(err)
	}
	if p.Returns != reflect.TypeOf(int32(0)) {
		t.Fatalf("expect int32 return type, got %v", p.Returns)
	}

	data, err := codec.PackTuple(nil, echoArgs{X: 7})
	if err != nil {
		t.Fatal(err)
	}
	args := p.NewArgs()
	if err := codec.UnpackTuple(nil, data, args); err != nil {
		t.Fatal(err)
	}

	result, err := p.Invoke(context.Background(), &Invocation{Args: args})
	if err != nil {
		t.Fatal(err)
	}
	if result.(int32) != 7 {
		t.Fatalf("expect 7, got %v", result)
	}
}

func TestHandleVoid(t *testing.T) {
	table := NewTable(nil)
	called := 0
	err := HandleVoid(table, "Player", "Ping", anyReliable, func(ctx context.Context, inv *Invocation, args codec.Empty) error {
		called++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	p, err := table.Lookup("Player", "Ping")
	if err != nil {
		t.Fatal(err)
	}
	if p.Returns != nil {
		t.Fatalf("expect no return type, got %v", p.Returns)
	}
	if _, err := p.Invoke(context.Background(), &Invocation{Args: p.NewArgs()}); err != nil {
		t.Fatal(err)
	}
	if called != 1 {
		t.Fatalf("expect 1 call, got %d", called)
	}
}

func TestInvokeWrongTuple(t *testing.T) {
	table := NewTable(nil)
	Handle(table, "Echoer", "Echo", anyReliable, echo)
	p, _ := table.Lookup("Echoer", "Echo")

	_, err := p.Invoke(context.Background(), &Invocation{Args: &codec.Empty{}})
	if !errors.Is(err, codec.ErrSerialization) {
		t.Fatalf("expect ErrSerialization, got %v", err)
	}
}

func TestRegisterErrors(t *testing.T) {
	table := NewTable(nil)
	if err := Handle(table, "Echoer", "Echo", anyReliable, echo); err != nil {
		t.Fatal(err)
	}
	if err := Handle(table, "Echoer", "Echo", anyReliable, echo); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expect ErrDuplicate, got %v", err)
	}
	if err := table.Register("", Procedure{Name: "X"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expect ErrInvalid, got %v", err)
	}

	type opaque struct{}
	err := Handle(table, "Echoer", "Opaque", anyReliable, func(ctx context.Context, inv *Invocation, args codec.Empty) (opaque, error) {
		return opaque{}, nil
	})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expect ErrInvalid for unregistered return type, got %v", err)
	}

	// channel 必须放得进 16 位帧头
	for _, ch := range []int{-1, transport.MaxChannel + 1} {
		d := Descriptor{Access: access.Any, Channel: ch}
		if err := Handle(table, "Echoer", fmt.Sprintf("Ch%d", ch), d, echo); !errors.Is(err, ErrInvalid) {
			t.Fatalf("channel %d: expect ErrInvalid, got %v", ch, err)
		}
		if err := table.Configure("Echoer", "Echo", d); !errors.Is(err, ErrInvalid) {
			t.Fatalf("configure channel %d: expect ErrInvalid, got %v", ch, err)
		}
	}
}

func TestLookupNotFound(t *testing.T) {
	table := NewTable(nil)
	Handle(table, "Echoer", "Echo", anyReliable, echo)

	if _, err := table.Lookup("Echoer", "Missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expect ErrNotFound for unknown procedure, got %v", err)
	}
	if _, err := table.Lookup("Player", "Echo"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expect ErrNotFound for unknown entity type, got %v", err)
	}
}

func TestConfigureKeepsSnapshots(t *testing.T) {
	table := NewTable(nil)
	Handle(table, "Echoer", "Echo", anyReliable, echo)

	before, _ := table.Lookup("Echoer", "Echo")
	next := Descriptor{Access: access.AuthorityOnly, Mode: transport.Unreliable, Channel: 3}
	if err := table.Configure("Echoer", "Echo", next); err != nil {
		t.Fatal(err)
	}
	after, _ := table.Lookup("Echoer", "Echo")

	if before.Descriptor != anyReliable {
		t.Fatalf("earlier snapshot changed: %+v", before.Descriptor)
	}
	if after.Descriptor != next {
		t.Fatalf("expect %+v, got %+v", next, after.Descriptor)
	}
	if err := table.Configure("Echoer", "Missing", next); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expect ErrNotFound, got %v", err)
	}
	if names := table.Names("Echoer"); len(names) != 1 || names[0] != "Echo" {
		t.Fatalf("unexpected names: %v", names)
	}
}
