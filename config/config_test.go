package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Joy-less/RemSend-sub000/access"
	"github.com/Joy-less/RemSend-sub000/codec"
	"github.com/Joy-less/RemSend-sub000/procedure"
	"github.com/Joy-less/RemSend-sub000/transport"
)

func newTable(t *testing.T) *procedure.Table {
	t.Helper()
	table := procedure.NewTable(nil)
	noop := func(ctx context.Context, inv *procedure.Invocation, args codec.Empty) error { return nil }
	d := procedure.Descriptor{Access: access.Any, Mode: transport.Reliable, Channel: 0}
	if err := procedure.HandleVoid(table, "Player", "Move", d, noop); err != nil {
		t.Fatal(err)
	}
	if err := procedure.HandleVoid(table, "Player", "Admin", d, noop); err != nil {
		t.Fatal(err)
	}
	return table
}

func descriptor(t *testing.T, table *procedure.Table, name string) procedure.Descriptor {
	t.Helper()
	p, err := table.Lookup("Player", name)
	if err != nil {
		t.Fatal(err)
	}
	return p.Descriptor
}

func TestParseAndApply(t *testing.T) {
	o, err := ParseOverrides([]byte(`{
		"Player.Move":  {"mode": "UnreliableOrdered", "channel": 2},
		"Player.Admin": {"access": "AuthorityOnly", "call_local": true}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	table := newTable(t)
	if err := o.Apply(table); err != nil {
		t.Fatal(err)
	}

	move := descriptor(t, table, "Move")
	if move.Mode != transport.UnreliableOrdered || move.Channel != 2 || move.Access != access.Any {
		t.Fatalf("unexpected Move descriptor %+v", move)
	}
	admin := descriptor(t, table, "Admin")
	if admin.Access != access.AuthorityOnly || !admin.CallLocal || admin.Mode != transport.Reliable {
		t.Fatalf("unexpected Admin descriptor %+v", admin)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no dot", `{"Move": {}}`},
		{"trailing dot", `{"Player.": {}}`},
		{"bad access", `{"Player.Move": {"access": "everyone"}}`},
		{"bad mode", `{"Player.Move": {"mode": "sometimes"}}`},
		{"negative channel", `{"Player.Move": {"channel": -1}}`},
		{"channel too large", `{"Player.Move": {"channel": 65536}}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		if _, err := ParseOverrides([]byte(tt.data)); err == nil {
			t.Fatalf("%s: expect error", tt.name)
		}
	}
	if _, err := ParseOverrides([]byte(`{"Move": {}}`)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expect ErrInvalidKey, got %v", err)
	}
}

// 未注册的过程报错，但不影响其他条目
func TestApplyUnknownProcedure(t *testing.T) {
	channel := 5
	o := Overrides{
		"Player.Fly":  {Channel: &channel},
		"Player.Move": {Channel: &channel},
	}
	table := newTable(t)
	if err := o.Apply(table); !errors.Is(err, procedure.ErrNotFound) {
		t.Fatalf("expect procedure.ErrNotFound, got %v", err)
	}
	if got := descriptor(t, table, "Move").Channel; got != 5 {
		t.Fatalf("expect channel 5, got %d", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.json")
	if err := os.WriteFile(path, []byte(`{"Player.Move": {"channel": 3}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	o, err := LoadOverrides(path)
	if err != nil {
		t.Fatal(err)
	}
	if c := o["Player.Move"].Channel; c == nil || *c != 3 {
		t.Fatalf("unexpected overrides %+v", o)
	}
	if _, err := LoadOverrides(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expect os.ErrNotExist, got %v", err)
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	if filepath.Base(path) != "overrides.json" || !filepath.IsAbs(path) {
		t.Fatalf("unexpected default path %q", path)
	}
}

func TestWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan Overrides, 4)
	w, err := Watch(path, nil, func(o Overrides) { changes <- o })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// 写入非法内容：保留旧配置，不触发回调
	if err := os.WriteFile(path, []byte(`{"Move": {}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case o := <-changes:
		t.Fatalf("invalid file produced overrides %+v", o)
	case <-time.After(300 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte(`{"Player.Move": {"channel": 9}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case o := <-changes:
		if c := o["Player.Move"].Channel; c == nil || *c != 9 {
			t.Fatalf("unexpected overrides %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never reloaded")
	}
}
