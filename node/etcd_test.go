package node

import (
	"context"
	"testing"
	"time"

	"github.com/Joy-less/RemSend-sub000/loadbalance"
	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/Joy-less/RemSend-sub000/planner"
	"github.com/Joy-less/RemSend-sub000/registry"
	"github.com/Joy-less/RemSend-sub000/transport"
)

func newTestEtcd(t *testing.T) *registry.EtcdRegistry {
	t.Helper()
	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"}, nil)
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.Discover(ctx, "health"); err != nil {
		reg.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

// TestFullIntegrationWithEtcd 完整端到端测试
// 链路: Node → Registry(etcd) → Dial(TCP) → Planner → Codec → Middleware → Dispatcher → Result
func TestFullIntegrationWithEtcd(t *testing.T) {
	reg := newTestEtcd(t)
	session := "test-" + registry.NewInstanceID()

	var nodes []*Node
	for _, id := range []message.PeerID{1, 2, 3} {
		tcp := transport.NewTCP(transport.TCPConfig{ID: id})
		if err := tcp.Listen("tcp", "127.0.0.1:0"); err != nil {
			t.Fatal(err)
		}
		n := New(tcp, WithRegistry(reg, session, registry.Peer{Addr: tcp.Addr().String(), Weight: 10}))
		setup(t, n)
		if err := n.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer n.Close()
		nodes = append(nodes, n)
	}

	// 等待全连接：每个节点都看到另外两个
	deadline := time.Now().Add(5 * time.Second)
	for _, n := range nodes {
		for len(n.Transport().Peers()) != 2 {
			if time.Now().After(deadline) {
				t.Fatalf("node %d sees peers %v", n.ID(), n.Transport().Peers())
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	// 轮询负载均衡，10 个请求全部正确
	var candidates []registry.Peer
	for _, p := range nodes[0].Directory() {
		if p.ID != nodes[0].ID() {
			candidates = append(candidates, p)
		}
	}
	bal := &loadbalance.RoundRobinBalancer{}
	seen := make(map[message.PeerID]bool)
	for i := int32(1); i <= 10; i++ {
		f, err := nodes[0].Request(context.Background(), planner.Balanced(bal, "", candidates...), "world/echo", "Echo", echoArgs{X: i}, 5*time.Second)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		value, sender, err := f.Wait(context.Background())
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		seen[sender] = true
		if len(value) == 0 {
			t.Fatalf("request %d: empty result", i)
		}
	}
	if len(seen) != 2 {
		t.Fatalf("expect both peers to serve requests, got %v", seen)
	}

	// 关闭后从目录中注销
	nodes[2].Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	peers, err := reg.Discover(ctx, session)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 {
		t.Fatalf("expect 2 peers after close, got %v", peers)
	}
}
