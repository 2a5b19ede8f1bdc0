package node

import (
	"context"
	"testing"
	"time"

	"github.com/Joy-less/RemSend-sub000/codec"
	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/Joy-less/RemSend-sub000/planner"
	"github.com/Joy-less/RemSend-sub000/transport"
)

// ---- Setup 公共函数 ----

func setupTCPPair(b *testing.B) (*Node, *Node) {
	b.Helper()
	ta := transport.NewTCP(transport.TCPConfig{ID: 1})
	if err := ta.Listen("tcp", "127.0.0.1:0"); err != nil {
		b.Fatal(err)
	}
	tb := transport.NewTCP(transport.TCPConfig{ID: 2})

	var nodes []*Node
	for _, tr := range []transport.Transport{ta, tb} {
		n := New(tr)
		setup(b, n)
		if err := n.Start(context.Background()); err != nil {
			b.Fatal(err)
		}
		nodes = append(nodes, n)
	}
	b.Cleanup(func() {
		nodes[1].Close()
		nodes[0].Close()
	})
	if _, err := tb.Dial(context.Background(), ta.Addr().String()); err != nil {
		b.Fatal(err)
	}
	for len(ta.Peers()) == 0 {
		time.Sleep(time.Millisecond)
	}
	return nodes[1], nodes[0]
}

func request(b *testing.B, n *Node, to message.PeerID) {
	ctx := context.Background()
	f, err := n.Request(ctx, planner.To(to), "world/echo", "Echo", echoArgs{X: 1}, time.Second)
	if err != nil {
		b.Error(err)
		return
	}
	if _, err := planner.Await[int32](ctx, f); err != nil {
		b.Error(err)
	}
}

// ---- Benchmark ----

// 场景1: 单 goroutine 串行请求
func BenchmarkSerialRequest(b *testing.B) {
	caller, callee := setupTCPPair(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		request(b, caller, callee.ID())
	}
}

// 场景2: 多 goroutine 并发请求（同一连接上的多路复用）
func BenchmarkConcurrentRequest(b *testing.B) {
	caller, callee := setupTCPPair(b)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			request(b, caller, callee.ID())
		}
	})
}

// 场景3/4/5: 各 codec 的信封编解码（不走网络）
func benchmarkCodec(b *testing.B, ct codec.CodecType) {
	c, err := codec.GetCodec(ct)
	if err != nil {
		b.Fatal(err)
	}
	payload, _ := codec.PackTuple(nil, echoArgs{X: 42})
	env := &message.Envelope{
		Kind:          message.KindSend,
		TargetPath:    "world/echo",
		ProcedureName: "Echo",
		Payload:       payload,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := codec.Marshal(c, env)
		codec.Unmarshal(data)
	}
}

func BenchmarkCodecJSON(b *testing.B)    { benchmarkCodec(b, codec.CodecTypeJSON) }
func BenchmarkCodecBinary(b *testing.B)  { benchmarkCodec(b, codec.CodecTypeBinary) }
func BenchmarkCodecMsgpack(b *testing.B) { benchmarkCodec(b, codec.CodecTypeMsgpack) }
