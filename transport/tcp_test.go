package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Joy-less/RemSend-sub000/message"
)

type received struct {
	from message.PeerID
	data string
}

// collector 把收到的包写进 channel，供测试断言
func collector(n int) (Receiver, chan received) {
	ch := make(chan received, n)
	return func(sender message.PeerID, data []byte) {
		ch <- received{from: sender, data: string(data)}
	}, ch
}

func expectPacket(t *testing.T, ch chan received, from message.PeerID, data string) {
	t.Helper()
	select {
	case got := <-ch:
		if got.from != from || got.data != data {
			t.Fatalf("expect (%d, %q), got (%d, %q)", from, data, got.from, got.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %q", data)
	}
}

func startTCPPair(t *testing.T) (*TCP, *TCP, chan received, chan received) {
	t.Helper()
	a := NewTCP(TCPConfig{ID: 1})
	if err := a.Listen("tcp", "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	b := NewTCP(TCPConfig{ID: 2})
	t.Cleanup(func() {
		b.Close()
		a.Close()
	})

	recvA, chA := collector(64)
	recvB, chB := collector(64)
	if err := a.Start(context.Background(), recvA); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background(), recvB); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	peer, err := b.Dial(ctx, a.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if peer != 1 {
		t.Fatalf("expect dialed peer 1, got %d", peer)
	}

	// 等待监听端完成握手
	deadline := time.Now().Add(2 * time.Second)
	for len(a.Peers()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener never registered the dialer")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return a, b, chA, chB
}

func TestTCPSendBothWays(t *testing.T) {
	a, b, chA, chB := startTCPPair(t)

	if err := b.Send(1, Reliable, 0, []byte("hello a")); err != nil {
		t.Fatal(err)
	}
	expectPacket(t, chA, 2, "hello a")

	if err := a.Send(2, Unreliable, 7, []byte("hello b")); err != nil {
		t.Fatal(err)
	}
	expectPacket(t, chB, 1, "hello b")

	if got := a.Peers(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expect peers [2], got %v", got)
	}
}

// 同一连接上的包按发送顺序到达
func TestTCPOrdering(t *testing.T) {
	_, b, chA, _ := startTCPPair(t)

	for i := 0; i < 50; i++ {
		if err := b.Send(1, Reliable, 0, []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 50; i++ {
		expectPacket(t, chA, 2, fmt.Sprintf("m%d", i))
	}
}

// 并发发送时帧不能交错
func TestTCPConcurrentSend(t *testing.T) {
	_, b, chA, _ := startTCPPair(t)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := b.Send(1, Reliable, i%4, []byte(fmt.Sprintf("c%d", i))); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		select {
		case got := <-chA:
			seen[got.data] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d packets arrived", i, n)
		}
	}
	if len(seen) != n {
		t.Fatalf("expect %d distinct packets, got %d", n, len(seen))
	}
}

func TestTCPSelfSend(t *testing.T) {
	a, _, chA, _ := startTCPPair(t)
	if err := a.Send(1, Reliable, 0, []byte("me")); err != nil {
		t.Fatal(err)
	}
	expectPacket(t, chA, message.Broadcast, "me")
}

func TestTCPUnknownPeerAndClose(t *testing.T) {
	a, _, _, _ := startTCPPair(t)
	if err := a.Send(9, Reliable, 0, []byte("x")); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expect ErrUnknownPeer, got %v", err)
	}
	// 65536 不能被截断成 channel 0
	for _, ch := range []int{-1, MaxChannel + 1} {
		if err := a.Send(2, Reliable, ch, []byte("x")); !errors.Is(err, ErrChannel) {
			t.Fatalf("channel %d: expect ErrChannel, got %v", ch, err)
		}
	}
	a.Close()
	if err := a.Send(2, Reliable, 0, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", err)
	}
}

// 对端断开后从 Peers 中移除
func TestTCPPeerDisconnect(t *testing.T) {
	a, b, _, _ := startTCPPair(t)
	b.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(a.Peers()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("peer 2 still listed: %v", a.Peers())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTCPHeartbeatKeepsIdleConnection(t *testing.T) {
	a := NewTCP(TCPConfig{ID: 1, HeartbeatInterval: 30 * time.Millisecond})
	if err := a.Listen("tcp", "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	b := NewTCP(TCPConfig{ID: 2, HeartbeatInterval: 30 * time.Millisecond})
	defer b.Close()
	defer a.Close()

	recvA, chA := collector(4)
	recvB, _ := collector(4)
	a.Start(context.Background(), recvA)
	b.Start(context.Background(), recvB)
	if _, err := b.Dial(context.Background(), a.Addr().String()); err != nil {
		t.Fatal(err)
	}

	// 空闲时间远超 3 倍心跳间隔，连接仍应存活
	time.Sleep(300 * time.Millisecond)
	if err := b.Send(1, Reliable, 0, []byte("still here")); err != nil {
		t.Fatal(err)
	}
	expectPacket(t, chA, 2, "still here")
}

func TestLoopbackDelivery(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Join(1)
	b, _ := n.Join(2)
	defer a.Close()
	defer b.Close()

	recvA, chA := collector(8)
	recvB, chB := collector(8)
	a.Start(context.Background(), recvA)
	b.Start(context.Background(), recvB)

	if got := a.Peers(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expect peers [2], got %v", got)
	}
	a.Send(2, Reliable, 0, []byte("x"))
	expectPacket(t, chB, 1, "x")
	a.Send(1, Reliable, 0, []byte("self"))
	expectPacket(t, chA, message.Broadcast, "self")

	if _, err := n.Join(2); err == nil {
		t.Fatal("expect duplicate join to fail")
	}
	if _, err := n.Join(0); err == nil {
		t.Fatal("expect join with id 0 to fail")
	}
	if err := a.Send(5, Reliable, 0, nil); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expect ErrUnknownPeer, got %v", err)
	}
}

// 丢包只作用于不可靠模式
func TestLoopbackLoss(t *testing.T) {
	n := NewNetwork()
	n.SetLoss(func(from, to message.PeerID, mode Mode, channel int) bool { return true })
	a, _ := n.Join(1)
	b, _ := n.Join(2)
	defer a.Close()
	defer b.Close()

	recvB, chB := collector(8)
	b.Start(context.Background(), recvB)

	a.Send(2, Unreliable, 0, []byte("lost"))
	a.Send(2, UnreliableOrdered, 0, []byte("lost too"))
	a.Send(2, Reliable, 0, []byte("kept"))
	expectPacket(t, chB, 1, "kept")
	select {
	case got := <-chB:
		t.Fatalf("unexpected packet %q", got.data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		err  bool
	}{
		{"Reliable", Reliable, false},
		{"unreliable_ordered", UnreliableOrdered, false},
		{" UNRELIABLE ", Unreliable, false},
		{"sometimes", Reliable, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Fatalf("ParseMode(%q) = %v, %v", tt.in, got, err)
		}
	}
	if Unreliable.Ordered() || !UnreliableOrdered.Ordered() {
		t.Fatal("wrong Ordered result")
	}
}
