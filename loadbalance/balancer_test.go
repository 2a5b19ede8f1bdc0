package loadbalance

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/Joy-less/RemSend-sub000/registry"
)

var testPeers = []registry.Peer{
	{ID: 2, Addr: ":8002", Weight: 10, Version: "1.0.0"},
	{ID: 3, Addr: ":8003", Weight: 5, Version: "1.0.0"},
	{ID: 4, Addr: ":8004", Weight: 10, Version: "1.0.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all peers
	results := make([]message.PeerID, 3)
	for i := 0; i < 3; i++ {
		p, err := b.Pick(testPeers, "")
		if err != nil {
			t.Fatal(err)
		}
		results[i] = p.ID
	}
	if results[0] != 2 || results[1] != 3 || results[2] != 4 {
		t.Fatalf("unexpected order: %v", results)
	}

	// Pick again, should wrap around to first
	p, _ := b.Pick(testPeers, "")
	if p.ID != results[0] {
		t.Fatalf("expect wrap around to %d, got %d", results[0], p.ID)
	}
}

func TestEmpty(t *testing.T) {
	for _, name := range []string{"RoundRobin", "WeightedRandom", "ConsistentHash"} {
		b, err := New(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := b.Pick(nil, "k"); !errors.Is(err, ErrNoPeers) {
			t.Fatalf("%s: expect ErrNoPeers, got %v", b.Name(), err)
		}
	}
	if _, err := New("Fastest"); err == nil {
		t.Fatal("expect error for unknown strategy")
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[message.PeerID]int{}
	n := 10000
	for i := 0; i < n; i++ {
		p, err := b.Pick(testPeers, "")
		if err != nil {
			t.Fatal(err)
		}
		counts[p.ID]++
	}

	// Weight ratio is 10:5:10, so peer 2 and 4 should be ~2x of peer 3
	ratio := float64(counts[2]) / float64(counts[3])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio 2/3 = %.2f, expect ~2.0", ratio)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	// Same key should always map to the same peer
	p1, _ := b.Pick(testPeers, "chunk-123")
	p2, _ := b.Pick(testPeers, "chunk-123")
	if p1.ID != p2.ID {
		t.Fatalf("same key mapped to different peers: %d vs %d", p1.ID, p2.ID)
	}

	// Order of candidates does not matter
	reversed := []registry.Peer{testPeers[2], testPeers[1], testPeers[0]}
	p3, _ := b.Pick(reversed, "chunk-123")
	if p3.ID != p1.ID {
		t.Fatalf("candidate order changed the pick: %d vs %d", p3.ID, p1.ID)
	}

	seen := map[message.PeerID]bool{}
	for i := 0; i < 100; i++ {
		p, _ := b.Pick(testPeers, fmt.Sprintf("key-%d", i))
		seen[p.ID] = true
	}

	// With 100 different keys and 3 peers, we should hit at least 2
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different peers, got %d", len(seen))
	}
}
