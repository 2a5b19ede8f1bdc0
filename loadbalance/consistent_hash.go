package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"github.com/Joy-less/RemSend-sub000/registry"
)

// ConsistentHashBalancer maps keys to peers using a hash ring, so the same key
// keeps landing on the same peer while the candidate set is stable. That is
// what a call like "whoever owns this chunk" needs.
//
// Each peer gets N virtual nodes on the ring for an even spread.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         3 ●               ● 2
//	           │    key ◆──►   │   (clockwise to nearest node → 2)
//	         4 ●               ● 2' (virtual node of 2)
//	              ╲       ╱
//	                ╲   ╱
//
// The ring is rebuilt whenever Pick sees a different candidate set.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	sig   string                   // candidate set the ring was built for
	ring  []uint32                 // sorted hash values
	nodes map[uint32]registry.Peer // hash value → peer
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per peer.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

func (b *ConsistentHashBalancer) rebuild(peers []registry.Peer) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.Peer, len(peers)*b.replicas)
	for _, p := range peers {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%d#%d", p.ID, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = p
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func signature(peers []registry.Peer) string {
	ids := make([]int, len(peers))
	for i, p := range peers {
		ids[i] = int(p.ID)
	}
	sort.Ints(ids)
	return fmt.Sprint(ids)
}

// Pick hashes key and binary-searches for the first node >= hash on the ring,
// wrapping around to the first node.
func (b *ConsistentHashBalancer) Pick(peers []registry.Peer, key string) (*registry.Peer, error) {
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sig := signature(peers); sig != b.sig {
		b.rebuild(peers)
		b.sig = sig
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	p := b.nodes[b.ring[idx]]
	return &p, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
