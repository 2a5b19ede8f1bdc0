package loadbalance

import (
	"sync/atomic"

	"github.com/Joy-less/RemSend-sub000/registry"
)

// RoundRobinBalancer cycles through the candidates in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(peers []registry.Peer, key string) (*registry.Peer, error) {
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	index := (b.counter.Add(1) - 1) % uint64(len(peers))
	return &peers[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
